package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/takurabid/takurabid/pkg/response"
)

// ContextKey is a custom type for context keys to avoid collisions
type ContextKey string

const (
	// UserIDKey is the context key for the authenticated user ID
	UserIDKey ContextKey = "user_id"
	// EmailKey is the context key for the authenticated user's email
	EmailKey ContextKey = "email"
	// RoleKey is the context key for the token role claim
	RoleKey ContextKey = "role"

	// ServiceRole is the role of backend producers allowed to act for any user.
	ServiceRole = "service_role"

	testUserHeader = "X-Test-User-ID"
	testRoleHeader = "X-Test-User-Role"
)

// Claims are the access-token claims issued by the hosted identity provider.
// The subject is the user's identity id.
type Claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// GenerateToken signs an HS256 access token. Used by tests and local tooling;
// production tokens come from the identity provider.
func GenerateToken(secret string, userID uuid.UUID, email, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: email,
		Role:  role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates an access token and returns its subject.
func ParseToken(secret, tokenString string) (uuid.UUID, *Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return uuid.Nil, nil, err
	}
	if !token.Valid {
		return uuid.Nil, nil, errors.New("invalid token")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return uuid.Nil, nil, fmt.Errorf("invalid subject: %w", err)
	}
	return userID, claims, nil
}

// AuthOptions configures Authenticate.
type AuthOptions struct {
	JWTSecret string
	// AllowTestUser accepts the X-Test-User-ID and X-Test-User-Role headers (DEV ONLY).
	AllowTestUser bool
}

// Authenticate resolves the caller from a bearer token or, when enabled, the
// X-Test-User-ID header, and stores the user id in the request context.
func Authenticate(opts AuthOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if opts.AllowTestUser {
				if raw := r.Header.Get(testUserHeader); raw != "" {
					userID, err := uuid.Parse(raw)
					if err != nil {
						response.Unauthorized(w, "Invalid test user ID")
						return
					}
					ctx := WithUserID(r.Context(), userID)
					if role := r.Header.Get(testRoleHeader); role != "" {
						ctx = context.WithValue(ctx, RoleKey, role)
					}
					next.ServeHTTP(w, r.WithContext(ctx))
					return
				}
			}

			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				response.Unauthorized(w, "Authorization header required")
				return
			}

			// Extract token from "Bearer <token>"
			tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
			if !found || tokenString == "" {
				response.Unauthorized(w, "Invalid authorization header format")
				return
			}
			if opts.JWTSecret == "" {
				response.Unauthorized(w, "Token authentication is not configured")
				return
			}

			userID, claims, err := ParseToken(opts.JWTSecret, tokenString)
			if err != nil {
				response.Unauthorized(w, "Invalid or expired token")
				return
			}

			ctx := WithUserID(r.Context(), userID)
			if claims.Email != "" {
				ctx = context.WithValue(ctx, EmailKey, claims.Email)
			}
			if claims.Role != "" {
				ctx = context.WithValue(ctx, RoleKey, claims.Role)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WithUserID returns a copy of ctx carrying the authenticated user ID.
func WithUserID(ctx context.Context, userID uuid.UUID) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

// GetUserID extracts the user ID from the request context
func GetUserID(ctx context.Context) (uuid.UUID, bool) {
	userID, ok := ctx.Value(UserIDKey).(uuid.UUID)
	return userID, ok
}

// GetEmail extracts the token email from the request context
func GetEmail(ctx context.Context) (string, bool) {
	email, ok := ctx.Value(EmailKey).(string)
	return email, ok
}

// GetRole extracts the token role from the request context
func GetRole(ctx context.Context) (string, bool) {
	role, ok := ctx.Value(RoleKey).(string)
	return role, ok
}

// IsService reports whether the caller authenticated as a backend producer.
func IsService(ctx context.Context) bool {
	role, _ := GetRole(ctx)
	return role == ServiceRole
}
