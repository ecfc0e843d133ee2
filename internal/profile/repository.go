package profile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/takurabid/takurabid/internal/database"
)

const profileColumns = `id, auth_id, role, full_name, email, company_name, phone, created_at, updated_at`

// Repository handles profile data persistence
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new profile repository with database dependency injected
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func scanProfile(row interface{ Scan(...any) error }) (*Profile, error) {
	p := &Profile{}
	err := row.Scan(
		&p.ID,
		&p.AuthID,
		&p.Role,
		&p.FullName,
		&p.Email,
		&p.CompanyName,
		&p.Phone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Create inserts a new profile for an identity
func (r *Repository) Create(ctx context.Context, authID uuid.UUID, req *CreateProfileRequest) (*Profile, error) {
	query := `
		INSERT INTO profiles (auth_id, role, full_name, email, company_name, phone)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + profileColumns

	p, err := scanProfile(r.db.QueryRowContext(ctx, query, authID, req.Role, req.FullName, req.Email, req.CompanyName, req.Phone))
	if err != nil {
		if database.IsUniqueViolation(err) {
			return nil, ErrProfileExists
		}
		return nil, fmt.Errorf("failed to create profile: %w", err)
	}

	return p, nil
}

// GetByAuthID retrieves the profile linked to an identity. It returns nil, nil when absent.
func (r *Repository) GetByAuthID(ctx context.Context, authID uuid.UUID) (*Profile, error) {
	query := `SELECT ` + profileColumns + ` FROM profiles WHERE auth_id = $1`

	p, err := scanProfile(r.db.QueryRowContext(ctx, query, authID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return p, nil
}

// Update modifies an existing profile. It returns nil, nil when absent.
func (r *Repository) Update(ctx context.Context, authID uuid.UUID, req *UpdateProfileRequest) (*Profile, error) {
	query := `
		UPDATE profiles
		SET full_name = COALESCE($2, full_name),
		    company_name = COALESCE($3, company_name),
		    phone = COALESCE($4, phone),
		    updated_at = now()
		WHERE auth_id = $1
		RETURNING ` + profileColumns

	p, err := scanProfile(r.db.QueryRowContext(ctx, query, authID, req.FullName, req.CompanyName, req.Phone))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update profile: %w", err)
	}

	return p, nil
}
