package profile

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/takurabid/takurabid/internal/notification"
)

// Common errors
var (
	ErrProfileNotFound = errors.New("profile not found")
	ErrProfileExists   = errors.New("profile already exists")
)

type store interface {
	Create(ctx context.Context, authID uuid.UUID, req *CreateProfileRequest) (*Profile, error)
	GetByAuthID(ctx context.Context, authID uuid.UUID) (*Profile, error)
	Update(ctx context.Context, authID uuid.UUID, req *UpdateProfileRequest) (*Profile, error)
}

type notifier interface {
	CreateNotification(ctx context.Context, p notification.CreateParams) (*notification.Notification, error)
}

// Service handles profile business logic
type Service struct {
	repo     store
	notifier notifier
	log      *zap.Logger
}

// NewService creates a new profile service. notifier may be nil.
func NewService(repo store, notifier notifier, log *zap.Logger) *Service {
	return &Service{repo: repo, notifier: notifier, log: log}
}

// Create links a new profile to the identity and sends a welcome notification.
func (s *Service) Create(ctx context.Context, authID uuid.UUID, req *CreateProfileRequest) (*Profile, error) {
	existing, err := s.repo.GetByAuthID(ctx, authID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrProfileExists
	}

	p, err := s.repo.Create(ctx, authID, req)
	if err != nil {
		return nil, err
	}

	s.welcome(ctx, p)
	return p, nil
}

// welcome is best effort: signup succeeds even if the notification fails.
func (s *Service) welcome(ctx context.Context, p *Profile) {
	if s.notifier == nil {
		return
	}

	body := "Post your first load and start receiving bids from drivers."
	link := "/client/dashboard"
	if p.Role == RoleDriver {
		body = "Browse available loads and place your first bid."
		link = "/driver/dashboard"
	}

	_, err := s.notifier.CreateNotification(ctx, notification.CreateParams{
		UserID: p.AuthID,
		Type:   notification.TypeSystem,
		Title:  "Welcome to TakuraBid",
		Body:   body,
		Link:   &link,
	})
	if err != nil {
		s.log.Warn("failed to send welcome notification", zap.Stringer("auth_id", p.AuthID), zap.Error(err))
	}
}

// GetByAuthID retrieves the profile linked to an identity
func (s *Service) GetByAuthID(ctx context.Context, authID uuid.UUID) (*Profile, error) {
	p, err := s.repo.GetByAuthID(ctx, authID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProfileNotFound
	}
	return p, nil
}

// Update modifies the profile linked to an identity
func (s *Service) Update(ctx context.Context, authID uuid.UUID, req *UpdateProfileRequest) (*Profile, error) {
	p, err := s.repo.Update(ctx, authID, req)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, ErrProfileNotFound
	}
	return p, nil
}
