package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/takurabid/takurabid/internal/database"
	"github.com/takurabid/takurabid/internal/metrics"
)

const (
	// DefaultLimit is the page size used when the caller passes no limit.
	DefaultLimit = 50
	// MaxLimit caps any single listing.
	MaxLimit = 200
)

// Common errors
var (
	ErrNotificationNotFound = errors.New("notification not found")
	ErrNotRecipient         = errors.New("not the recipient of this notification")
	ErrInvalidType          = errors.New("invalid notification type")
	ErrInvalidNotification  = errors.New("invalid notification")
)

// ListOptions narrows a listing.
type ListOptions struct {
	Limit      int
	UnreadOnly bool
}

// Store is the row-level API the service runs against. *Repository is the
// PostgreSQL implementation.
type Store interface {
	Create(ctx context.Context, p CreateParams) (*Notification, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Notification, error)
	ListByUserID(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]*Notification, error)
	CountUnread(ctx context.Context, userID uuid.UUID) (int, error)
	MarkAsRead(ctx context.Context, id uuid.UUID) error
	MarkAllAsRead(ctx context.Context, userID uuid.UUID) (int64, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteAllByUserID(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Service handles notification business logic
type Service struct {
	store        Store
	log          *zap.Logger
	defaultLimit int
}

// NewService creates a new notification service. defaultLimit <= 0 selects DefaultLimit.
func NewService(store Store, log *zap.Logger, defaultLimit int) *Service {
	if defaultLimit <= 0 || defaultLimit > MaxLimit {
		defaultLimit = DefaultLimit
	}
	return &Service{store: store, log: log, defaultLimit: defaultLimit}
}

// observe records metrics for one store call and logs failures once, here.
func (s *Service) observe(op string, start time.Time, err error, fields ...zap.Field) {
	metrics.ObserveStore(op, time.Since(start).Seconds(), err)
	if err != nil {
		s.log.Error("notification store operation failed", append(fields, zap.String("operation", op), zap.Error(err))...)
	}
}

func (s *Service) normalizeLimit(limit int) int {
	if limit <= 0 {
		return s.defaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// GetNotifications returns a user's notifications, newest first, truncated to limit.
func (s *Service) GetNotifications(ctx context.Context, userID uuid.UUID, limit int) ([]*Notification, error) {
	return s.List(ctx, userID, ListOptions{Limit: limit})
}

// List is GetNotifications with an optional unread-only filter.
func (s *Service) List(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]*Notification, error) {
	opts.Limit = s.normalizeLimit(opts.Limit)

	start := time.Now()
	notifications, err := s.store.ListByUserID(ctx, userID, opts)
	s.observe("list", start, err, zap.Stringer("user_id", userID))
	if err != nil {
		return nil, err
	}
	return notifications, nil
}

// GetNotificationsOrEmpty degrades any store failure to an empty listing.
// The failure is still logged and counted.
func (s *Service) GetNotificationsOrEmpty(ctx context.Context, userID uuid.UUID, limit int) []*Notification {
	notifications, err := s.GetNotifications(ctx, userID, limit)
	if err != nil {
		return []*Notification{}
	}
	return notifications
}

// GetUnreadCount returns the count of unread notifications
func (s *Service) GetUnreadCount(ctx context.Context, userID uuid.UUID) (int, error) {
	start := time.Now()
	count, err := s.store.CountUnread(ctx, userID)
	s.observe("count_unread", start, err, zap.Stringer("user_id", userID))
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetUnreadCountOrZero degrades any store failure to zero.
func (s *Service) GetUnreadCountOrZero(ctx context.Context, userID uuid.UUID) int {
	count, err := s.GetUnreadCount(ctx, userID)
	if err != nil {
		return 0
	}
	return count
}

// GetByID retrieves a notification by its ID
func (s *Service) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	start := time.Now()
	n, err := s.store.GetByID(ctx, id)
	s.observe("get", start, err, zap.Stringer("notification_id", id))
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, ErrNotificationNotFound
	}
	return n, nil
}

// MarkAsRead marks one notification as read. An unknown or already-read id is a no-op.
func (s *Service) MarkAsRead(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	err := s.store.MarkAsRead(ctx, id)
	s.observe("mark_read", start, err, zap.Stringer("notification_id", id))
	return err
}

// MarkAllAsRead marks every currently unread notification of a user as read
// and returns how many rows changed. Rows inserted while the update runs may
// or may not be included.
func (s *Service) MarkAllAsRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	start := time.Now()
	n, err := s.store.MarkAllAsRead(ctx, userID)
	s.observe("mark_all_read", start, err, zap.Stringer("user_id", userID))
	if err != nil {
		return 0, err
	}
	return n, nil
}

// CreateNotification validates and stores a new unread notification.
func (s *Service) CreateNotification(ctx context.Context, p CreateParams) (*Notification, error) {
	if p.UserID == uuid.Nil {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidNotification)
	}
	if !p.Type.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidType, p.Type)
	}
	p.Title = strings.TrimSpace(p.Title)
	if p.Title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidNotification)
	}
	if p.Link != nil && strings.TrimSpace(*p.Link) == "" {
		p.Link = nil
	}

	start := time.Now()
	n, err := s.store.Create(ctx, p)
	s.observe("create", start, err, zap.Stringer("user_id", p.UserID), zap.String("type", string(p.Type)))
	if err != nil {
		if database.IsCheckViolation(err) {
			return nil, fmt.Errorf("%w: rejected by store: %v", ErrInvalidNotification, err)
		}
		return nil, err
	}

	s.log.Debug("notification created", zap.Stringer("notification_id", n.ID), zap.Stringer("user_id", n.UserID))
	return n, nil
}

// DeleteNotification removes one notification. An unknown id is a no-op.
func (s *Service) DeleteNotification(ctx context.Context, id uuid.UUID) error {
	start := time.Now()
	err := s.store.Delete(ctx, id)
	s.observe("delete", start, err, zap.Stringer("notification_id", id))
	return err
}

// ClearAll removes every notification of a user and returns how many were removed.
func (s *Service) ClearAll(ctx context.Context, userID uuid.UUID) (int64, error) {
	start := time.Now()
	n, err := s.store.DeleteAllByUserID(ctx, userID)
	s.observe("clear_all", start, err, zap.Stringer("user_id", userID))
	if err != nil {
		return 0, err
	}
	return n, nil
}
