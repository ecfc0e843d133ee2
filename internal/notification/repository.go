package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const notificationColumns = `id, user_id, type, title, body, link, read, metadata, created_at`

// Repository handles notification data persistence
type Repository struct {
	db *sql.DB
}

// NewRepository creates a new notification repository
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	n := &Notification{}
	err := row.Scan(
		&n.ID,
		&n.UserID,
		&n.Type,
		&n.Title,
		&n.Body,
		&n.Link,
		&n.Read,
		&n.Metadata,
		&n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Create inserts a new notification; id, read and created_at are assigned by the store.
func (r *Repository) Create(ctx context.Context, p CreateParams) (*Notification, error) {
	query := `
		INSERT INTO notifications (user_id, type, title, body, link, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING ` + notificationColumns

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, p.UserID, p.Type, p.Title, p.Body, p.Link, p.Metadata))
	if err != nil {
		return nil, fmt.Errorf("failed to create notification: %w", err)
	}

	return n, nil
}

// GetByID retrieves a notification by its ID. It returns nil, nil when absent.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE id = $1`

	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get notification: %w", err)
	}

	return n, nil
}

// ListByUserID retrieves a user's notifications, newest first.
func (r *Repository) ListByUserID(ctx context.Context, userID uuid.UUID, opts ListOptions) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE user_id = $1`
	if opts.UnreadOnly {
		query += ` AND read = false`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT $2`

	rows, err := r.db.QueryContext(ctx, query, userID, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]*Notification, 0, opts.Limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notifications: %w", err)
	}

	return notifications, nil
}

// CountUnread returns the number of unread notifications for a user
func (r *Repository) CountUnread(ctx context.Context, userID uuid.UUID) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND read = false`
	if err := r.db.QueryRowContext(ctx, query, userID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return count, nil
}

// MarkAsRead marks a notification as read. Missing or already-read rows are left untouched.
func (r *Repository) MarkAsRead(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE notifications SET read = true WHERE id = $1 AND read = false`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to mark notification as read: %w", err)
	}
	return nil
}

// MarkAllAsRead marks all unread notifications as read for a user
func (r *Repository) MarkAllAsRead(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `UPDATE notifications SET read = true WHERE user_id = $1 AND read = false`
	result, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to mark all notifications as read: %w", err)
	}
	return rowsAffected(result)
}

// Delete removes one notification. Deleting a missing row is not an error.
func (r *Repository) Delete(ctx context.Context, id uuid.UUID) error {
	query := `DELETE FROM notifications WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete notification: %w", err)
	}
	return nil
}

// DeleteAllByUserID removes every notification for a user
func (r *Repository) DeleteAllByUserID(ctx context.Context, userID uuid.UUID) (int64, error) {
	query := `DELETE FROM notifications WHERE user_id = $1`
	result, err := r.db.ExecContext(ctx, query, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to clear notifications: %w", err)
	}
	return rowsAffected(result)
}

func rowsAffected(result sql.Result) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
