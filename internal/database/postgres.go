package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"
)

// PoolOptions tunes the connection pool.
type PoolOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// NewPostgresConnection opens a pooled connection to PostgreSQL and verifies it.
func NewPostgresConnection(ctx context.Context, databaseURL string, opts PoolOptions) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

// NewListener opens the dedicated LISTEN/NOTIFY connection used by the
// change feed. pq.Listener reconnects on its own; events are only logged here.
func NewListener(databaseURL string, minReconnect, maxReconnect time.Duration, log *zap.Logger) *pq.Listener {
	return pq.NewListener(databaseURL, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Info("change feed connected")
		case pq.ListenerEventDisconnected:
			log.Warn("change feed disconnected", zap.Error(err))
		case pq.ListenerEventReconnected:
			log.Info("change feed reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Warn("change feed connection attempt failed", zap.Error(err))
		}
	})
}

// IsUniqueViolation reports whether err is a PostgreSQL unique_violation.
func IsUniqueViolation(err error) bool {
	return hasCode(err, "23505")
}

// IsCheckViolation reports whether err is a PostgreSQL check_violation.
func IsCheckViolation(err error) bool {
	return hasCode(err, "23514")
}

func hasCode(err error, code pq.ErrorCode) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == code
	}
	return false
}
