package database

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

//go:embed migrations/*.up.sql
var migrationFS embed.FS

// migrationLockKey serialises concurrent migrators via pg_advisory_xact_lock.
const migrationLockKey = 7342001

type migrationFile struct {
	version int
	name    string
	path    string
}

// Migrate applies the embedded migrations that have not been applied yet.
func Migrate(ctx context.Context, db *sql.DB, log *zap.Logger) error {
	return runMigrations(ctx, db, migrationFS, "migrations", log)
}

// runMigrations applies files named 000001_description.up.sql in version
// order, each in its own transaction, recording them in schema_migrations.
func runMigrations(ctx context.Context, db *sql.DB, fsys fs.FS, dir string, log *zap.Logger) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	migrations, err := collectMigrations(fsys, dir)
	if err != nil {
		return fmt.Errorf("failed to collect migrations: %w", err)
	}

	for _, m := range migrations {
		applied, err := applyMigration(ctx, db, fsys, m)
		if err != nil {
			return fmt.Errorf("migration %06d failed: %w", m.version, err)
		}
		if applied {
			log.Info("applied migration", zap.Int("version", m.version), zap.String("name", m.name))
		}
	}

	return nil
}

func collectMigrations(fsys fs.FS, dir string) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}

	var migrations []migrationFile
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".up.sql") {
			continue
		}

		prefix, rest, ok := strings.Cut(entry.Name(), "_")
		if !ok {
			continue
		}
		version, err := strconv.Atoi(prefix)
		if err != nil {
			continue
		}

		migrations = append(migrations, migrationFile{
			version: version,
			name:    strings.TrimSuffix(rest, ".up.sql"),
			path:    dir + "/" + entry.Name(),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].version < migrations[j].version
	})

	return migrations, nil
}

// applyMigration returns false when the version was already recorded.
func applyMigration(ctx context.Context, db *sql.DB, fsys fs.FS, m migrationFile) (bool, error) {
	content, err := fs.ReadFile(fsys, m.path)
	if err != nil {
		return false, fmt.Errorf("failed to read file: %w", err)
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return false, fmt.Errorf("failed to acquire migration lock: %w", err)
	}

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.version).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check version: %w", err)
	}
	if exists {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return false, fmt.Errorf("failed to execute sql: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES ($1)`, m.version); err != nil {
		return false, fmt.Errorf("failed to record version: %w", err)
	}

	return true, tx.Commit()
}
