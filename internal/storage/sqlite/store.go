// Package sqlite implements the identity store over SQLite.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/keyfold/keyfold/internal/platform/storage/sqlitemigrate"
	"github.com/keyfold/keyfold/internal/storage"
	"github.com/keyfold/keyfold/internal/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

// Store implements identity persistence over SQLite.
//
// A single SQLite file backs users and credentials so registration can commit
// both in one transaction.
type Store struct {
	sqlDB *sql.DB
}

var _ storage.Store = (*Store)(nil)

// Open opens an identity SQLite store and applies bundled migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := sqlitemigrate.Apply(sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close releases the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// GetStatistics returns aggregate user and credential counts.
func (s *Store) GetStatistics(ctx context.Context) (storage.Statistics, error) {
	if err := ctx.Err(); err != nil {
		return storage.Statistics{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Statistics{}, fmt.Errorf("storage is not configured")
	}

	var stats storage.Statistics
	row := s.sqlDB.QueryRowContext(ctx, `
SELECT
    (SELECT COUNT(*) FROM users),
    (SELECT COUNT(*) FROM users WHERE username LIKE ? ESCAPE '\'),
    (SELECT COUNT(*) FROM credentials),
    (SELECT COUNT(*) FROM credentials WHERE device_type = ?),
    (SELECT COUNT(*) FROM credentials WHERE device_type = ?)
`, `anon\_%`, storage.DeviceTypeMulti, storage.DeviceTypeSingle)
	if err := row.Scan(&stats.UserCount, &stats.AnonymousUserCount, &stats.CredentialCount, &stats.MultiDeviceCount, &stats.SingleDeviceCount); err != nil {
		return storage.Statistics{}, fmt.Errorf("get statistics: %w", err)
	}
	return stats, nil
}

// isUniqueViolation detects a SQLite unique-constraint failure on a column.
func isUniqueViolation(err error, column string) bool {
	if err == nil {
		return false
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") && strings.Contains(message, column)
}
