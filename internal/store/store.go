// Package store is the persistence gateway: a narrow read/write API over the
// domain entities backed by SQLite. Nothing above this package sees SQL, and
// nothing below it sees engine types.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// Store owns the database handle. All methods are safe for concurrent use;
// the pool is capped at one connection so SQLite serializes writers itself.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open initializes the SQLite database at path (":memory:" for tests),
// applies pragmas and runs pending migrations.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			logger.Debug("pragma failed", zap.String("pragma", pragma), zap.Error(err))
		}
	}

	s := &Store{db: db, logger: logger.Named("store")}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = sql.ErrNoRows

// now returns the canonical stored timestamp: UTC, second precision.
func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// timeFmt is how timestamps are stored in SQLite.
const timeFmt = time.RFC3339

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFmt, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (s *Store) exec(ctx context.Context, query string, args ...any) error {
	_, err := s.db.ExecContext(ctx, query, args...)
	return err
}
