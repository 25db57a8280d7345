// Package store opens and maintains the embedded SQLite database every
// other component persists into: WAL mode, enforced foreign keys, goose
// schema migrations, scheduled online backups with retention, and a
// single-shot recovery attempt when the file is corrupt.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tillworks/offline-pos/internal/poserr"

	_ "modernc.org/sqlite" // Pure Go SQLite driver, registers as "sqlite".
)

// pageCacheKiB bounds the SQLite page cache (negative cache_size is KiB).
const pageCacheKiB = 8192

// Store wraps the shared database connection. All writes in the process
// route through this single connection (SetMaxOpenConns(1)), which keeps
// the write path serialised.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens the database at path, applies pragmas and migrations, and
// returns the store. Use ":memory:" for tests. A file that exists but
// cannot be read is an error; Open never silently recreates it.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if path != ":memory:" {
		if _, err := os.Stat(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("store: stat %s: %w", path, err)
		}
	}

	logger.Info("opening database", "path", path)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := setPragmas(ctx, db, logger); err != nil {
		db.Close()
		return nil, classifyOpenError(err)
	}

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("database ready", "path", path)

	return &Store{db: db, path: path, logger: logger}, nil
}

// OpenWithRecovery opens the database, and on a corruption error restores
// the most recent backup from backupDir and retries once. Any failure after
// the restore attempt is fatal to the caller.
func OpenWithRecovery(path, backupDir string, logger *slog.Logger) (*Store, error) {
	s, err := Open(path, logger)
	if err == nil {
		return s, nil
	}

	if !errors.Is(err, poserr.ErrDBCorruption) {
		return nil, err
	}

	logger.Error("database corrupt, attempting restore from backup", "path", path)

	if restoreErr := restoreLatestBackup(path, backupDir, logger); restoreErr != nil {
		return nil, fmt.Errorf("store: %w: restore failed: %v", poserr.ErrDBCorruption, restoreErr)
	}

	s, err = Open(path, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w: reopen after restore: %v", poserr.ErrDBCorruption, err)
	}

	logger.Warn("database restored from most recent backup", "path", path)

	return s, nil
}

// DB exposes the shared connection to the cache, queue, and meta layers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the on-disk database path ("" for in-memory stores).
func (s *Store) Path() string {
	if s.path == ":memory:" {
		return ""
	}

	return s.path
}

// Vacuum rebuilds the database file, reclaiming free pages.
func (s *Store) Vacuum(ctx context.Context) error {
	s.logger.Info("vacuuming database")

	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return fmt.Errorf("store: vacuum: %w", err)
	}

	return nil
}

// Checkpoint consolidates the WAL into the main database file.
func (s *Store) Checkpoint(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return fmt.Errorf("store: wal checkpoint: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.logger.Info("closing database")

	if err := s.db.Close(); err != nil {
		return fmt.Errorf("store: close database: %w", err)
	}

	return nil
}

// setPragmas configures SQLite for WAL mode, referential integrity, and
// secure deletes.
func setPragmas(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	pragmas := []struct {
		sql  string
		desc string
	}{
		{"PRAGMA journal_mode = WAL", "WAL mode"},
		{"PRAGMA synchronous = FULL", "synchronous FULL"},
		{"PRAGMA foreign_keys = ON", "foreign keys"},
		{"PRAGMA secure_delete = ON", "secure delete"},
		{fmt.Sprintf("PRAGMA cache_size = -%d", pageCacheKiB), "page cache limit"},
	}

	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p.sql); err != nil {
			return fmt.Errorf("store: set pragma %s: %w", p.desc, err)
		}

		logger.Debug("pragma set", "pragma", p.desc)
	}

	return nil
}

// classifyOpenError maps SQLite's corruption messages onto the corruption
// sentinel so OpenWithRecovery can decide whether a restore is worth trying.
func classifyOpenError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "malformed") || strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "corrupt") {
		return fmt.Errorf("store: %w: %v", poserr.ErrDBCorruption, err)
	}

	return err
}

// NowUnix returns the current wall-clock time in Unix seconds. Shared by
// the persistence layers so tests can compare timestamps consistently.
func NowUnix() int64 {
	return time.Now().Unix()
}
