// Package store persists runs, timeline events, state snapshots, termination
// leases, and the broadcast log in SQLite.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	_ "github.com/mattn/go-sqlite3"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrVersionConflict is returned when a snapshot compare-and-swap loses
	// to a concurrent writer. Callers reload and retry; this is never
	// treated as corruption.
	ErrVersionConflict = errors.New("snapshot version conflict")
	// ErrLeaseHeld is returned when another worker holds an unexpired
	// termination lease for the run.
	ErrLeaseHeld = errors.New("termination lease held by another worker")
)

// SQLiteStore implements the durable state layer using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// New opens the database, applies pragmas, and runs migrations.
func New(dsn string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// For in-memory SQLite, multiple connections create separate databases.
	// Keep a single connection so schema and data survive across goroutines.
	if dsn == ":memory:" || strings.Contains(dsn, "mode=memory") {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}
	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

// DB exposes the underlying handle for migration tooling.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
