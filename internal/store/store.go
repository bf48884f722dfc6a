// Package store records the current performance session in an in-memory
// SQLite database.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Store holds the session log. Nothing is written to disk; the data is gone
// once the store is closed.
type Store struct {
	db      *sql.DB
	session string
	started time.Time
	now     func() time.Time
	logger  *slog.Logger
	ord     atomic.Int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLogger sets the logger used for recording failures.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New opens an empty session store and runs migrations.
func New(opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		session: uuid.NewString(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("component", "recorder"), slog.String("session", s.session))
	s.started = s.now()

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// SessionID returns the id of the recorded session.
func (s *Store) SessionID() string {
	return s.session
}

// StartedAt returns when the session began.
func (s *Store) StartedAt() time.Time {
	return s.started
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Store) DB() *sql.DB {
	return s.db
}

// offset is the time since session start in milliseconds.
func (s *Store) offset() int64 {
	return s.now().Sub(s.started).Milliseconds()
}
