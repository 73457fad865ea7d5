package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/store"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Ensure Store implements the aggregate store interface at compile time.
var _ store.Store = (*Store)(nil)

// Store is a SQLite implementation of store.Store, meant for single-node
// deployments that want durability without running a database server.
type Store struct {
	db          *sql.DB
	logger      *slog.Logger
	busyTimeout time.Duration
}

// Option configures the Store.
type Option func(*Store)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithBusyTimeout sets how long a statement waits on a locked database
// before failing.
func WithBusyTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.busyTimeout = d
	}
}

// New opens (or creates) the SQLite database at path.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("muster/sqlite: path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("muster/sqlite: create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("muster/sqlite: open database: %w", err)
	}
	// SQLite prefers a single writer; one connection serializes all
	// access and makes claim updates atomic.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{
		db:          db,
		logger:      slog.Default(),
		busyTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.busyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", s.busyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	return s, nil
}

// Migrate applies the embedded schema. Every statement is idempotent,
// so running it on an existing database is a no-op. Any failure wraps
// ErrMigrationFailed.
func (s *Store) Migrate(ctx context.Context) error {
	data, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return fmt.Errorf("%w: muster/sqlite: read migrations: %w", muster.ErrMigrationFailed, err)
	}
	if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
		return fmt.Errorf("%w: muster/sqlite: apply migrations: %w", muster.ErrMigrationFailed, err)
	}
	s.logger.Info("applied schema migrations")
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced usage.
func (s *Store) DB() *sql.DB {
	return s.db
}
