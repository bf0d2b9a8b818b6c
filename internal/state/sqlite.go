package state

import (
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver (pure Go)
)

// SQLiteStore implements Store using SQLite. Writes are serialized by a
// store-level mutex and a single pooled connection so the at-most-one
// active run invariant cannot be violated by racing writers.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger *slog.Logger

	// mu serializes multi-statement write transactions.
	mu sync.Mutex
}

// NewSQLiteStore creates a new SQLite state store instance.
func NewSQLiteStore(logger *slog.Logger) *SQLiteStore {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &SQLiteStore{logger: logger}
}

// Open opens a connection to the SQLite database and runs migrations.
// Use ":memory:" for an in-memory database (tests).
func (s *SQLiteStore) Open(path string) error {
	dsn := path
	if path == ":memory:" {
		dsn = ":memory:?_pragma=foreign_keys(1)"
	} else {
		dsn = fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// A single connection keeps the in-memory database coherent and
	// serializes writers at the driver level.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping sqlite database: %w", err)
	}

	s.db = db
	s.path = path

	if err := s.Migrate(); err != nil {
		_ = db.Close()
		s.db = nil
		return err
	}

	s.logger.Debug("state store opened", "path", path)
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB returns the underlying database handle (used by tests and the CLI
// status command).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// generateID creates a new pipeline run id.
func generateID() string {
	return uuid.New().String()
}

// Ensure SQLiteStore implements the Store interface.
var _ Store = (*SQLiteStore)(nil)
