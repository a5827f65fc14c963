// ABOUTME: SQLite implementation of the DispatchStore interface using modernc.org/sqlite
// ABOUTME: Opens the database in WAL mode and creates the schema on first use

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements DispatchStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ DispatchStore = (*SQLiteStore)(nil)

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS dispatches (
			dispatch_id TEXT PRIMARY KEY,
			scope       TEXT NOT NULL,
			selector    TEXT NOT NULL,
			source      TEXT,
			run_json    TEXT NOT NULL,
			query_json  TEXT NOT NULL,
			set_json    TEXT NOT NULL,
			matched     INTEGER NOT NULL,
			delivered   INTEGER NOT NULL,
			failed_json TEXT NOT NULL,
			no_match    INTEGER NOT NULL,
			created_at  TEXT NOT NULL,

			CHECK (delivered <= matched)
		);

		CREATE INDEX IF NOT EXISTS idx_dispatches_scope ON dispatches(scope, created_at);
		CREATE INDEX IF NOT EXISTS idx_dispatches_created ON dispatches(created_at DESC);
	`
	_, err := s.db.ExecContext(context.Background(), schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
