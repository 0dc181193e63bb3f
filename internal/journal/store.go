// Package journal records module executions in SQLite and summarizes them
// into periodic feedback rows.
package journal

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"
)

// Store provides access to the journal database.
type Store struct {
	path string
	db   *sql.DB
	mu   sync.RWMutex
}

// NewStore creates a new Store for the database file at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Initialize opens the database, creating the file and schema if needed.
func (s *Store) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	if s.path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return fmt.Errorf("failed to init schema: %w", err)
	}

	s.db = db
	return nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS executions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			module TEXT NOT NULL,
			function TEXT NOT NULL,
			args TEXT,
			kwargs TEXT,
			result TEXT,
			duration INTEGER NOT NULL,
			status TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create executions table: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS feedback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			summary TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create feedback table: %w", err)
	}

	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_executions_timestamp ON executions(timestamp)",
		"CREATE INDEX IF NOT EXISTS idx_executions_module ON executions(module)",
		"CREATE INDEX IF NOT EXISTS idx_feedback_created_at ON feedback(created_at)",
	}
	for _, idx := range indexes {
		if _, err := db.Exec(idx); err != nil {
			return fmt.Errorf("failed to create index: %w", err)
		}
	}
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return err
		}
		s.db = nil
	}

	return nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

func (s *Store) conn() (*sql.DB, error) {
	if s.db == nil {
		return nil, fmt.Errorf("journal not initialized")
	}
	return s.db, nil
}
