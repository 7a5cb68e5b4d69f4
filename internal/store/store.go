// Package store provides SQLite-backed persistence for Strand.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Sentinel errors surfaced by atomic store operations.
var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrInvalidTransition indicates the current status is not a legal
	// source state for the requested transition.
	ErrInvalidTransition = errors.New("invalid state transition")
)

// Store provides access to the Strand SQLite database.
type Store struct {
	db *sql.DB
}

// New creates a new Store and runs migrations.
func New(dbPath string) (*Store, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS threads (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		mode TEXT NOT NULL DEFAULT 'auto',
		settings TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		prompt TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'queued',
		worker_id TEXT,
		result TEXT,
		error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		FOREIGN KEY (thread_id) REFERENCES threads(id)
	);

	CREATE TABLE IF NOT EXISTS packages (
		name TEXT PRIMARY KEY,
		status TEXT NOT NULL DEFAULT 'pending',
		metadata TEXT NOT NULL,
		reason TEXT,
		error TEXT,
		usage_count INTEGER NOT NULL DEFAULT 0,
		requested_by TEXT,
		requested_at DATETIME NOT NULL,
		approved_at DATETIME,
		installed_at DATETIME,
		last_used_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS tools (
		name TEXT PRIMARY KEY,
		domain TEXT NOT NULL,
		description TEXT,
		parameters TEXT,
		usage_count INTEGER NOT NULL DEFAULT 0,
		is_system INTEGER NOT NULL DEFAULT 0,
		file_path TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		id TEXT PRIMARY KEY,
		thread_id TEXT,
		event_type TEXT NOT NULL,
		summary TEXT NOT NULL,
		content TEXT NOT NULL,
		domain TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS preferences (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		doc TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS decisions (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		entity_id TEXT,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_thread_id ON tasks(thread_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_packages_status ON packages(status);
	CREATE INDEX IF NOT EXISTS idx_memories_thread_id ON memories(thread_id);
	`

	_, err := s.db.Exec(schema)
	return err
}
