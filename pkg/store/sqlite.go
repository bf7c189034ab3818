package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists graph commits and the node tables they produce in SQLite.
// It implements graph.Storage.
type Store struct {
	db *sql.DB
}

// NewStore initializes the SQLite database connection.
// It enables WAL mode for concurrency and durability.
func NewStore(dbPath string) (*Store, error) {
	// Several daemons may share one file; wait for locks instead of failing.
	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &Store{db: db}

	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the necessary tables if they don't exist.
func (s *Store) migrate() error {
	// commits is the append-only log; every row holds one change log as
	// JSON. nodes, properties and memberships hold the folded state that
	// Load reads on cold start.
	query := `
	CREATE TABLE IF NOT EXISTS commits (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		commit_id TEXT NOT NULL UNIQUE,
		graph TEXT NOT NULL,
		writer_id TEXT NOT NULL,
		committed_at DATETIME NOT NULL,
		entry_count INTEGER NOT NULL,
		payload JSON NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_commits_graph_seq ON commits(graph, seq);

	CREATE TABLE IF NOT EXISTS nodes (
		graph TEXT NOT NULL,
		node_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		type TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		object_id TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (graph, node_id)
	);

	CREATE TABLE IF NOT EXISTS properties (
		graph TEXT NOT NULL,
		node_id TEXT NOT NULL,
		name TEXT NOT NULL,
		value JSON NOT NULL,
		PRIMARY KEY (graph, node_id, name),
		FOREIGN KEY (graph, node_id) REFERENCES nodes(graph, node_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS memberships (
		graph TEXT NOT NULL,
		node_id TEXT NOT NULL,
		namespace TEXT NOT NULL CHECK (namespace IN ('tag', 'group')),
		name TEXT NOT NULL,
		PRIMARY KEY (graph, node_id, namespace, name),
		FOREIGN KEY (graph, node_id) REFERENCES nodes(graph, node_id) ON DELETE CASCADE
	);

	CREATE TABLE IF NOT EXISTS leases (
		name TEXT PRIMARY KEY,
		holder_id TEXT NOT NULL,
		expires_at DATETIME NOT NULL,
		epoch INTEGER NOT NULL DEFAULT 1,
		version INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS system_state (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);
	`

	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}

	return nil
}
