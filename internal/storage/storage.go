// Package storage provides persistent storage using SQLite.
// It holds the swap aggregates, the relayer task queue and the per-chain
// monitor cursors, enabling recovery after a daemon restart.
package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Storage provides persistent storage for the bridge daemon.
type Storage struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Config holds storage configuration.
type Config struct {
	DataDir string
}

// New creates a new Storage instance.
func New(cfg *Config) (*Storage, error) {
	dataDir := expandPath(cfg.DataDir)

	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "starbridge.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Storage{
		db:     db,
		dbPath: dbPath,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Storage) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection.
func (s *Storage) DB() *sql.DB {
	return s.db
}

// initSchema creates all database tables.
func (s *Storage) initSchema() error {
	schema := `
	-- Swap aggregates (one row per cross-chain swap)
	CREATE TABLE IF NOT EXISTS swaps (
		swap_id TEXT PRIMARY KEY,

		from_chain TEXT NOT NULL,
		to_chain TEXT NOT NULL,
		from_token TEXT NOT NULL,
		to_token TEXT NOT NULL,
		from_amount TEXT NOT NULL,
		to_amount TEXT NOT NULL,

		user_address TEXT NOT NULL,
		counterparty_address TEXT,

		-- Secret is cleared by the cleaner once the retention TTL passes.
		secret TEXT,
		secret_hash TEXT NOT NULL,

		timelock_sec INTEGER NOT NULL,
		status TEXT NOT NULL,

		-- Escrow legs stored as JSON blobs (schema evolves with the contract)
		escrow_a TEXT,
		escrow_b TEXT,

		error TEXT,

		created_at INTEGER NOT NULL,
		completed_at INTEGER,
		last_updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_swaps_status ON swaps(status);
	CREATE INDEX IF NOT EXISTS idx_swaps_created ON swaps(created_at);

	-- Relayer task queue (deferred on-chain actions with retry)
	CREATE TABLE IF NOT EXISTS relay_tasks (
		id TEXT PRIMARY KEY,
		swap_id TEXT NOT NULL,
		chain TEXT NOT NULL,
		task_type TEXT NOT NULL,

		priority INTEGER NOT NULL DEFAULT 1,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,

		status TEXT NOT NULL DEFAULT 'pending',
		payload TEXT,
		error_message TEXT,

		created_at INTEGER NOT NULL,
		scheduled_at INTEGER NOT NULL,
		completed_at INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_pending ON relay_tasks(status, scheduled_at)
		WHERE status = 'pending';
	CREATE INDEX IF NOT EXISTS idx_tasks_swap ON relay_tasks(swap_id);

	-- Per-chain monitor cursors (last processed block/ledger height)
	CREATE TABLE IF NOT EXISTS cursors (
		chain TEXT PRIMARY KEY,
		last_processed_height INTEGER NOT NULL DEFAULT 0,
		updated_at INTEGER NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
