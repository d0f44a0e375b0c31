// Package outbox persists the durable log of pending mutations and the
// per-entity sync metadata that rides along with it.
package outbox

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"offsync/internal/retry"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// DefaultClaimTimeout is how long a row may sit in syncing before it is
// treated as abandoned by a crashed worker and reclaimed.
const DefaultClaimTimeout = 5 * time.Minute

// Store owns the operations and entity_meta tables. All state lives in
// SQLite so it survives process restarts; the store itself is stateless
// beyond the open handle.
type Store struct {
	db           *sql.DB
	policy       retry.Policy
	claimTimeout time.Duration
	logger       *zerolog.Logger

	now func() time.Time
}

// Options tune a Store beyond its defaults.
type Options struct {
	// Policy computes next_retry_at when an operation fails.
	Policy retry.Policy
	// ClaimTimeout bounds how long a syncing row stays claimed.
	ClaimTimeout time.Duration
	Logger       *zerolog.Logger
}

// New opens (creating if needed) the outbox database at path.
func New(path string, opts Options) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	if opts.ClaimTimeout <= 0 {
		opts.ClaimTimeout = DefaultClaimTimeout
	}
	if opts.Policy.MaxRetries == 0 && opts.Policy.InitialDelay == 0 {
		opts.Policy = retry.Conservative()
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}

	return &Store{
		db:           db,
		policy:       opts.Policy,
		claimTimeout: opts.ClaimTimeout,
		logger:       opts.Logger,
		now:          time.Now,
	}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS operations (
            id TEXT PRIMARY KEY,
            entity_table TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            kind TEXT NOT NULL,
            payload BLOB NOT NULL,
            status TEXT NOT NULL DEFAULT 'pending',
            retry_count INTEGER NOT NULL DEFAULT 0,
            max_retries INTEGER NOT NULL,
            next_retry_at DATETIME,
            error_message TEXT,
            claimed_at DATETIME,
            created_at DATETIME NOT NULL,
            updated_at DATETIME NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS entity_meta (
            entity_table TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            status TEXT NOT NULL DEFAULT 'new',
            server_id TEXT,
            version INTEGER NOT NULL DEFAULT 0,
            deleted_at DATETIME,
            updated_at DATETIME NOT NULL,
            PRIMARY KEY (entity_table, entity_id)
        )`,

		`CREATE INDEX IF NOT EXISTS idx_operations_status ON operations(status)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_created_at ON operations(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_entity ON operations(entity_table, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_operations_next_retry ON operations(next_retry_at)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Policy returns the retry policy the store schedules failures with.
func (s *Store) Policy() retry.Policy {
	return s.policy
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
