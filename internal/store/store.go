// Package store provides the local SQLite state for beaver-sync.
//
// The store holds two tables:
//   - attachments: one row per tracked attachment file, keyed by the
//     library/item reference, carrying the content hash and upload status
//   - upload_queue: one row per pending upload, keyed by (user, content hash),
//     with a visibility timeout and attempt counter
//
// The database runs in embedded mode using ncruces/go-sqlite3 with WAL for
// concurrent reads. The queue claim operation is the only point where two
// logical workers could race; it runs as a single transaction so concurrent
// claimers always receive disjoint rows.
//
// Workflow:
//  1. The watcher (or host integration) hashes eligible files and enqueues them
//  2. The session controller claims batches of visible queue rows
//  3. The uploader transfers bytes and reports outcomes remote-first
//  4. Completed or permanently failed rows are deleted together with the
//     paired attachment status update
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// ErrInvalidInput indicates a store operation was called with an empty or
// malformed identity (missing user, content hash, or item reference).
var ErrInvalidInput = errors.New("invalid input")

// Store wraps the SQLite database holding attachment and queue state.
type Store struct {
	conn *sql.DB
	path string
}

// Open creates a new database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it will be created; call InitSchema to
// create the tables.
//
// The caller MUST call Close() when done to ensure proper cleanup.
//
// Example:
//
//	st, err := store.Open(".beaver/sync.db")
//	if err != nil {
//	    return err
//	}
//	defer st.Close()
func Open(path string) (*Store, error) {
	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// _txlock=immediate makes BeginTx take the write lock at BEGIN instead
	// of at the first write. Every transaction in this store writes, and a
	// deferred transaction that reads first can fail with BUSY_SNAPSHOT
	// under WAL when another claimer commits in between; busy_timeout does
	// not cover that snapshot upgrade, only the immediate lock acquisition.
	connStr := fmt.Sprintf("file:%s?_txlock=immediate", path)
	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	st := &Store{
		conn: conn,
		path: path,
	}

	// Enable WAL mode for concurrent reads
	if _, err := st.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := st.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return st, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other libraries that expect *sql.DB.
func (s *Store) RawDB() *sql.DB {
	return s.conn
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}

	// Checkpoint WAL before closing
	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	s.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This creates the attachments and upload_queue tables along with the
// indexes needed for claim queries. Idempotent - safe to call multiple times.
func (s *Store) InitSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS attachments (
		user_id TEXT NOT NULL,
		library_id INTEGER NOT NULL,
		item_key TEXT NOT NULL,
		content_hash TEXT,
		upload_status TEXT NOT NULL DEFAULT 'pending',
		mime_type TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, library_id, item_key)
	);

	CREATE TABLE IF NOT EXISTS upload_queue (
		user_id TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		library_id INTEGER NOT NULL,
		item_key TEXT NOT NULL,
		visibility TEXT,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (user_id, content_hash)
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_attachments_hash
	    ON attachments(user_id, content_hash) WHERE content_hash IS NOT NULL;
	CREATE INDEX IF NOT EXISTS idx_attachments_status ON attachments(upload_status);

	-- Composite index for the claim query
	CREATE INDEX IF NOT EXISTS idx_queue_claim
	    ON upload_queue(user_id, attempt_count, visibility);
	`

	if _, err := s.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// timeToNullString converts a time pointer to a nullable string for SQL.
func timeToNullString(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

// nullStringToTime converts a nullable SQL string to a time pointer.
func nullStringToTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
