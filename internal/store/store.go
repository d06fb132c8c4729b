// Package store provides the durable local store for the sync engine.
//
// The store is an embedded SQLite database (ncruces/go-sqlite3, WAL mode)
// holding three tables:
//
//   - tasks: the domain entities, soft-deleted via deleted_at
//   - outbox: pending local mutations (owned by package outbox)
//   - sync_meta: a single row with the pull cursor and persisted sync status
//
// Every mutation runs inside AtomicWrite so a domain write and its outbox
// entry, or a pulled page and its cursor, commit together or not at all.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// Querier is the subset of *sql.DB and *sql.Tx used by the store and the
// outbox queue, so the same statements run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps the SQLite connection pool.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in WAL mode with a busy timeout, foreign keys on,
// and IMMEDIATE transactions so concurrent writers queue on the busy handler
// instead of failing on lock upgrade.
//
// The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(".tasksync/local.db")
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	params := url.Values{}
	params.Add("_pragma", "busy_timeout(5000)")
	params.Add("_pragma", "journal_mode(wal)")
	params.Add("_pragma", "foreign_keys(1)")
	params.Set("_txlock", "immediate")
	connStr := "file:" + path + "?" + params.Encode()

	conn, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	return &DB{conn: conn, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the schema if it doesn't exist. Idempotent.
func (db *DB) InitSchema() error {
	return db.InitSchemaContext(context.Background())
}

// InitSchemaContext creates the schema with context support.
func (db *DB) InitSchemaContext(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		notes TEXT NOT NULL DEFAULT '',
		completed INTEGER NOT NULL DEFAULT 0,
		completed_at TEXT,
		due_at TEXT,
		priority INTEGER NOT NULL DEFAULT 0,
		attributes TEXT,  -- JSON object
		created_at TEXT NOT NULL,
		last_modified_at TEXT NOT NULL,
		deleted_at TEXT
	);

	-- Append-only log of local mutations. seq fixes replay order.
	CREATE TABLE IF NOT EXISTS outbox (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		operation TEXT NOT NULL CHECK (operation IN ('create', 'update', 'delete')),
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,  -- unix nanoseconds
		synced INTEGER NOT NULL DEFAULT 0,
		synced_at INTEGER,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT
	);

	-- Single row: pull cursor and persisted sync status.
	CREATE TABLE IF NOT EXISTS sync_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		cursor TEXT NOT NULL DEFAULT '',
		last_sync_at TEXT,
		last_error TEXT NOT NULL DEFAULT '',
		last_error_message TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_modified ON tasks(last_modified_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_live ON tasks(deleted_at, completed);
	CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox(synced, seq);
	CREATE INDEX IF NOT EXISTS idx_outbox_entity ON outbox(entity_type, entity_id, synced);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}

// Tx is an open atomic write block.
type Tx struct {
	tx *sql.Tx
}

// ExecContext implements Querier.
func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

// QueryContext implements Querier.
func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// QueryRowContext implements Querier.
func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Querier returns the read side of the pool for statements that run outside
// a write block.
func (db *DB) Querier() Querier {
	return db.conn
}

// AtomicWrite runs fn inside a transaction. The transaction commits only if
// fn returns nil; any error (or panic) rolls it back. Errors returned by fn
// are passed through unchanged; failures to begin or commit are wrapped in
// syncerr.ErrLocalStorage.
func (db *DB) AtomicWrite(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&Tx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return storageErr("failed to commit transaction", err)
	}
	return nil
}

// Reset removes all session-scoped state: tasks, outbox entries and the
// sync metadata row. Used on logout.
func (db *DB) Reset(ctx context.Context) error {
	return db.AtomicWrite(ctx, func(tx *Tx) error {
		for _, table := range []string{"tasks", "outbox", "sync_meta"} {
			if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
				return storageErr("failed to clear "+table, err)
			}
		}
		return nil
	})
}

// storageErr tags err as a local storage failure.
func storageErr(msg string, err error) error {
	return fmt.Errorf("%s: %w: %w", msg, syncerr.ErrLocalStorage, err)
}

// StorageErr is the exported form of storageErr for packages that run their
// own statements against the store (the outbox queue).
func StorageErr(msg string, err error) error {
	return storageErr(msg, err)
}
