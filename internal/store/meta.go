package store

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SyncMeta is the persisted sync metadata row.
type SyncMeta struct {
	// Cursor is the opaque position returned by the last applied pull page.
	Cursor string
	// LastSyncAt is the time of the last fully successful cycle.
	LastSyncAt *time.Time
	// LastError is the error kind of the last failed cycle (empty = none).
	LastError string
	// LastErrorMessage is the human-readable detail for LastError.
	LastErrorMessage string
}

// LoadSyncMeta reads the sync metadata row. A missing row yields the zero
// value: empty cursor, never synced, no error.
func (db *DB) LoadSyncMeta(ctx context.Context) (SyncMeta, error) {
	return loadSyncMeta(ctx, db.conn)
}

// LoadSyncMeta reads the sync metadata row inside a write block.
func (t *Tx) LoadSyncMeta(ctx context.Context) (SyncMeta, error) {
	return loadSyncMeta(ctx, t)
}

// SaveCursor advances the pull cursor. Call it in the same block that
// applied the page the cursor belongs to.
func (t *Tx) SaveCursor(ctx context.Context, cursor string) error {
	_, err := t.ExecContext(ctx, `
	INSERT INTO sync_meta (id, cursor) VALUES (1, ?)
	ON CONFLICT(id) DO UPDATE SET cursor = excluded.cursor
	`, cursor)
	if err != nil {
		return storageErr("failed to save cursor", err)
	}
	return nil
}

// SaveSyncStatus persists the outcome of the last cycle. lastSyncAt nil
// keeps the previous value.
func (db *DB) SaveSyncStatus(ctx context.Context, lastSyncAt *time.Time, lastError, lastErrorMessage string) error {
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO sync_meta (id, last_sync_at, last_error, last_error_message) VALUES (1, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		last_sync_at = COALESCE(excluded.last_sync_at, sync_meta.last_sync_at),
		last_error = excluded.last_error,
		last_error_message = excluded.last_error_message
	`, timeToNullString(lastSyncAt), lastError, lastErrorMessage)
	if err != nil {
		return storageErr("failed to save sync status", err)
	}
	return nil
}

func loadSyncMeta(ctx context.Context, q Querier) (SyncMeta, error) {
	var meta SyncMeta
	var lastSyncAt sql.NullString

	err := q.QueryRowContext(ctx,
		`SELECT cursor, last_sync_at, last_error, last_error_message FROM sync_meta WHERE id = 1`,
	).Scan(&meta.Cursor, &lastSyncAt, &meta.LastError, &meta.LastErrorMessage)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncMeta{}, nil
	}
	if err != nil {
		return SyncMeta{}, storageErr("failed to load sync metadata", err)
	}

	meta.LastSyncAt = nullStringToTime(lastSyncAt)
	return meta, nil
}
