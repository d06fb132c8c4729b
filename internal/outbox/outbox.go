// Package outbox implements the durable queue of local mutations awaiting
// acknowledgment from the remote authority.
//
// Entries live in the store's outbox table. They are appended inside the
// same atomic write block as the domain mutation they describe, read back in
// insertion order, and only ever mutated to flip the synced flag or record a
// failed attempt. Synced entries are pruned after a retention window.
package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

// markBatchSize bounds the number of ids bound into one UPDATE statement.
const markBatchSize = 500

const entryColumns = `seq, id, entity_type, entity_id, operation, payload,
	created_at, synced, synced_at, attempt_count, last_error`

// Queue is the outbox over a local store.
type Queue struct {
	db  *store.DB
	now func() time.Time
}

// New returns a queue over db. now supplies entry timestamps; nil means
// time.Now.
func New(db *store.DB, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{db: db, now: now}
}

// Append records a mutation of entityID inside the caller's write block.
//
// The entry's CreatedAt is clamped to be strictly after the newest existing
// entry so creation order always matches insertion order, even when the
// wall clock steps backwards. Any failure is a local storage error; the
// caller must return it so the block rolls back together with the domain
// write it belongs to.
func (q *Queue) Append(ctx context.Context, tx *store.Tx, entityID string, payload schema.Payload) (*schema.OutboxEntry, error) {
	createdAt := q.now()

	var newest sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT MAX(created_at) FROM outbox`).Scan(&newest); err != nil {
		return nil, store.StorageErr("failed to read newest outbox entry", err)
	}
	if newest.Valid && createdAt.UnixNano() <= newest.Int64 {
		createdAt = time.Unix(0, newest.Int64+1)
	}

	entry, err := schema.NewOutboxEntry(entityID, payload, createdAt)
	if err != nil {
		return nil, store.StorageErr("failed to build outbox entry", err)
	}

	data, err := schema.EncodePayload(payload)
	if err != nil {
		return nil, store.StorageErr("failed to encode outbox payload", err)
	}

	res, err := tx.ExecContext(ctx, `
	INSERT INTO outbox (id, entity_type, entity_id, operation, payload, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, string(entry.EntityType), entry.EntityID, string(entry.Operation), string(data), createdAt.UnixNano())
	if err != nil {
		return nil, store.StorageErr("failed to append outbox entry", err)
	}

	if entry.Seq, err = res.LastInsertId(); err != nil {
		return nil, store.StorageErr("failed to read outbox sequence", err)
	}
	return entry, nil
}

// ListUnsynced returns every entry not yet acknowledged, oldest first.
// It does not modify anything, so a cycle interrupted after reading can
// simply call it again.
func (q *Queue) ListUnsynced(ctx context.Context) ([]schema.OutboxEntry, error) {
	return q.List(ctx, ListFilter{})
}

// ListFilter restricts List results.
type ListFilter struct {
	// IncludeSynced includes acknowledged entries still inside the
	// retention window
	IncludeSynced bool
	// EntityID restricts results to one entity (empty = all)
	EntityID string
	// FailedOnly restricts results to entries with a recorded failure
	FailedOnly bool
	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// List returns entries matching filter in insertion order.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]schema.OutboxEntry, error) {
	var conditions []string
	var args []any

	if !filter.IncludeSynced {
		conditions = append(conditions, "synced = 0")
	}
	if filter.EntityID != "" {
		conditions = append(conditions, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if filter.FailedOnly {
		conditions = append(conditions, "last_error IS NOT NULL AND last_error != ''")
	}

	query := `SELECT ` + entryColumns + ` FROM outbox`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY seq ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := q.db.Querier().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, store.StorageErr("failed to list outbox entries", err)
	}
	defer rows.Close()

	var entries []schema.OutboxEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, store.StorageErr("error iterating outbox entries", err)
	}
	return entries, nil
}

// MarkSynced flags exactly the given entries as acknowledged, in one write
// block. Entries already synced are left untouched; unknown ids are ignored.
func (q *Queue) MarkSynced(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	syncedAt := q.now().UnixNano()

	return q.db.AtomicWrite(ctx, func(tx *store.Tx) error {
		for start := 0; start < len(ids); start += markBatchSize {
			end := min(start+markBatchSize, len(ids))
			batch := ids[start:end]

			args := make([]any, 0, len(batch)+1)
			args = append(args, syncedAt)
			for _, id := range batch {
				args = append(args, id)
			}

			query := `UPDATE outbox SET synced = 1, synced_at = ?
			WHERE synced = 0 AND id IN (` + placeholders(len(batch)) + `)`
			if _, err := tx.ExecContext(ctx, query, args...); err != nil {
				return store.StorageErr("failed to mark outbox entries synced", err)
			}
		}
		return nil
	})
}

// RecordFailure notes a failed attempt for an unsynced entry. The entry
// stays pending.
func (q *Queue) RecordFailure(ctx context.Context, id string, reason string) error {
	res, err := q.db.Querier().ExecContext(ctx, `
	UPDATE outbox SET attempt_count = attempt_count + 1, last_error = ?
	WHERE id = ? AND synced = 0
	`, reason, id)
	if err != nil {
		return store.StorageErr("failed to record outbox failure", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return store.StorageErr("failed to record outbox failure", err)
	}
	if n == 0 {
		return fmt.Errorf("unsynced outbox entry %s: %w", id, store.ErrNotFound)
	}
	return nil
}

// PendingCount returns the number of unsynced entries.
func (q *Queue) PendingCount(ctx context.Context) (int, error) {
	var count int
	err := q.db.Querier().QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE synced = 0`).Scan(&count)
	if err != nil {
		return 0, store.StorageErr("failed to count pending outbox entries", err)
	}
	return count, nil
}

// HasPending reports whether the entity has at least one unsynced entry.
// It takes a Querier so the resolver can ask from inside a pull write block.
func (q *Queue) HasPending(ctx context.Context, qr store.Querier, entityType schema.EntityType, entityID string) (bool, error) {
	var exists int
	err := qr.QueryRowContext(ctx, `
	SELECT EXISTS(SELECT 1 FROM outbox WHERE synced = 0 AND entity_type = ? AND entity_id = ?)
	`, string(entityType), entityID).Scan(&exists)
	if err != nil {
		return false, store.StorageErr("failed to check pending outbox entries", err)
	}
	return exists != 0, nil
}

// Failures returns unsynced entries that have recorded at least one failure.
// An empty entityID returns failures for every entity.
func (q *Queue) Failures(ctx context.Context, entityID string) ([]schema.OutboxEntry, error) {
	return q.List(ctx, ListFilter{EntityID: entityID, FailedOnly: true})
}

// PruneSynced deletes synced entries acknowledged before the cutoff and
// returns how many were removed. Unsynced entries are never pruned.
func (q *Queue) PruneSynced(ctx context.Context, before time.Time) (int64, error) {
	res, err := q.db.Querier().ExecContext(ctx,
		`DELETE FROM outbox WHERE synced = 1 AND synced_at < ?`, before.UnixNano())
	if err != nil {
		return 0, store.StorageErr("failed to prune outbox", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, store.StorageErr("failed to prune outbox", err)
	}
	return n, nil
}

func scanEntry(rows *sql.Rows) (schema.OutboxEntry, error) {
	var entry schema.OutboxEntry
	var entityType, operation, payload string
	var createdAt int64
	var synced int
	var syncedAt sql.NullInt64
	var lastError sql.NullString

	err := rows.Scan(
		&entry.Seq,
		&entry.ID,
		&entityType,
		&entry.EntityID,
		&operation,
		&payload,
		&createdAt,
		&synced,
		&syncedAt,
		&entry.AttemptCount,
		&lastError,
	)
	if err != nil {
		return entry, store.StorageErr("failed to scan outbox entry", err)
	}

	entry.EntityType = schema.EntityType(entityType)
	entry.Operation = schema.Operation(operation)
	entry.CreatedAt = time.Unix(0, createdAt)
	entry.Synced = synced != 0
	if syncedAt.Valid {
		t := time.Unix(0, syncedAt.Int64)
		entry.SyncedAt = &t
	}
	entry.LastError = lastError.String

	entry.Payload, err = schema.DecodePayload(entry.EntityType, entry.Operation, []byte(payload))
	if err != nil {
		return entry, store.StorageErr(fmt.Sprintf("failed to decode outbox entry %s", entry.ID), err)
	}
	return entry, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
