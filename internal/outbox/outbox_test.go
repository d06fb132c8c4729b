package outbox

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func setupTestQueue(t *testing.T) (*Queue, *store.DB, *fakeClock) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}

	clock := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	return New(db, clock.Now), db, clock
}

func appendEntry(t *testing.T, q *Queue, db *store.DB, entityID string, p schema.Payload) *schema.OutboxEntry {
	t.Helper()
	var entry *schema.OutboxEntry
	err := db.AtomicWrite(context.Background(), func(tx *store.Tx) error {
		var err error
		entry, err = q.Append(context.Background(), tx, entityID, p)
		return err
	})
	if err != nil {
		t.Fatalf("Append() failed: %v", err)
	}
	return entry
}

func ids(entries []schema.OutboxEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.ID
	}
	return out
}

func TestAppendAndListUnsynced(t *testing.T) {
	q, db, clock := setupTestQueue(t)
	ctx := context.Background()

	title := "B"
	first := appendEntry(t, q, db, "t-1", schema.TaskCreate{Title: "A", CreatedAt: clock.t})
	clock.t = clock.t.Add(time.Second)
	second := appendEntry(t, q, db, "t-1", schema.TaskUpdate{Title: &title})

	entries, err := q.ListUnsynced(ctx)
	if err != nil {
		t.Fatalf("ListUnsynced() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ID != first.ID || entries[1].ID != second.ID {
		t.Errorf("order = %v, want [%s %s]", ids(entries), first.ID, second.ID)
	}

	upd, ok := entries[1].Payload.(schema.TaskUpdate)
	if !ok || upd.Title == nil || *upd.Title != "B" {
		t.Errorf("payload = %#v, want TaskUpdate{Title: B}", entries[1].Payload)
	}
	if entries[1].Operation != schema.OpUpdate || entries[1].EntityType != schema.EntityTask {
		t.Errorf("entry tagged %s/%s", entries[1].EntityType, entries[1].Operation)
	}
}

func TestAppend_ClampsBackwardsClock(t *testing.T) {
	q, db, clock := setupTestQueue(t)
	ctx := context.Background()

	appendEntry(t, q, db, "t-1", schema.TaskDelete{})
	clock.t = clock.t.Add(-time.Hour)
	appendEntry(t, q, db, "t-2", schema.TaskDelete{})
	appendEntry(t, q, db, "t-3", schema.TaskDelete{})

	entries, err := q.ListUnsynced(ctx)
	if err != nil {
		t.Fatalf("ListUnsynced() failed: %v", err)
	}
	for i := 1; i < len(entries); i++ {
		if !entries[i].CreatedAt.After(entries[i-1].CreatedAt) {
			t.Errorf("entry %d created at %v, not after %v", i, entries[i].CreatedAt, entries[i-1].CreatedAt)
		}
	}
}

func TestAppend_RollsBackWithMutation(t *testing.T) {
	q, db, _ := setupTestQueue(t)
	ctx := context.Background()
	boom := errors.New("domain write failed")

	err := db.AtomicWrite(ctx, func(tx *store.Tx) error {
		if _, err := q.Append(ctx, tx, "t-1", schema.TaskDelete{}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("AtomicWrite() error = %v, want %v", err, boom)
	}

	if n, _ := q.PendingCount(ctx); n != 0 {
		t.Errorf("PendingCount() = %d, want 0 after rollback", n)
	}
}

func TestAppend_InvalidIsStorageError(t *testing.T) {
	q, db, _ := setupTestQueue(t)
	ctx := context.Background()

	err := db.AtomicWrite(ctx, func(tx *store.Tx) error {
		_, err := q.Append(ctx, tx, "", schema.TaskDelete{})
		return err
	})
	if !errors.Is(err, syncerr.ErrLocalStorage) {
		t.Fatalf("Append(empty id) error = %v, want ErrLocalStorage", err)
	}
}

func TestMarkSynced(t *testing.T) {
	q, db, _ := setupTestQueue(t)
	ctx := context.Background()

	a := appendEntry(t, q, db, "t-1", schema.TaskDelete{})
	b := appendEntry(t, q, db, "t-2", schema.TaskDelete{})
	c := appendEntry(t, q, db, "t-3", schema.TaskDelete{})

	if err := q.MarkSynced(ctx, []string{a.ID, c.ID, "unknown"}); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	// Repeating an acknowledgment is harmless.
	if err := q.MarkSynced(ctx, []string{a.ID}); err != nil {
		t.Fatalf("MarkSynced() repeat failed: %v", err)
	}

	entries, err := q.ListUnsynced(ctx)
	if err != nil {
		t.Fatalf("ListUnsynced() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != b.ID {
		t.Errorf("unsynced = %v, want [%s]", ids(entries), b.ID)
	}

	all, err := q.List(ctx, ListFilter{IncludeSynced: true})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("List(IncludeSynced) = %d entries, want 3", len(all))
	}
	if !all[0].Synced || all[0].SyncedAt == nil {
		t.Errorf("entry %s should be synced with a timestamp", all[0].ID)
	}
}

func TestMarkSynced_LargeBatch(t *testing.T) {
	q, db, _ := setupTestQueue(t)
	ctx := context.Background()

	var all []string
	err := db.AtomicWrite(ctx, func(tx *store.Tx) error {
		for i := 0; i < markBatchSize+10; i++ {
			e, err := q.Append(ctx, tx, fmt.Sprintf("t-%d", i), schema.TaskDelete{})
			if err != nil {
				return err
			}
			all = append(all, e.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("append failed: %v", err)
	}

	if err := q.MarkSynced(ctx, all); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if n, _ := q.PendingCount(ctx); n != 0 {
		t.Errorf("PendingCount() = %d, want 0", n)
	}
}

func TestRecordFailure(t *testing.T) {
	q, db, _ := setupTestQueue(t)
	ctx := context.Background()

	e := appendEntry(t, q, db, "t-1", schema.TaskDelete{})
	for i := 0; i < 2; i++ {
		if err := q.RecordFailure(ctx, e.ID, "title too long"); err != nil {
			t.Fatalf("RecordFailure() failed: %v", err)
		}
	}

	failures, err := q.Failures(ctx, "t-1")
	if err != nil {
		t.Fatalf("Failures() failed: %v", err)
	}
	if len(failures) != 1 {
		t.Fatalf("Failures() = %d entries, want 1", len(failures))
	}
	got := failures[0]
	if got.AttemptCount != 2 || got.LastError != "title too long" || got.Synced {
		t.Errorf("failure = %+v, want 2 attempts, reason kept, unsynced", got)
	}

	if err := q.MarkSynced(ctx, []string{e.ID}); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if err := q.RecordFailure(ctx, e.ID, "late"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("RecordFailure(synced) error = %v, want ErrNotFound", err)
	}
}

func TestHasPending(t *testing.T) {
	q, db, _ := setupTestQueue(t)
	ctx := context.Background()

	e := appendEntry(t, q, db, "t-1", schema.TaskDelete{})

	tests := []struct {
		entityID string
		want     bool
	}{
		{"t-1", true},
		{"t-2", false},
	}
	for _, tt := range tests {
		got, err := q.HasPending(ctx, db.Querier(), schema.EntityTask, tt.entityID)
		if err != nil {
			t.Fatalf("HasPending(%s) failed: %v", tt.entityID, err)
		}
		if got != tt.want {
			t.Errorf("HasPending(%s) = %v, want %v", tt.entityID, got, tt.want)
		}
	}

	if err := q.MarkSynced(ctx, []string{e.ID}); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	if got, _ := q.HasPending(ctx, db.Querier(), schema.EntityTask, "t-1"); got {
		t.Error("HasPending() should be false once synced")
	}
}

func TestPruneSynced(t *testing.T) {
	q, db, clock := setupTestQueue(t)
	ctx := context.Background()

	old := appendEntry(t, q, db, "t-1", schema.TaskDelete{})
	pending := appendEntry(t, q, db, "t-2", schema.TaskDelete{})
	if err := q.MarkSynced(ctx, []string{old.ID}); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	clock.t = clock.t.Add(8 * 24 * time.Hour)
	recent := appendEntry(t, q, db, "t-3", schema.TaskDelete{})
	if err := q.MarkSynced(ctx, []string{recent.ID}); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}

	n, err := q.PruneSynced(ctx, clock.t.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("PruneSynced() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("PruneSynced() removed %d, want 1", n)
	}

	all, err := q.List(ctx, ListFilter{IncludeSynced: true})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	got := ids(all)
	if len(got) != 2 || got[0] != pending.ID || got[1] != recent.ID {
		t.Errorf("remaining = %v, want [%s %s]", got, pending.ID, recent.ID)
	}
}
