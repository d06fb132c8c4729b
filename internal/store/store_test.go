package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// setupTestDB opens a fresh database with the schema applied.
func setupTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func newTask(id, title string, modified time.Time) *schema.Task {
	return &schema.Task{
		ID:             id,
		Title:          title,
		CreatedAt:      modified,
		LastModifiedAt: modified,
	}
}

func TestOpen_EmptyPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("Open(\"\") should fail")
	}
}

func TestOpen_Path(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()
	if db.Path() != path {
		t.Errorf("Path() = %q, want %q", db.Path(), path)
	}
}

func TestInitSchema_Idempotent(t *testing.T) {
	db := setupTestDB(t)
	if err := db.InitSchema(); err != nil {
		t.Fatalf("second InitSchema() failed: %v", err)
	}

	for _, table := range []string{"tasks", "outbox", "sync_meta"} {
		var count int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&count)
		if err != nil {
			t.Fatalf("failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s does not exist", table)
		}
	}
}

func TestTaskRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 9, 30, 0, 123456789, time.UTC)
	due := now.Add(48 * time.Hour)
	task := newTask("t-1", "Write report", now)
	task.Notes = "quarterly"
	task.DueAt = &due
	task.Priority = 3
	task.Attributes = map[string]string{"list": "work"}
	task.SetCompleted(true, now)

	err := db.AtomicWrite(ctx, func(tx *Tx) error {
		return tx.InsertTask(ctx, task)
	})
	if err != nil {
		t.Fatalf("InsertTask() failed: %v", err)
	}

	got, err := db.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if diff := cmp.Diff(task, got); diff != "" {
		t.Errorf("task mismatch (-want +got):\n%s", diff)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	db := setupTestDB(t)
	_, err := db.GetTask(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTask() error = %v, want ErrNotFound", err)
	}
}

func TestAtomicWrite_RollsBackOnError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.AtomicWrite(ctx, func(tx *Tx) error {
		if err := tx.InsertTask(ctx, newTask("t-1", "A", time.Now())); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("AtomicWrite() error = %v, want %v", err, boom)
	}

	if _, err := db.GetTask(ctx, "t-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("task should have been rolled back, got err=%v", err)
	}
}

func TestInsertTask_DuplicateIsStorageError(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	task := newTask("t-1", "A", time.Now())

	insert := func() error {
		return db.AtomicWrite(ctx, func(tx *Tx) error { return tx.InsertTask(ctx, task) })
	}
	if err := insert(); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := insert(); !errors.Is(err, syncerr.ErrLocalStorage) {
		t.Fatalf("duplicate insert error = %v, want ErrLocalStorage", err)
	}
}

func TestUpdateTask(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	created := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	edited := created.Add(time.Minute)

	if err := db.AtomicWrite(ctx, func(tx *Tx) error {
		return tx.InsertTask(ctx, newTask("t-1", "A", created))
	}); err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	err := db.AtomicWrite(ctx, func(tx *Tx) error {
		_, err := tx.UpdateTask(ctx, "t-1", func(task *schema.Task) error {
			task.Title = "B"
			task.Touch(edited)
			return nil
		})
		return err
	})
	if err != nil {
		t.Fatalf("UpdateTask() failed: %v", err)
	}

	got, err := db.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != "B" || !got.LastModifiedAt.Equal(edited) {
		t.Errorf("got title=%q modified=%v, want B at %v", got.Title, got.LastModifiedAt, edited)
	}

	err = db.AtomicWrite(ctx, func(tx *Tx) error {
		_, err := tx.UpdateTask(ctx, "nope", func(*schema.Task) error { return nil })
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateTask(missing) error = %v, want ErrNotFound", err)
	}
}

func TestPutTask_Overwrites(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	put := func(task *schema.Task) {
		t.Helper()
		if err := db.AtomicWrite(ctx, func(tx *Tx) error { return tx.PutTask(ctx, task) }); err != nil {
			t.Fatalf("PutTask() failed: %v", err)
		}
	}

	put(newTask("t-1", "A", t0))
	remote := newTask("t-1", "Remote", t0.Add(time.Hour))
	deleted := t0.Add(time.Hour)
	remote.DeletedAt = &deleted
	put(remote)

	got, err := db.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if got.Title != "Remote" || !got.IsDeleted() {
		t.Errorf("got %+v, want overwritten tombstone", got)
	}
}

func TestListTasks_Filters(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	live := newTask("live", "live", t0)
	live.Priority = 1
	urgent := newTask("urgent", "urgent", t0.Add(time.Second))
	urgent.Priority = 4
	done := newTask("done", "done", t0)
	done.SetCompleted(true, t0)
	gone := newTask("gone", "gone", t0)
	gone.DeletedAt = &t0

	err := db.AtomicWrite(ctx, func(tx *Tx) error {
		for _, task := range []*schema.Task{live, urgent, done, gone} {
			if err := tx.InsertTask(ctx, task); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	tests := []struct {
		name   string
		filter ListTasksFilter
		want   []string
	}{
		{"default", ListTasksFilter{}, []string{"urgent", "live"}},
		{"completed", ListTasksFilter{IncludeCompleted: true}, []string{"urgent", "live", "done"}},
		{"all", ListTasksFilter{IncludeCompleted: true, IncludeDeleted: true}, []string{"urgent", "live", "done", "gone"}},
		{"limit", ListTasksFilter{Limit: 1}, []string{"urgent"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tasks, err := db.ListTasks(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListTasks() failed: %v", err)
			}
			var ids []string
			for _, task := range tasks {
				ids = append(ids, task.ID)
			}
			if diff := cmp.Diff(tt.want, ids); diff != "" {
				t.Errorf("ids mismatch (-want +got):\n%s", diff)
			}
		})
	}

	count, err := db.TaskCount(ctx)
	if err != nil {
		t.Fatalf("TaskCount() failed: %v", err)
	}
	if count != 3 {
		t.Errorf("TaskCount() = %d, want 3", count)
	}
}

func TestListTasks_SubSecondCreationOrder(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	t0 := time.Date(2026, 3, 1, 9, 0, 5, 0, time.UTC)

	// RFC 3339 with trimmed fractions would store "...05.5Z" before "...05Z".
	created := map[string]time.Time{
		"a": t0,
		"b": t0.Add(500 * time.Millisecond),
		"c": t0.Add(500*time.Millisecond + time.Nanosecond),
		"d": t0.Add(time.Second),
	}
	err := db.AtomicWrite(ctx, func(tx *Tx) error {
		for _, id := range []string{"d", "c", "b", "a"} {
			if err := tx.InsertTask(ctx, newTask(id, id, created[id])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}

	tasks, err := db.ListTasks(ctx, ListTasksFilter{})
	if err != nil {
		t.Fatalf("ListTasks() failed: %v", err)
	}
	var ids []string
	for _, task := range tasks {
		ids = append(ids, task.ID)
		if !task.CreatedAt.Equal(created[task.ID]) {
			t.Errorf("task %s CreatedAt = %v, want %v", task.ID, task.CreatedAt, created[task.ID])
		}
	}
	if diff := cmp.Diff([]string{"a", "b", "c", "d"}, ids); diff != "" {
		t.Errorf("ids mismatch (-want +got):\n%s", diff)
	}
}

func TestFormatTime_SortsAsText(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 9, 0, 5, 0, time.FixedZone("CET", 3600))
	times := []time.Time{t0, t0.Add(time.Nanosecond), t0.Add(100 * time.Millisecond), t0.Add(time.Second)}
	for i := 1; i < len(times); i++ {
		prev, next := formatTime(times[i-1]), formatTime(times[i])
		if prev >= next {
			t.Errorf("formatTime(%v) = %q should sort before %q", times[i], next, prev)
		}
		parsed, err := parseTime(next)
		if err != nil || !parsed.Equal(times[i]) {
			t.Errorf("parseTime(%q) = %v, %v; want %v", next, parsed, err, times[i])
		}
	}
}

func TestSyncMeta(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	meta, err := db.LoadSyncMeta(ctx)
	if err != nil {
		t.Fatalf("LoadSyncMeta() failed: %v", err)
	}
	if meta != (SyncMeta{}) {
		t.Errorf("fresh meta = %+v, want zero", meta)
	}

	if err := db.AtomicWrite(ctx, func(tx *Tx) error { return tx.SaveCursor(ctx, "c-42") }); err != nil {
		t.Fatalf("SaveCursor() failed: %v", err)
	}

	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := db.SaveSyncStatus(ctx, &at, "", ""); err != nil {
		t.Fatalf("SaveSyncStatus() failed: %v", err)
	}
	// A failed cycle keeps the last successful sync time.
	if err := db.SaveSyncStatus(ctx, nil, "transient_network", "dial tcp: refused"); err != nil {
		t.Fatalf("SaveSyncStatus() failed: %v", err)
	}

	meta, err = db.LoadSyncMeta(ctx)
	if err != nil {
		t.Fatalf("LoadSyncMeta() failed: %v", err)
	}
	if meta.Cursor != "c-42" {
		t.Errorf("Cursor = %q, want c-42", meta.Cursor)
	}
	if meta.LastSyncAt == nil || !meta.LastSyncAt.Equal(at) {
		t.Errorf("LastSyncAt = %v, want %v", meta.LastSyncAt, at)
	}
	if meta.LastError != "transient_network" || meta.LastErrorMessage != "dial tcp: refused" {
		t.Errorf("LastError = %q/%q", meta.LastError, meta.LastErrorMessage)
	}
}

func TestReset(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()

	err := db.AtomicWrite(ctx, func(tx *Tx) error {
		if err := tx.InsertTask(ctx, newTask("t-1", "A", time.Now())); err != nil {
			return err
		}
		return tx.SaveCursor(ctx, "c-1")
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	if err := db.Reset(ctx); err != nil {
		t.Fatalf("Reset() failed: %v", err)
	}

	if count, _ := db.TaskCount(ctx); count != 0 {
		t.Errorf("TaskCount() after reset = %d, want 0", count)
	}
	meta, _ := db.LoadSyncMeta(ctx)
	if meta.Cursor != "" {
		t.Errorf("Cursor after reset = %q, want empty", meta.Cursor)
	}
}
