package conflict

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/mschirtzinger/tasksync/internal/outbox"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

type fakeView struct {
	tasks   map[string]*schema.Task
	pending map[string]bool
	err     error
}

func (v *fakeView) FindTask(_ context.Context, id string) (*schema.Task, error) {
	if v.err != nil {
		return nil, v.err
	}
	t, ok := v.tasks[id]
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, store.ErrNotFound)
	}
	return t, nil
}

func (v *fakeView) HasPending(_ context.Context, _ schema.EntityType, id string) (bool, error) {
	return v.pending[id], nil
}

var (
	t1 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	t2 = t1.Add(time.Minute)
)

func task(id, title string, modified time.Time) *schema.Task {
	return &schema.Task{ID: id, Title: title, CreatedAt: t1, LastModifiedAt: modified}
}

func entity(id, title string, modified time.Time) remote.Entity {
	return remote.Entity{Type: schema.EntityTask, ID: id, LastModifiedAt: modified, Task: task(id, title, modified)}
}

func TestResolve(t *testing.T) {
	tombstone := remote.Entity{Type: schema.EntityTask, ID: "t-1", LastModifiedAt: t2, Deleted: true}

	tests := []struct {
		name    string
		local   *schema.Task
		pending bool
		remote  remote.Entity
		want    Action
	}{
		{"no local record", nil, false, entity("t-1", "A", t1), ActionCreate},
		{"no local record, remote tombstone", nil, false, tombstone, ActionSkip},
		{"remote newer, nothing pending", task("t-1", "A", t1), false, entity("t-1", "B", t2), ActionOverwrite},
		{"remote older, nothing pending", task("t-1", "A", t2), false, entity("t-1", "B", t1), ActionSkip},
		{"equal timestamps", task("t-1", "A", t1), false, entity("t-1", "B", t1), ActionSkip},
		{"remote newer but local pending", task("t-1", "A", t1), true, entity("t-1", "B", t2), ActionSkip},
		{"remote older and local pending", task("t-1", "B", t2), true, entity("t-1", "A", t1), ActionSkip},
		{"remote tombstone newer", task("t-1", "A", t1), false, tombstone, ActionOverwrite},
	}

	r := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			view := &fakeView{tasks: map[string]*schema.Task{}, pending: map[string]bool{}}
			if tt.local != nil {
				view.tasks[tt.local.ID] = tt.local
				view.pending[tt.local.ID] = tt.pending
			}

			got, err := r.Resolve(context.Background(), view, tt.remote)
			if err != nil {
				t.Fatalf("Resolve() failed: %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestResolve_LocalReadError(t *testing.T) {
	boom := errors.New("disk I/O error")
	_, err := New().Resolve(context.Background(), &fakeView{err: boom}, entity("t-1", "A", t1))
	if !errors.Is(err, boom) {
		t.Errorf("Resolve() error = %v, want %v", err, boom)
	}
}

func setupTestStore(t *testing.T) (*store.DB, *outbox.Queue) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db, outbox.New(db, nil)
}

// resolveAndApply runs one remote entity through the resolver against the
// real store, the way a pull page does.
func resolveAndApply(t *testing.T, db *store.DB, q *outbox.Queue, e remote.Entity) Action {
	t.Helper()
	ctx := context.Background()
	var action Action
	err := db.AtomicWrite(ctx, func(tx *store.Tx) error {
		var err error
		action, err = New().Resolve(ctx, NewTxView(tx, q), e)
		if err != nil {
			return err
		}
		return Apply(ctx, tx, action, e)
	})
	if err != nil {
		t.Fatalf("resolve and apply failed: %v", err)
	}
	return action
}

func TestApply_AgainstStore(t *testing.T) {
	db, q := setupTestStore(t)
	ctx := context.Background()

	if got := resolveAndApply(t, db, q, entity("t-1", "A", t1)); got != ActionCreate {
		t.Fatalf("first pull = %v, want create", got)
	}
	if got := resolveAndApply(t, db, q, entity("t-1", "B", t2)); got != ActionOverwrite {
		t.Fatalf("newer pull = %v, want overwrite", got)
	}
	local, err := db.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if local.Title != "B" || !local.LastModifiedAt.Equal(t2) {
		t.Errorf("local = %q at %v, want B at %v", local.Title, local.LastModifiedAt, t2)
	}

	// A replayed page changes nothing.
	if got := resolveAndApply(t, db, q, entity("t-1", "B", t2)); got != ActionSkip {
		t.Errorf("replayed pull = %v, want skip", got)
	}

	t3 := t2.Add(time.Minute)
	tomb := remote.Entity{Type: schema.EntityTask, ID: "t-1", LastModifiedAt: t3, Deleted: true}
	if got := resolveAndApply(t, db, q, tomb); got != ActionOverwrite {
		t.Fatalf("tombstone pull = %v, want overwrite", got)
	}
	local, err = db.GetTask(ctx, "t-1")
	if err != nil {
		t.Fatalf("GetTask() failed: %v", err)
	}
	if !local.IsDeleted() || !local.LastModifiedAt.Equal(t3) {
		t.Errorf("local = %+v, want tombstone at %v", local, t3)
	}
}

func TestApply_PendingLocalWins(t *testing.T) {
	db, q := setupTestStore(t)
	ctx := context.Background()

	title := "local edit"
	err := db.AtomicWrite(ctx, func(tx *store.Tx) error {
		if err := tx.InsertTask(ctx, task("t-1", title, t2)); err != nil {
			return err
		}
		_, err := q.Append(ctx, tx, "t-1", schema.TaskUpdate{Title: &title})
		return err
	})
	if err != nil {
		t.Fatalf("setup failed: %v", err)
	}

	later := t2.Add(time.Hour)
	if got := resolveAndApply(t, db, q, entity("t-1", "remote edit", later)); got != ActionSkip {
		t.Errorf("pull with pending local = %v, want skip", got)
	}
	local, _ := db.GetTask(ctx, "t-1")
	if local.Title != title {
		t.Errorf("local title = %q, want %q", local.Title, title)
	}
}

func TestActionString(t *testing.T) {
	for a, want := range map[Action]string{ActionSkip: "skip", ActionCreate: "create", ActionOverwrite: "overwrite", Action(9): "action(9)"} {
		if got := a.String(); got != want {
			t.Errorf("Action(%d).String() = %q, want %q", int(a), got, want)
		}
	}
}
