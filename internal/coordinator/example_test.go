package coordinator_test

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/mschirtzinger/tasksync/internal/connectivity"
	"github.com/mschirtzinger/tasksync/internal/coordinator"
	"github.com/mschirtzinger/tasksync/internal/outbox"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
	"github.com/mschirtzinger/tasksync/internal/syncstate"
)

type loggedIn struct{}

func (loggedIn) Authenticated() bool { return true }
func (loggedIn) Invalidate(error)    {}
func (loggedIn) Logout() error       { return nil }

// Example_offlineEdit writes a task while offline, then delivers it once
// the network returns.
func Example_offlineEdit() {
	dir, _ := os.MkdirTemp("", "tasksync-example")
	defer os.RemoveAll(dir)

	db, err := store.Open(filepath.Join(dir, "tasks.db"))
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()
	if err := db.InitSchema(); err != nil {
		log.Fatal(err)
	}

	authority := remote.NewMemory()
	network := connectivity.NewManual(false)

	config := coordinator.DefaultConfig()
	config.SyncInterval = time.Hour
	c, err := coordinator.New(coordinator.Deps{
		Store:        db,
		Outbox:       outbox.New(db, nil),
		Gateway:      authority,
		Connectivity: network,
		Session:      loggedIn{},
		State:        syncstate.NewPublisher(syncstate.State{}),
		Logger:       log.New(io.Discard, "", 0),
	}, config)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	ctx := context.Background()
	task := &schema.Task{
		ID:             schema.NewTaskID(),
		Title:          "Water the plants",
		CreatedAt:      time.Now().UTC(),
		LastModifiedAt: time.Now().UTC(),
	}
	if _, err := c.Enqueue(ctx, task.ID, schema.TaskCreateFrom(task), func(tx *store.Tx) error {
		return tx.InsertTask(ctx, task)
	}); err != nil {
		log.Fatal(err)
	}

	res, _ := c.ForceSyncNow(ctx)
	fmt.Println("offline:", res.Outcome, "pending:", c.State().Current().PendingCount)

	network.Set(true)
	res, _ = c.ForceSyncNow(ctx)
	fmt.Println("online:", res.Outcome, "accepted:", res.Accepted, "pending:", c.State().Current().PendingCount)
	fmt.Println("remote tasks:", authority.Len())

	// Output:
	// offline: skipped pending: 1
	// online: completed accepted: 1 pending: 0
	// remote tasks: 1
}
