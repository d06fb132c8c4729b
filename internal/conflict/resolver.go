// Package conflict decides how a pulled remote record is reconciled with
// local state, using last-write-wins on LastModifiedAt.
//
// Precedence, evaluated in order:
//
//  1. No local record: Create (a remote tombstone creates nothing: Skip).
//  2. Local record with an unsynced outbox entry: Skip. Pending local
//     intent always wins; the remote sees it on the next push.
//  3. Local record, nothing pending: Overwrite if the remote timestamp is
//     strictly newer, otherwise Skip.
package conflict

import (
	"context"
	"errors"
	"fmt"

	"github.com/mschirtzinger/tasksync/internal/outbox"
	"github.com/mschirtzinger/tasksync/internal/remote"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

// Action is the resolver's decision for one remote record.
type Action int

const (
	ActionSkip Action = iota
	ActionCreate
	ActionOverwrite
)

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "create"
	case ActionOverwrite:
		return "overwrite"
	case ActionSkip:
		return "skip"
	}
	return fmt.Sprintf("action(%d)", int(a))
}

// LocalView is the local state the resolver consults.
type LocalView interface {
	// FindTask returns the local task, including tombstones, or an error
	// matching store.ErrNotFound.
	FindTask(ctx context.Context, id string) (*schema.Task, error)
	// HasPending reports whether the entity has unsynced outbox entries.
	HasPending(ctx context.Context, entityType schema.EntityType, id string) (bool, error)
}

// Resolver applies the last-write-wins policy.
type Resolver struct{}

// New returns a resolver.
func New() *Resolver {
	return &Resolver{}
}

// Resolve decides what to do with e given the local view.
func (r *Resolver) Resolve(ctx context.Context, view LocalView, e remote.Entity) (Action, error) {
	if e.Type != schema.EntityTask {
		return ActionSkip, fmt.Errorf("unsupported entity type %q", e.Type)
	}

	local, err := view.FindTask(ctx, e.ID)
	if errors.Is(err, store.ErrNotFound) {
		if e.Deleted {
			return ActionSkip, nil
		}
		return ActionCreate, nil
	}
	if err != nil {
		return ActionSkip, fmt.Errorf("failed to load local task %s: %w", e.ID, err)
	}

	pending, err := view.HasPending(ctx, e.Type, e.ID)
	if err != nil {
		return ActionSkip, fmt.Errorf("failed to check pending entries for %s: %w", e.ID, err)
	}
	if pending {
		return ActionSkip, nil
	}

	if e.LastModifiedAt.After(local.LastModifiedAt) {
		return ActionOverwrite, nil
	}
	return ActionSkip, nil
}

// Apply performs action for e inside tx.
func Apply(ctx context.Context, tx *store.Tx, action Action, e remote.Entity) error {
	switch action {
	case ActionSkip:
		return nil

	case ActionCreate, ActionOverwrite:
		if e.Deleted {
			if action == ActionCreate {
				return nil
			}
			_, err := tx.UpdateTask(ctx, e.ID, func(t *schema.Task) error {
				at := e.LastModifiedAt
				t.DeletedAt = &at
				t.Touch(at)
				return nil
			})
			return err
		}

		if e.Task == nil {
			return fmt.Errorf("remote entity %s has no task body", e.ID)
		}
		task := e.Task.Clone()
		task.ID = e.ID
		task.LastModifiedAt = e.LastModifiedAt
		task.DeletedAt = nil
		return tx.PutTask(ctx, task)
	}

	return fmt.Errorf("unknown conflict action %v", action)
}

// TxView is the LocalView of an open write block, so resolution and apply
// see the same snapshot.
type TxView struct {
	tx     *store.Tx
	outbox *outbox.Queue
}

// NewTxView returns a view over tx and the outbox queue.
func NewTxView(tx *store.Tx, q *outbox.Queue) *TxView {
	return &TxView{tx: tx, outbox: q}
}

// FindTask implements LocalView.
func (v *TxView) FindTask(ctx context.Context, id string) (*schema.Task, error) {
	return v.tx.FindTask(ctx, id)
}

// HasPending implements LocalView.
func (v *TxView) HasPending(ctx context.Context, entityType schema.EntityType, id string) (bool, error) {
	return v.outbox.HasPending(ctx, v.tx, entityType, id)
}
