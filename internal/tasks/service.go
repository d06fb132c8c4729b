// Package tasks is the domain API the UI layer calls. Every write changes the
// local store and appends the matching outbox entry in one write block, so
// the change is durable before the call returns and reaches the remote on
// the next sync cycle.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mschirtzinger/tasksync/internal/coordinator"
	"github.com/mschirtzinger/tasksync/internal/outbox"
	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/store"
)

var (
	// ErrNotFound is returned for unknown or deleted tasks.
	ErrNotFound = store.ErrNotFound

	// ErrInvalid is returned when a write would leave the task invalid.
	ErrInvalid = errors.New("invalid task")

	// ErrNoChanges is returned by Update when the update changes nothing.
	ErrNoChanges = errors.New("no changes")
)

// Enqueuer commits a local mutation together with its outbox entry.
// *coordinator.Coordinator implements it.
type Enqueuer interface {
	Enqueue(ctx context.Context, entityID string, payload schema.Payload, mutate func(tx *store.Tx) error) (*coordinator.LocalCommit, error)
}

// Service implements task operations on top of the local store.
type Service struct {
	db     *store.DB
	outbox *outbox.Queue
	sync   Enqueuer
	now    func() time.Time
}

// NewService creates a task service. now may be nil.
func NewService(db *store.DB, q *outbox.Queue, sync Enqueuer, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{db: db, outbox: q, sync: sync, now: now}
}

// NewTask holds the fields a caller may set on creation.
type NewTask struct {
	Title      string
	Notes      string
	DueAt      *time.Time
	Priority   int
	Attributes map[string]string
}

// Create adds a task and queues its create entry.
func (s *Service) Create(ctx context.Context, in NewTask) (*schema.Task, error) {
	now := s.now().UTC()
	task := &schema.Task{
		ID:             schema.NewTaskID(),
		Title:          strings.TrimSpace(in.Title),
		Notes:          in.Notes,
		DueAt:          in.DueAt,
		Priority:       in.Priority,
		Attributes:     in.Attributes,
		CreatedAt:      now,
		LastModifiedAt: now,
	}
	if err := task.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	_, err := s.sync.Enqueue(ctx, task.ID, schema.TaskCreateFrom(task), func(tx *store.Tx) error {
		return tx.InsertTask(ctx, task)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

// Update applies the changed fields of u to a live task.
// Returns ErrNoChanges if u is empty.
func (s *Service) Update(ctx context.Context, id string, u schema.TaskUpdate) (*schema.Task, error) {
	if u.IsEmpty() {
		return nil, ErrNoChanges
	}
	if u.Title != nil {
		title := strings.TrimSpace(*u.Title)
		u.Title = &title
	}

	var updated *schema.Task
	_, err := s.sync.Enqueue(ctx, id, u, func(tx *store.Tx) error {
		task, err := tx.UpdateTask(ctx, id, func(t *schema.Task) error {
			if t.IsDeleted() {
				return fmt.Errorf("task %s: %w", id, ErrNotFound)
			}
			now := s.now().UTC()
			u.ApplyTo(t, now)
			t.Touch(now)
			if err := t.Validate(); err != nil {
				return fmt.Errorf("%w: %w", ErrInvalid, err)
			}
			return nil
		})
		updated = task
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return updated, nil
}

// Rename changes a task's title.
func (s *Service) Rename(ctx context.Context, id, title string) (*schema.Task, error) {
	return s.Update(ctx, id, schema.TaskUpdate{Title: &title})
}

// Complete marks a task done.
func (s *Service) Complete(ctx context.Context, id string) (*schema.Task, error) {
	done := true
	return s.Update(ctx, id, schema.TaskUpdate{Completed: &done})
}

// Reopen marks a completed task not done.
func (s *Service) Reopen(ctx context.Context, id string) (*schema.Task, error) {
	done := false
	return s.Update(ctx, id, schema.TaskUpdate{Completed: &done})
}

// Delete tombstones a task. Deleting a deleted task returns ErrNotFound.
func (s *Service) Delete(ctx context.Context, id string) error {
	_, err := s.sync.Enqueue(ctx, id, schema.TaskDelete{}, func(tx *store.Tx) error {
		_, err := tx.UpdateTask(ctx, id, func(t *schema.Task) error {
			if t.IsDeleted() {
				return fmt.Errorf("task %s: %w", id, ErrNotFound)
			}
			now := s.now().UTC()
			t.DeletedAt = &now
			t.Touch(now)
			return nil
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	return nil
}

// Get returns a live task.
func (s *Service) Get(ctx context.Context, id string) (*schema.Task, error) {
	task, err := s.db.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.IsDeleted() {
		return nil, fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return task, nil
}

// List returns tasks matching filter.
func (s *Service) List(ctx context.Context, filter store.ListTasksFilter) ([]*schema.Task, error) {
	return s.db.ListTasks(ctx, filter)
}

// Warning describes a local change the remote refused.
type Warning struct {
	EntryID   string
	Operation schema.Operation
	Attempts  int
	Message   string
	QueuedAt  time.Time
}

// Warnings returns the rejected, still-unsynced changes for a task. An empty
// id returns warnings for every task.
func (s *Service) Warnings(ctx context.Context, id string) ([]Warning, error) {
	entries, err := s.outbox.Failures(ctx, id)
	if err != nil {
		return nil, err
	}
	warnings := make([]Warning, 0, len(entries))
	for _, e := range entries {
		warnings = append(warnings, Warning{
			EntryID:   e.ID,
			Operation: e.Operation,
			Attempts:  e.AttemptCount,
			Message:   e.LastError,
			QueuedAt:  e.CreatedAt,
		})
	}
	return warnings, nil
}
