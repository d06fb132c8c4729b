package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Task is the domain entity owned by the local store.
//
// LastModifiedAt is set on every local or remote write and is the authority
// for last-write-wins conflict resolution. Deletes are soft: DeletedAt marks
// a tombstone so the resolver can still see that a local record exists.
type Task struct {
	// ===== Identification =====
	ID string `json:"id"`

	// ===== Content =====
	Title       string     `json:"title"`
	Notes       string     `json:"notes,omitempty"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DueAt       *time.Time `json:"due_at,omitempty"`
	Priority    int        `json:"priority"` // 0-4 (0=none, 4=highest)

	// Attributes are free-form key/value pairs set by the UI layer.
	Attributes map[string]string `json:"attributes,omitempty"`

	// ===== Timestamps (conflict resolution) =====
	CreatedAt      time.Time  `json:"created_at"`
	LastModifiedAt time.Time  `json:"last_modified_at"`
	DeletedAt      *time.Time `json:"deleted_at,omitempty"`
}

// NewTaskID returns a fresh task identifier.
func NewTaskID() string {
	return uuid.NewString()
}

// Validate checks if the Task has valid field values.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if len(t.Title) > 500 {
		return fmt.Errorf("title must be 500 characters or less (got %d)", len(t.Title))
	}
	if t.Priority < 0 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", t.Priority)
	}
	if t.CreatedAt.IsZero() {
		return fmt.Errorf("created_at is required")
	}
	if t.LastModifiedAt.IsZero() {
		return fmt.Errorf("last_modified_at is required")
	}
	return nil
}

// IsDeleted reports whether the task is a tombstone.
func (t *Task) IsDeleted() bool {
	return t.DeletedAt != nil
}

// Touch sets LastModifiedAt. Every local write must call it.
func (t *Task) Touch(now time.Time) {
	t.LastModifiedAt = now
}

// SetCompleted flips the completion flag and keeps CompletedAt consistent.
func (t *Task) SetCompleted(done bool, now time.Time) {
	t.Completed = done
	if done {
		at := now
		t.CompletedAt = &at
	} else {
		t.CompletedAt = nil
	}
}

// Clone returns a deep copy of the task.
func (t *Task) Clone() *Task {
	c := *t
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.DueAt != nil {
		v := *t.DueAt
		c.DueAt = &v
	}
	if t.DeletedAt != nil {
		v := *t.DeletedAt
		c.DeletedAt = &v
	}
	if t.Attributes != nil {
		c.Attributes = make(map[string]string, len(t.Attributes))
		for k, v := range t.Attributes {
			c.Attributes[k] = v
		}
	}
	return &c
}
