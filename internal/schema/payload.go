package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPayloadMismatch is returned when a payload does not match the
// (entity type, operation) pair it is stored or decoded under.
var ErrPayloadMismatch = errors.New("payload does not match entity type and operation")

// Payload is the typed snapshot of a mutation. Each variant is keyed by
// (EntityType, Operation), so push and pull code cannot mix entity shapes.
type Payload interface {
	EntityType() EntityType
	Operation() Operation
}

// TaskCreate carries the full initial state of a new task.
type TaskCreate struct {
	Title      string            `json:"title"`
	Notes      string            `json:"notes,omitempty"`
	Completed  bool              `json:"completed"`
	DueAt      *time.Time        `json:"due_at,omitempty"`
	Priority   int               `json:"priority"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}

func (TaskCreate) EntityType() EntityType { return EntityTask }
func (TaskCreate) Operation() Operation   { return OpCreate }

// TaskCreateFrom snapshots t as a create payload.
func TaskCreateFrom(t *Task) TaskCreate {
	c := t.Clone()
	return TaskCreate{
		Title:      c.Title,
		Notes:      c.Notes,
		Completed:  c.Completed,
		DueAt:      c.DueAt,
		Priority:   c.Priority,
		Attributes: c.Attributes,
		CreatedAt:  c.CreatedAt,
	}
}

// TaskUpdate carries only the fields that changed. A nil pointer means
// "unchanged". In Attributes a nil value removes the key.
type TaskUpdate struct {
	Title      *string            `json:"title,omitempty"`
	Notes      *string            `json:"notes,omitempty"`
	Completed  *bool              `json:"completed,omitempty"`
	DueAt      *time.Time         `json:"due_at,omitempty"`
	ClearDueAt bool               `json:"clear_due_at,omitempty"`
	Priority   *int               `json:"priority,omitempty"`
	Attributes map[string]*string `json:"attributes,omitempty"`
}

func (TaskUpdate) EntityType() EntityType { return EntityTask }
func (TaskUpdate) Operation() Operation   { return OpUpdate }

// IsEmpty reports whether the update changes nothing.
func (u TaskUpdate) IsEmpty() bool {
	return u.Title == nil && u.Notes == nil && u.Completed == nil &&
		u.DueAt == nil && !u.ClearDueAt && u.Priority == nil && len(u.Attributes) == 0
}

// ApplyTo mutates t with the changed fields. It does not touch timestamps
// other than CompletedAt.
func (u TaskUpdate) ApplyTo(t *Task, now time.Time) {
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Notes != nil {
		t.Notes = *u.Notes
	}
	if u.Completed != nil && *u.Completed != t.Completed {
		t.SetCompleted(*u.Completed, now)
	}
	if u.ClearDueAt {
		t.DueAt = nil
	} else if u.DueAt != nil {
		v := *u.DueAt
		t.DueAt = &v
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	for k, v := range u.Attributes {
		if v == nil {
			delete(t.Attributes, k)
			continue
		}
		if t.Attributes == nil {
			t.Attributes = make(map[string]string)
		}
		t.Attributes[k] = *v
	}
}

// TaskDelete records a deletion. The entity id lives on the outbox entry.
type TaskDelete struct{}

func (TaskDelete) EntityType() EntityType { return EntityTask }
func (TaskDelete) Operation() Operation   { return OpDelete }

// EncodePayload serializes p for storage or transport.
func EncodePayload(p Payload) (json.RawMessage, error) {
	if p == nil {
		return nil, fmt.Errorf("payload is required")
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s/%s payload: %w", p.EntityType(), p.Operation(), err)
	}
	return data, nil
}

// DecodePayload parses data into the variant registered for
// (entityType, op). Unknown pairs return ErrPayloadMismatch.
func DecodePayload(entityType EntityType, op Operation, data []byte) (Payload, error) {
	if entityType != EntityTask {
		return nil, fmt.Errorf("%w: unknown entity type %q", ErrPayloadMismatch, entityType)
	}

	switch op {
	case OpCreate:
		var p TaskCreate
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse task create payload: %w", err)
		}
		return p, nil
	case OpUpdate:
		var p TaskUpdate
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("failed to parse task update payload: %w", err)
		}
		return p, nil
	case OpDelete:
		return TaskDelete{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrPayloadMismatch, op)
	}
}

// CheckPayload verifies that p belongs under (entityType, op).
func CheckPayload(entityType EntityType, op Operation, p Payload) error {
	if p == nil {
		return fmt.Errorf("%w: nil payload", ErrPayloadMismatch)
	}
	if p.EntityType() != entityType || p.Operation() != op {
		return fmt.Errorf("%w: got %s/%s, want %s/%s",
			ErrPayloadMismatch, p.EntityType(), p.Operation(), entityType, op)
	}
	return nil
}
