package schema

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityType tags the kind of entity an outbox entry refers to.
type EntityType string

const (
	// EntityTask is the only entity type the engine syncs today.
	EntityTask EntityType = "task"
)

// Operation is the mutation recorded by an outbox entry.
type Operation string

const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// IsValid reports whether op is one of the known operations.
func (op Operation) IsValid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// OutboxEntry is one locally originated mutation awaiting acknowledgment
// from the remote authority.
//
// Entries are append-only: the only permitted changes are setting Synced
// (with SyncedAt) and recording a failed attempt (AttemptCount, LastError).
type OutboxEntry struct {
	ID         string     `json:"id" yaml:"id"`
	Seq        int64      `json:"seq" yaml:"seq"`
	EntityType EntityType `json:"entity_type" yaml:"entity_type"`
	EntityID   string     `json:"entity_id" yaml:"entity_id"`
	Operation  Operation  `json:"operation" yaml:"operation"`
	Payload    Payload    `json:"-" yaml:"-"`
	CreatedAt  time.Time  `json:"created_at" yaml:"created_at"`

	Synced       bool       `json:"synced" yaml:"synced"`
	SyncedAt     *time.Time `json:"synced_at,omitempty" yaml:"synced_at,omitempty"`
	AttemptCount int        `json:"attempt_count" yaml:"attempt_count"`
	LastError    string     `json:"last_error,omitempty" yaml:"last_error,omitempty"`
}

// NewOutboxEntry builds an unsynced entry for payload. The entity type and
// operation are taken from the payload variant so they cannot disagree.
func NewOutboxEntry(entityID string, payload Payload, createdAt time.Time) (*OutboxEntry, error) {
	if entityID == "" {
		return nil, fmt.Errorf("entity id is required")
	}
	if payload == nil {
		return nil, fmt.Errorf("payload is required")
	}
	return &OutboxEntry{
		ID:         uuid.NewString(),
		EntityType: payload.EntityType(),
		EntityID:   entityID,
		Operation:  payload.Operation(),
		Payload:    payload,
		CreatedAt:  createdAt,
	}, nil
}
