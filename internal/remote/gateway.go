// Package remote defines the contract with the remote authority and its
// implementations.
//
// Gateway is the interface the sync coordinator talks to. HTTPGateway speaks
// the JSON protocol over HTTP with oauth2 bearer tokens; NewHandler serves the
// same protocol from any Gateway; Memory is an in-process authority used by
// tests and by the development server.
//
// Wire protocol:
//
//	POST {base}/v1/changes/apply   body: {"groups": [ChangeGroup...]}
//	                               resp: {"results": {entryID: AckResult}}
//	GET  {base}/v1/changes?cursor= resp: ChangeSet
//
// Replaying an already accepted entry id must return the original result
// without applying it again.
package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// Gateway is the remote authority as seen by the coordinator.
//
// ApplyChanges returns a result per submitted entry id. A transport level
// failure returns a nil map and an error classified by package syncerr;
// ids missing from a successful result map were not processed.
type Gateway interface {
	ApplyChanges(ctx context.Context, groups []ChangeGroup) (map[string]AckResult, error)
	FetchChanges(ctx context.Context, cursor string) (*ChangeSet, error)
}

// Change is one outbox entry on the wire.
type Change struct {
	EntryID   string           `json:"entry_id"`
	EntityID  string           `json:"entity_id"`
	Operation schema.Operation `json:"operation"`
	Payload   json.RawMessage  `json:"payload"`
	CreatedAt time.Time        `json:"created_at"`
}

// ChangeGroup is a batch of changes to one entity type, in creation order.
type ChangeGroup struct {
	EntityType schema.EntityType `json:"entity_type"`
	Changes    []Change          `json:"changes"`
}

// AckStatus is the per-entry outcome of ApplyChanges.
type AckStatus string

const (
	AckAccepted AckStatus = "accepted"
	AckRejected AckStatus = "rejected"
)

// AckResult is the remote's verdict on one entry.
type AckResult struct {
	Status AckStatus `json:"status"`
	Reason string    `json:"reason,omitempty"`
}

// Accepted reports whether the entry was durably applied.
func (r AckResult) Accepted() bool {
	return r.Status == AckAccepted
}

// Entity is the remote's current version of one record.
// Task is nil for tombstones.
type Entity struct {
	Type           schema.EntityType `json:"entity_type"`
	ID             string            `json:"id"`
	LastModifiedAt time.Time         `json:"last_modified_at"`
	Deleted        bool              `json:"deleted,omitempty"`
	Task           *schema.Task      `json:"task,omitempty"`
}

// Validate checks that the entity is well formed.
func (e *Entity) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("entity id is required")
	}
	if e.Type != schema.EntityTask {
		return fmt.Errorf("unsupported entity type %q", e.Type)
	}
	if e.LastModifiedAt.IsZero() {
		return fmt.Errorf("entity %s: last_modified_at is required", e.ID)
	}
	if e.Deleted {
		return nil
	}
	if e.Task == nil {
		return fmt.Errorf("entity %s: task body is required", e.ID)
	}
	if e.Task.ID != e.ID {
		return fmt.Errorf("entity %s: task id %q does not match", e.ID, e.Task.ID)
	}
	return e.Task.Validate()
}

// ChangeSet is one page of remote changes after a cursor.
type ChangeSet struct {
	Entities   []Entity `json:"entities"`
	NextCursor string   `json:"next_cursor"`
	HasMore    bool     `json:"has_more"`
}

// ChangeFromEntry converts an outbox entry to its wire form.
func ChangeFromEntry(entry schema.OutboxEntry) (Change, error) {
	payload, err := schema.EncodePayload(entry.Payload)
	if err != nil {
		return Change{}, fmt.Errorf("entry %s: %w", entry.ID, err)
	}
	return Change{
		EntryID:   entry.ID,
		EntityID:  entry.EntityID,
		Operation: entry.Operation,
		Payload:   payload,
		CreatedAt: entry.CreatedAt,
	}, nil
}

// GroupEntries batches entries by entity type. Groups appear in the order
// their type first occurs and each group keeps the entries' relative order.
func GroupEntries(entries []schema.OutboxEntry) ([]ChangeGroup, error) {
	var groups []ChangeGroup
	index := make(map[schema.EntityType]int)

	for _, entry := range entries {
		change, err := ChangeFromEntry(entry)
		if err != nil {
			return nil, err
		}
		i, ok := index[entry.EntityType]
		if !ok {
			i = len(groups)
			index[entry.EntityType] = i
			groups = append(groups, ChangeGroup{EntityType: entry.EntityType})
		}
		groups[i].Changes = append(groups[i].Changes, change)
	}
	return groups, nil
}
