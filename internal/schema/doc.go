// Package schema defines the records the sync engine stores and exchanges.
//
// # Tasks
//
// Task is the synced domain entity. Every write stamps LastModifiedAt, which
// is the only input to last-write-wins conflict resolution. Local deletes
// set DeletedAt instead of removing the row.
//
// # Outbox entries
//
// OutboxEntry records one local mutation. Its payload is a tagged union
// keyed by (EntityType, Operation):
//
//	task/create  -> TaskCreate  (full initial state)
//	task/update  -> TaskUpdate  (changed fields only)
//	task/delete  -> TaskDelete  (no fields)
//
// Building an entry from a payload fixes its entity type and operation:
//
//	title := "Buy milk"
//	entry, err := schema.NewOutboxEntry(task.ID, schema.TaskUpdate{Title: &title}, time.Now())
//
// Payloads round-trip through EncodePayload / DecodePayload; decoding under
// the wrong pair fails with ErrPayloadMismatch.
package schema
