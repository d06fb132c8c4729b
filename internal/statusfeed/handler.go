package statusfeed

import (
	"encoding/json"
	"time"

	"github.com/mschirtzinger/tasksync/internal/schema"
)

// OnEntryRejected broadcasts a rejected outbox entry. Its signature matches
// coordinator.Config.OnEntryRejected.
func (s *Server) OnEntryRejected(entry schema.OutboxEntry, reason string) {
	s.logger.Printf("Entry rejected: %s %s/%s: %s", entry.Operation, entry.EntityType, entry.EntityID, reason)

	data, err := json.Marshal(RejectionData{
		EntryID:    entry.ID,
		EntityType: string(entry.EntityType),
		EntityID:   entry.EntityID,
		Operation:  string(entry.Operation),
		Reason:     reason,
		Attempts:   entry.AttemptCount,
	})
	if err != nil {
		s.logger.Printf("Failed to marshal rejection: %v", err)
		return
	}

	s.Broadcast(Message{
		Type:      MessageTypeEntryRejected,
		Timestamp: time.Now(),
		Data:      data,
	})
}
