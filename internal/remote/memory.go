package remote

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/schema"
	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// DefaultPageSize is the number of entities Memory returns per FetchChanges.
const DefaultPageSize = 100

// Memory is an in-process remote authority.
//
// It keeps the latest version of every entity stamped with a monotonically
// increasing version number; cursors are that version number in decimal.
// Results are remembered per entry id so replays are idempotent.
type Memory struct {
	mu       sync.Mutex
	entities map[string]*memoryRecord
	results  map[string]AckResult
	version  int64
	pageSize int

	applyCalls int
	fetchCalls int

	beforeApply func(ctx context.Context, groups []ChangeGroup) error
	beforeFetch func(ctx context.Context, cursor string) error
}

type memoryRecord struct {
	entity  Entity
	version int64
}

// NewMemory returns an empty authority.
func NewMemory() *Memory {
	return &Memory{
		entities: make(map[string]*memoryRecord),
		results:  make(map[string]AckResult),
		pageSize: DefaultPageSize,
	}
}

// SetPageSize changes the FetchChanges page size.
func (m *Memory) SetPageSize(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.pageSize = n
	}
}

// OnApply installs a hook run before every ApplyChanges. A non-nil error is
// returned to the caller as a transport failure and nothing is applied.
func (m *Memory) OnApply(fn func(ctx context.Context, groups []ChangeGroup) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeApply = fn
}

// OnFetch installs a hook run before every FetchChanges.
func (m *Memory) OnFetch(fn func(ctx context.Context, cursor string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeFetch = fn
}

// Calls returns how many times ApplyChanges and FetchChanges were invoked.
func (m *Memory) Calls() (apply, fetch int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.applyCalls, m.fetchCalls
}

// Put stores task as the authority's current version, as if another device
// had written it.
func (m *Memory) Put(task *schema.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(Entity{
		Type:           schema.EntityTask,
		ID:             task.ID,
		LastModifiedAt: task.LastModifiedAt,
		Task:           task.Clone(),
	})
}

// Delete records a remote tombstone for id.
func (m *Memory) Delete(id string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.store(Entity{Type: schema.EntityTask, ID: id, LastModifiedAt: at, Deleted: true})
}

// Get returns the current version of an entity.
func (m *Memory) Get(id string) (Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.entities[id]
	if !ok {
		return Entity{}, false
	}
	return cloneEntity(rec.entity), true
}

// Len returns the number of live (non-deleted) entities.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.entities {
		if !rec.entity.Deleted {
			n++
		}
	}
	return n
}

// ApplyChanges implements Gateway.
func (m *Memory) ApplyChanges(ctx context.Context, groups []ChangeGroup) (map[string]AckResult, error) {
	m.mu.Lock()
	m.applyCalls++
	hook := m.beforeApply
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, groups); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrTransientNetwork, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	results := make(map[string]AckResult)
	for _, group := range groups {
		for _, change := range group.Changes {
			if prev, ok := m.results[change.EntryID]; ok {
				results[change.EntryID] = prev
				continue
			}
			res := m.apply(group.EntityType, change)
			m.results[change.EntryID] = res
			results[change.EntryID] = res
		}
	}
	return results, nil
}

// apply runs one change against the current state. Caller holds m.mu.
func (m *Memory) apply(entityType schema.EntityType, change Change) AckResult {
	if entityType != schema.EntityTask {
		return rejected("unsupported entity type %q", entityType)
	}
	payload, err := schema.DecodePayload(entityType, change.Operation, change.Payload)
	if err != nil {
		return rejected("%v", err)
	}

	rec, exists := m.entities[change.EntityID]
	live := exists && !rec.entity.Deleted
	at := change.CreatedAt

	switch p := payload.(type) {
	case schema.TaskCreate:
		if live {
			return rejected("task %s already exists", change.EntityID)
		}
		task := &schema.Task{
			ID:             change.EntityID,
			Title:          p.Title,
			Notes:          p.Notes,
			Priority:       p.Priority,
			DueAt:          p.DueAt,
			Attributes:     p.Attributes,
			CreatedAt:      p.CreatedAt,
			LastModifiedAt: at,
		}
		task.SetCompleted(p.Completed, at)
		if err := task.Validate(); err != nil {
			return rejected("%v", err)
		}
		m.store(Entity{Type: entityType, ID: task.ID, LastModifiedAt: at, Task: task})

	case schema.TaskUpdate:
		if !live {
			return rejected("task %s does not exist", change.EntityID)
		}
		task := rec.entity.Task.Clone()
		p.ApplyTo(task, at)
		task.Touch(at)
		if err := task.Validate(); err != nil {
			return rejected("%v", err)
		}
		m.store(Entity{Type: entityType, ID: task.ID, LastModifiedAt: at, Task: task})

	case schema.TaskDelete:
		if !live {
			// Deleting twice converges on the same state.
			return AckResult{Status: AckAccepted}
		}
		m.store(Entity{Type: entityType, ID: change.EntityID, LastModifiedAt: at, Deleted: true})
	}

	return AckResult{Status: AckAccepted}
}

// store records e as the newest version. Caller holds m.mu.
func (m *Memory) store(e Entity) {
	m.version++
	m.entities[e.ID] = &memoryRecord{entity: e, version: m.version}
}

// FetchChanges implements Gateway.
func (m *Memory) FetchChanges(ctx context.Context, cursor string) (*ChangeSet, error) {
	m.mu.Lock()
	m.fetchCalls++
	hook := m.beforeFetch
	m.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, cursor); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", syncerr.ErrTransientNetwork, err)
	}

	var after int64
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid cursor %q", syncerr.ErrRemoteProtocol, cursor)
		}
		after = v
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var changed []*memoryRecord
	for _, rec := range m.entities {
		if rec.version > after {
			changed = append(changed, rec)
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].version < changed[j].version })

	set := &ChangeSet{NextCursor: cursor}
	if len(changed) > m.pageSize {
		changed = changed[:m.pageSize]
		set.HasMore = true
	}
	for _, rec := range changed {
		set.Entities = append(set.Entities, cloneEntity(rec.entity))
		set.NextCursor = strconv.FormatInt(rec.version, 10)
	}
	return set, nil
}

func rejected(format string, args ...any) AckResult {
	return AckResult{Status: AckRejected, Reason: fmt.Sprintf(format, args...)}
}

func cloneEntity(e Entity) Entity {
	if e.Task != nil {
		e.Task = e.Task.Clone()
	}
	return e
}
