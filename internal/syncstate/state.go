// Package syncstate holds the observable summary of the sync engine.
//
// The coordinator is the only writer and holds the Publisher. UI code gets a
// Reader: it can read the current value or subscribe to changes. A
// subscription channel holds at most one value and always converges on the
// newest state, so a slow reader never blocks the coordinator.
package syncstate

import (
	"sync"
	"time"

	"github.com/mschirtzinger/tasksync/internal/syncerr"
)

// State is a snapshot of the sync engine.
type State struct {
	IsSyncing        bool         `json:"is_syncing"`
	LastSyncAt       *time.Time   `json:"last_sync_at,omitempty"`
	PendingCount     int          `json:"pending_count"`
	LastError        syncerr.Kind `json:"last_error,omitempty"`
	LastErrorMessage string       `json:"last_error_message,omitempty"`
}

// Reader is the read-only side handed to observers.
type Reader interface {
	// Current returns the latest state.
	Current() State
	// Subscribe returns a channel that receives the current state
	// immediately and then every change. cancel closes the channel.
	Subscribe() (updates <-chan State, cancel func())
}

// Publisher owns the state and notifies subscribers.
type Publisher struct {
	mu     sync.Mutex
	state  State
	nextID int
	subs   map[int]chan State
}

// NewPublisher returns a publisher holding initial.
func NewPublisher(initial State) *Publisher {
	return &Publisher{state: copyState(initial), subs: make(map[int]chan State)}
}

// Current implements Reader.
func (p *Publisher) Current() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyState(p.state)
}

// Subscribe implements Reader.
func (p *Publisher) Subscribe() (<-chan State, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := p.nextID
	p.nextID++
	ch := make(chan State, 1)
	ch <- copyState(p.state)
	p.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if _, ok := p.subs[id]; ok {
				delete(p.subs, id)
				close(ch)
			}
		})
	}
	return ch, cancel
}

// Update applies fn to the state and notifies subscribers if anything
// changed. It returns the new state.
func (p *Publisher) Update(fn func(*State)) State {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := copyState(p.state)
	fn(&next)
	if equal(next, p.state) {
		return copyState(next)
	}
	p.state = next

	for _, ch := range p.subs {
		offer(ch, copyState(next))
	}
	return copyState(next)
}

// Set replaces the state.
func (p *Publisher) Set(s State) State {
	return p.Update(func(cur *State) { *cur = s })
}

// Close closes every subscription channel.
func (p *Publisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		delete(p.subs, id)
		close(ch)
	}
}

// offer replaces any unread value in ch with s. Only the publisher sends,
// under p.mu, so after draining there is room for s.
func offer(ch chan State, s State) {
	select {
	case ch <- s:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	ch <- s
}

func copyState(s State) State {
	if s.LastSyncAt != nil {
		t := *s.LastSyncAt
		s.LastSyncAt = &t
	}
	return s
}

func equal(a, b State) bool {
	if a.IsSyncing != b.IsSyncing || a.PendingCount != b.PendingCount ||
		a.LastError != b.LastError || a.LastErrorMessage != b.LastErrorMessage {
		return false
	}
	if (a.LastSyncAt == nil) != (b.LastSyncAt == nil) {
		return false
	}
	return a.LastSyncAt == nil || a.LastSyncAt.Equal(*b.LastSyncAt)
}
