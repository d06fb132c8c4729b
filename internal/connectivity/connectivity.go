// Package connectivity reports whether the remote authority is reachable.
//
// Observer is the contract the sync coordinator depends on. Two
// implementations are provided:
//
//   - Manual: state is set by the host application (or a test); listeners
//     are called synchronously in registration order.
//   - Prober: polls an HTTP health endpoint on a ticker and reports
//     transitions.
//
// Listeners are only invoked on transitions, never for a repeated state.
package connectivity

import (
	"sync"
)

// Observer exposes the current reachability and transition notifications.
type Observer interface {
	// Online reports the most recently observed state.
	Online() bool
	// OnChange registers fn for transitions and returns a function that
	// removes it.
	OnChange(fn func(online bool)) (unsubscribe func())
}

// listeners is an ordered set of callbacks.
type listeners struct {
	mu     sync.Mutex
	nextID int
	fns    []listener
}

type listener struct {
	id int
	fn func(bool)
}

func (l *listeners) add(fn func(bool)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := l.nextID
	l.nextID++
	l.fns = append(l.fns, listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for i, ln := range l.fns {
				if ln.id == id {
					l.fns = append(l.fns[:i:i], l.fns[i+1:]...)
					return
				}
			}
		})
	}
}

// emit calls every listener in registration order. The lock is not held
// during callbacks so a listener may unsubscribe itself.
func (l *listeners) emit(online bool) {
	l.mu.Lock()
	fns := make([]listener, len(l.fns))
	copy(fns, l.fns)
	l.mu.Unlock()

	for _, ln := range fns {
		ln.fn(online)
	}
}

// Manual is an Observer whose state is set explicitly.
type Manual struct {
	mu        sync.Mutex
	online    bool
	listeners listeners
}

// NewManual returns a Manual observer starting in the given state.
func NewManual(online bool) *Manual {
	return &Manual{online: online}
}

// Online implements Observer.
func (m *Manual) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// OnChange implements Observer.
func (m *Manual) OnChange(fn func(online bool)) func() {
	return m.listeners.add(fn)
}

// Set records the new state and, if it changed, notifies listeners before
// returning.
func (m *Manual) Set(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	m.mu.Unlock()

	if changed {
		m.listeners.emit(online)
	}
}
