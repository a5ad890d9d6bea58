// Package action holds the state machines behind server-initiated actions:
// device actions (reboot, factory reset), custom actions and firmware.
// Each one notifies its listeners synchronously whenever its status changes.
package action

import (
	"errors"
	"sync"
)

// ErrInProgress is returned when an action of the same kind is still running.
var ErrInProgress = errors.New("action: already in progress")

// ListenerID identifies a registered listener.
type ListenerID uint64

type listenerEntry[E any] struct {
	id ListenerID
	fn func(E)
}

type listeners[E any] struct {
	mu      sync.Mutex
	next    ListenerID
	entries []listenerEntry[E]
}

func (l *listeners[E]) add(fn func(E)) ListenerID {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	l.entries = append(l.entries, listenerEntry[E]{id: l.next, fn: fn})
	return l.next
}

func (l *listeners[E]) remove(id ListenerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (l *listeners[E]) clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

func (l *listeners[E]) notify(ev E) {
	l.mu.Lock()
	entries := make([]listenerEntry[E], len(l.entries))
	copy(entries, l.entries)
	l.mu.Unlock()

	for _, e := range entries {
		e.fn(ev)
	}
}
