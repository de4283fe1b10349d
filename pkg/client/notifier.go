package client

import (
	"fmt"
	"log/slog"
	"sync"
)

// stateNotifier broadcasts connection state transitions to registered
// listeners. Listeners are invoked in registration order against a snapshot
// taken before the pass begins, so detaching a listener from inside a
// notification does not disturb the in-progress pass.
type stateNotifier struct {
	logger *slog.Logger

	mu        sync.Mutex
	nextID    int
	listeners []stateListenerEntry
}

type stateListenerEntry struct {
	id int
	fn StateListener
}

func newStateNotifier(logger *slog.Logger) *stateNotifier {
	return &stateNotifier{logger: logger}
}

// attach registers a listener and returns its detach function. Detaching is
// idempotent.
func (n *stateNotifier) attach(fn StateListener) func() {
	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.listeners = append(n.listeners, stateListenerEntry{id: id, fn: fn})
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		for i, entry := range n.listeners {
			if entry.id == id {
				n.listeners = append(n.listeners[:i], n.listeners[i+1:]...)
				return
			}
		}
	}
}

func (n *stateNotifier) notify(state ConnectionState, role Role) {
	n.mu.Lock()
	snapshot := make([]stateListenerEntry, len(n.listeners))
	copy(snapshot, n.listeners)
	n.mu.Unlock()

	for _, entry := range snapshot {
		n.invoke(entry.fn, state, role)
	}
}

// invoke isolates one listener: a panic is logged, never propagated.
func (n *stateNotifier) invoke(fn StateListener, state ConnectionState, role Role) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error(fmt.Sprintf("Client: state listener panicked on %s/%s: %v", role, state, r))
		}
	}()
	fn(state, role)
}
