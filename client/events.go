package client

import "sync"

// EventKind enumerates the notifications the engine publishes to host
// programs through Engine.EventDispatcher (spec §4.1).
type EventKind string

const (
	EventCreated             EventKind = "created"
	EventUpdated             EventKind = "updated"
	EventDeleted             EventKind = "deleted"
	EventSyncStarted         EventKind = "sync_started"
	EventSyncCompleted       EventKind = "sync_completed"
	EventSyncError           EventKind = "sync_error"
	EventConflictDetected    EventKind = "conflict_detected"
	EventConnectionAttempted EventKind = "connection_attempted"
	EventConnectionSucceeded EventKind = "connection_succeeded"
	EventConnectionLost      EventKind = "connection_lost"
)

// Event is a single notification delivered to subscribers.
type Event struct {
	Kind        EventKind
	DocumentID  string
	SyncedCount int
	Err         error
}

// Dispatcher is a minimal subscriber-list fan-out: no inheritance, just a
// list of callbacks invoked in registration order. Grounded in eventsync's
// watch-channel style of notification delivery, collapsed to direct
// callbacks. The engine publishes from several goroutines (the read loop,
// the reconnect loop, and callers of its API); each publish runs the
// callbacks on the publishing goroutine, so callbacks may run concurrently.
type Dispatcher struct {
	mu   sync.Mutex
	subs []func(Event)
}

// Subscribe registers fn to receive every future event.
func (d *Dispatcher) Subscribe(fn func(Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subs = append(d.subs, fn)
}

func (d *Dispatcher) publish(e Event) {
	d.mu.Lock()
	subs := make([]func(Event), len(d.subs))
	copy(subs, d.subs)
	d.mu.Unlock()

	for _, fn := range subs {
		fn(e)
	}
}
