package client

import (
	"sync"
	"time"

	"docsync/model"
	"docsync/protocol"
)

// guardState is the upload-protection state machine (spec §4.1 Protection
// Window, collapsed per spec §9's suggestion from separate
// protected-flag/pending-map/deferred-queue fields into one state type).
type guardState int

const (
	stateIdle guardState = iota
	stateUploadingProtected
	stateUploadingUnprotected
	stateDraining
)

const deferredQueueCapacity = 100

type pendingUpload struct {
	op     model.OperationKind
	sentAt time.Time
}

// uploadGuard tracks in-flight uploads and defers inbound SyncDocument
// messages that would otherwise race a client's own about-to-be-confirmed
// mutation (spec §4.1 Protection Window).
type uploadGuard struct {
	mu       sync.Mutex
	state    guardState
	pending  map[string]pendingUpload
	deferred []protocol.SyncDocument
}

func newUploadGuard() *uploadGuard {
	return &uploadGuard{pending: make(map[string]pendingUpload)}
}

// startHandshake enters UploadingProtected: every inbound SyncDocument is
// deferred regardless of which document it names (spec: "when protection
// mode is on, any inbound SyncDocument is appended to the deferred queue").
func (g *uploadGuard) startHandshake() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = stateUploadingProtected
}

// endHandshake transitions to Draining; the caller drains the deferred
// queue and then calls finishDraining.
func (g *uploadGuard) endHandshake() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = stateDraining
}

func (g *uploadGuard) finishDraining() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.pending) == 0 {
		g.state = stateIdle
	} else {
		g.state = stateUploadingUnprotected
	}
}

// trackUpload records an in-flight upload for documentID. Outside a
// handshake this alone is enough to defer inbound messages naming the same
// document (spec: "when protection mode is off but the specific document
// has an entry in PendingUploads, the message is still deferred for that
// document only").
func (g *uploadGuard) trackUpload(documentID string, op model.OperationKind) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending[documentID] = pendingUpload{op: op, sentAt: time.Now()}
	if g.state == stateIdle {
		g.state = stateUploadingUnprotected
	}
}

// confirmUpload clears a document's in-flight upload. Returns true if no
// uploads remain pending at all.
func (g *uploadGuard) confirmUpload(documentID string) (drained bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.pending, documentID)
	if len(g.pending) == 0 {
		if g.state == stateUploadingUnprotected {
			g.state = stateIdle
		}
		return true
	}
	return false
}

// resetStale discards every tracked pending upload, used on reconnect when
// prior in-flight sends are now meaningless (spec §4.1 reconnection: "clear
// stale PendingUploads").
func (g *uploadGuard) resetStale() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pending = make(map[string]pendingUpload)
	g.state = stateIdle
}

func (g *uploadGuard) pendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// shouldDefer reports whether an inbound SyncDocument for documentID must
// be queued rather than applied immediately.
func (g *uploadGuard) shouldDefer(documentID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == stateUploadingProtected {
		return true
	}
	_, inFlight := g.pending[documentID]
	return inFlight
}

// enqueueDeferred appends to the bounded, drop-oldest deferred queue.
func (g *uploadGuard) enqueueDeferred(doc protocol.SyncDocument) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.deferred) >= deferredQueueCapacity {
		g.deferred = g.deferred[1:]
	}
	g.deferred = append(g.deferred, doc)
}

// drainDeferred removes and returns every queued message in FIFO order.
func (g *uploadGuard) drainDeferred() []protocol.SyncDocument {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := g.deferred
	g.deferred = nil
	return out
}
