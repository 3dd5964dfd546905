package server

import (
	"sync"

	"go.uber.org/zap"

	"docsync/protocol"
)

// Sender is anything a registered connection can push envelopes through.
// *wsconn.Conn satisfies this; tests use a fake.
type Sender interface {
	Send(t protocol.Type, payload interface{}) error
}

// Registry tracks live connections keyed userID -> clientID -> Sender, so a
// change made by one of a user's clients can be broadcast to that user's
// other clients (spec §4.2/§9) without touching anyone else's documents.
// The shape is eventsync's SyncServiceImpl.clients map re-keyed from
// documentID to userID, since sharing here is per-user rather than
// per-document.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]map[string]Sender
	logger  *zap.Logger
}

// NewRegistry builds an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		clients: make(map[string]map[string]Sender),
		logger:  logger,
	}
}

// Register adds a connection under userID/clientID, replacing any previous
// connection registered for the same pair.
func (r *Registry) Register(userID, clientID string, conn Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.clients[userID]; !ok {
		r.clients[userID] = make(map[string]Sender)
	}
	r.clients[userID][clientID] = conn
	r.logger.Debug("client registered", zap.String("user_id", userID), zap.String("client_id", clientID))
}

// Unregister removes a connection. It is safe to call even if the
// connection was never registered or was already replaced.
func (r *Registry) Unregister(userID, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if peers, ok := r.clients[userID]; ok {
		delete(peers, clientID)
		if len(peers) == 0 {
			delete(r.clients, userID)
		}
	}
	r.logger.Debug("client unregistered", zap.String("user_id", userID), zap.String("client_id", clientID))
}

// BroadcastExcept sends a message to every other client belonging to
// userID, skipping excludeClientID (the connection that caused the event,
// which already has the result from its own request/response exchange).
// A send failure to one peer is logged and does not stop delivery to the
// rest (eventsync.BroadcastEvent's behavior).
func (r *Registry) BroadcastExcept(userID, excludeClientID string, t protocol.Type, payload interface{}) {
	r.mu.RLock()
	peers := r.clients[userID]
	targets := make([]Sender, 0, len(peers))
	ids := make([]string, 0, len(peers))
	for clientID, conn := range peers {
		if clientID == excludeClientID {
			continue
		}
		targets = append(targets, conn)
		ids = append(ids, clientID)
	}
	r.mu.RUnlock()

	for i, conn := range targets {
		if err := conn.Send(t, payload); err != nil {
			r.logger.Warn("failed to deliver broadcast",
				zap.String("user_id", userID),
				zap.String("client_id", ids[i]),
				zap.String("type", string(t)),
				zap.Error(err))
		}
	}
}

// ConnectionCount returns the number of live connections for userID, used
// in tests and diagnostics.
func (r *Registry) ConnectionCount(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients[userID])
}

// TotalConnections returns the number of live connections across every
// user, for operational reporting (spec §8).
func (r *Registry) TotalConnections() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	total := 0
	for _, peers := range r.clients {
		total += len(peers)
	}
	return total
}
