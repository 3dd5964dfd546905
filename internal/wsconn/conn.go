// Package wsconn provides a mutex-guarded send/receive wrapper around a
// gorilla/websocket connection, shared by the client transport and the
// server's per-connection handler.
package wsconn

import (
	"fmt"
	"sync"

	"github.com/gorilla/websocket"

	"docsync/protocol"
)

// Conn wraps a *websocket.Conn with a write mutex (websocket connections do
// not support concurrent writers) and typed envelope helpers.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// New wraps an established websocket connection.
func New(ws *websocket.Conn) *Conn {
	return &Conn{ws: ws}
}

// Send encodes and writes a single typed message.
func (c *Conn) Send(t protocol.Type, payload interface{}) error {
	raw, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// Receive blocks for the next frame and decodes its envelope.
func (c *Conn) Receive() (protocol.Envelope, error) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return protocol.Envelope{}, fmt.Errorf("read message: %w", err)
	}
	return protocol.Decode(raw)
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.ws.Close()
}

// IsUnexpectedClose reports whether err represents an abnormal close
// that should be logged rather than treated as routine shutdown.
func IsUnexpectedClose(err error) bool {
	return websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure)
}
