package client

import (
	"context"
	"fmt"

	"github.com/gorilla/websocket"

	"docsync/internal/wsconn"
)

// dial opens a websocket connection to serverURL. Broken out as a variable
// so tests can substitute an in-process transport.
var dial = func(ctx context.Context, serverURL string) (*wsconn.Conn, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", serverURL, err)
	}
	return wsconn.New(ws), nil
}
