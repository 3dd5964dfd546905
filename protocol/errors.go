package protocol

import "errors"

// ErrNotAuthenticated is returned by server.AppState.HandleConnection when
// a connection's first frame is anything other than Authenticate.
var ErrNotAuthenticated = errors.New("authenticate must precede any other message")

// ErrUnknownType is returned when an envelope's Type has no registered
// handler.
var ErrUnknownType = errors.New("unknown message type")
