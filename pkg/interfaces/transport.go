package interfaces

import (
	"context"

	"teamsync/pkg/types"
)

// CloseEvent describes why a client transport ended.
type CloseEvent struct {
	// Code is the websocket close code, 0 when the socket died without one.
	Code   int
	Reason string
	// Err is the underlying read error, nil for an orderly close frame.
	Err error
}

// TransportHandlers receive everything a transport reads. OnClose is called
// exactly once per transport.
type TransportHandlers struct {
	OnMessage func(data []byte)
	OnClose   func(ev CloseEvent)
}

// Transport is the client half of the persistent bidirectional channel. It
// offers at-least-once delivery while connected and nothing across a
// reconnect boundary.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	// Close performs a clean client-initiated close.
	Close() error
}

// Dialer opens transports. A rejected handshake returns an error wrapping
// types.ErrAuthRejected; any other failure wraps types.ErrTransportFailure.
type Dialer interface {
	Dial(ctx context.Context, creds types.Credentials, handlers TransportHandlers) (Transport, error)
}
