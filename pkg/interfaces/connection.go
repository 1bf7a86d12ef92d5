package interfaces

import "teamsync/pkg/types"

// Connection is the server-side view of one authenticated session.
// ARCHITECTURAL DISCOVERY: Rooms and routing only depend on this interface,
// never on the websocket implementation.
type Connection interface {
	// ID returns the session id assigned at handshake.
	ID() string

	// PrincipalID returns the authenticated principal.
	PrincipalID() string

	// State returns the transport state.
	State() types.ConnectionState

	// SendRaw enqueues an already-encoded frame. It never blocks; a full
	// queue is reported as an error and the connection is closed.
	SendRaw(data []byte) error

	// SendFrame encodes and enqueues a single frame.
	SendFrame(frame *types.Frame) error
}
