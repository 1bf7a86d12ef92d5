package client

import (
	"errors"
	"fmt"

	"teamsync/pkg/types"
)

// Client session errors
var (
	ErrSessionClosed     = errors.New("session closed")
	ErrNotConnected      = fmt.Errorf("%w: not connected", types.ErrTransportFailure)
	ErrMissingDeviceID   = fmt.Errorf("%w: device id is required", types.ErrValidationFailure)
	ErrHeartbeatTimeout  = fmt.Errorf("%w: no inbound traffic within heartbeat timeout", types.ErrTransportFailure)
	// ErrSessionSuperseded ends a session whose device opened a newer session elsewhere.
	ErrSessionSuperseded = errors.New("session superseded by a newer connection from the same device")
)
