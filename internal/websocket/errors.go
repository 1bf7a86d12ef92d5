package websocket

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendQueueFull    = errors.New("send queue full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Manager-related errors
var (
	ErrNilPrincipal    = errors.New("principal cannot be nil")
	ErrUnknownSession  = errors.New("unknown session")
	ErrMissingDeviceID = errors.New("device id is required")
)
