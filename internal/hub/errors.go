package hub

import "errors"

var (
	ErrHubAlreadyRunning  = errors.New("hub is already running")
	ErrHubNotRunning      = errors.New("hub is not running")
	ErrMessageChannelFull = errors.New("message channel is full")
	ErrInvalidFrame       = errors.New("invalid frame")
	ErrUnknownFrameType   = errors.New("unknown frame type")
	ErrNotInRoom          = errors.New("not a member of this room")
	ErrRateLimitExceeded  = errors.New("rate limit exceeded: 100 signals per minute")
)
