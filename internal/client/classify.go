package client

import (
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"teamsync/pkg/interfaces"
	"teamsync/pkg/types"
)

// Action is what a session does after its transport ends.
type Action int

const (
	// ActionStop ends the session cleanly.
	ActionStop Action = iota
	// ActionBackoff reconnects on the exponential schedule.
	ActionBackoff
	// ActionImmediate reconnects once right away, then falls back to backoff.
	ActionImmediate
	// ActionTerminal ends the session with an error.
	ActionTerminal
)

func (a Action) String() string {
	switch a {
	case ActionStop:
		return "stop"
	case ActionBackoff:
		return "backoff"
	case ActionImmediate:
		return "immediate"
	case ActionTerminal:
		return "terminal"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the outcome of classifying a disconnect.
type Decision struct {
	Action Action
	Err    error
}

// Classify decides how to react to a transport close. clientInitiated is
// true when the session itself asked for the close.
func Classify(ev interfaces.CloseEvent, clientInitiated bool) Decision {
	if clientInitiated {
		return Decision{Action: ActionStop}
	}
	if errors.Is(ev.Err, ErrHeartbeatTimeout) {
		return Decision{Action: ActionBackoff, Err: ev.Err}
	}

	switch ev.Code {
	case types.CloseAuthRevoked:
		return Decision{
			Action: ActionTerminal,
			Err:    fmt.Errorf("%w: server closed session: %s", types.ErrAuthRejected, ev.Reason),
		}
	case types.CloseSessionSuperseded:
		// The newer session owns the device now; reconnecting would evict it in turn.
		return Decision{
			Action: ActionTerminal,
			Err:    fmt.Errorf("%w: %s", ErrSessionSuperseded, ev.Reason),
		}
	case websocket.CloseGoingAway, websocket.CloseServiceRestart:
		return Decision{Action: ActionImmediate}
	}

	cause := "abnormal close"
	if ev.Err != nil {
		cause = ev.Err.Error()
	} else if ev.Code != 0 {
		cause = fmt.Sprintf("close code %d", ev.Code)
	}
	return Decision{Action: ActionBackoff, Err: fmt.Errorf("%w: %s", types.ErrTransportFailure, cause)}
}
