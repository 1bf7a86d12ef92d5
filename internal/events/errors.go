package events

import (
	"errors"
	"fmt"

	"teamsync/pkg/types"
)

// Dispatcher drop reasons
var (
	ErrDuplicateEvent = errors.New("duplicate identity token")
	ErrOtherScope     = errors.New("event for inactive scope")
	ErrMissingEvent   = fmt.Errorf("%w: event frame without event", types.ErrValidationFailure)
	ErrBadPayload     = fmt.Errorf("%w: payload does not match event kind", types.ErrValidationFailure)
)
