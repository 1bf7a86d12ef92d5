package types

import (
	"errors"
	"fmt"
)

// ARCHITECTURAL DISCOVERY: The five taxonomy errors are the only errors that
// cross component boundaries; every component wraps them with %w.
var (
	ErrAuthRejected       = errors.New("authentication rejected")
	ErrTransportFailure   = errors.New("transport failure")
	ErrValidationFailure  = errors.New("validation failure")
	ErrMutationRejected   = errors.New("mutation rejected")
	ErrRehydrationFailure = errors.New("rehydration failure")
)

// ErrReconnectExhausted is terminal: the caller must re-authenticate.
var ErrReconnectExhausted = fmt.Errorf("reconnect attempts exhausted: %w", ErrTransportFailure)

// Validation errors
var (
	ErrInvalidScope       = fmt.Errorf("%w: scope must be 1-64 characters, alphanumeric + underscore/hyphen", ErrValidationFailure)
	ErrInvalidEntityID    = fmt.Errorf("%w: entity id must be 1-64 characters", ErrValidationFailure)
	ErrInvalidEntityType  = fmt.Errorf("%w: unknown entity type", ErrValidationFailure)
	ErrInvalidEventKind   = fmt.Errorf("%w: unknown event kind", ErrValidationFailure)
	ErrMissingToken       = fmt.Errorf("%w: identity token is required", ErrValidationFailure)
	ErrInvalidChangeOp    = fmt.Errorf("%w: change op must be create, update or delete", ErrValidationFailure)
	ErrPayloadTooLarge    = fmt.Errorf("%w: payload exceeds 64KB limit", ErrValidationFailure)
	ErrInvalidStatus      = fmt.Errorf("%w: status must be at most 32 characters", ErrValidationFailure)
	ErrMissingEntityField = fmt.Errorf("%w: entity events require entity id and type", ErrValidationFailure)
)

// RejectionError carries the storage layer's reason for refusing a write.
type RejectionError struct {
	Reason string
}

func (e *RejectionError) Error() string {
	return "mutation rejected: " + e.Reason
}

// Unwrap makes errors.Is(err, ErrMutationRejected) hold.
func (e *RejectionError) Unwrap() error {
	return ErrMutationRejected
}

// Reject builds a RejectionError with a formatted reason.
func Reject(format string, args ...interface{}) error {
	return &RejectionError{Reason: fmt.Sprintf(format, args...)}
}
