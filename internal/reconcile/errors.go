package reconcile

import (
	"errors"
	"fmt"

	"teamsync/pkg/types"
)

// Store errors
var (
	ErrStoreClosed    = errors.New("reconciliation store closed")
	ErrScopeMismatch  = fmt.Errorf("%w: change targets another scope", types.ErrValidationFailure)
	ErrIDInUse        = fmt.Errorf("%w: entity id already in snapshot", types.ErrValidationFailure)
	ErrOpDiscarded    = fmt.Errorf("%w: pending operation outlived rehydration", types.ErrRehydrationFailure)
	ErrCreateRejected = fmt.Errorf("%w: the entity's creation was rejected", types.ErrMutationRejected)
)
