package access

import (
	"fmt"

	"teamsync/pkg/interfaces"
)

// ErrNotMember is returned when a principal is not allowed into a scope.
var ErrNotMember = fmt.Errorf("%w", interfaces.ErrForbidden)
