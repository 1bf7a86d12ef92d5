package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("principal is not a member of this scope")
)
