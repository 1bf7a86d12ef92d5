package router

import "errors"

var (
	ErrNilEvent      = errors.New("event cannot be nil")
	ErrScopeMismatch = errors.New("event scope does not match room")
)
