package rooms

import "errors"

var (
	ErrNilMember = errors.New("member cannot be nil")
	ErrNotOpen   = errors.New("member connection is not open")
)
