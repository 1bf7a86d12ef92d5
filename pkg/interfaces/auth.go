package interfaces

import (
	"context"

	"teamsync/pkg/types"
)

// AuthVerifier validates bearer tokens. Token issuance is not part of this
// repository; implementations only verify.
type AuthVerifier interface {
	// Verify returns the principal behind token or an error wrapping
	// types.ErrAuthRejected for unknown, revoked or expired tokens.
	Verify(ctx context.Context, token string) (*types.Principal, error)
}

// ScopeAuthorizer decides whether a principal may see a scope.
type ScopeAuthorizer interface {
	// Authorize returns ErrForbidden when principalID may not join scope.
	Authorize(ctx context.Context, scope, principalID string) error
}
