package interfaces

import (
	"context"
	"time"

	"teamsync/pkg/types"
)

// SnapshotStore is the storage/query collaborator as seen by the sync core.
// The server's database manager and the client's REST client both implement it.
type SnapshotStore interface {
	// FetchSnapshot returns every live entity of scope and its orderings.
	FetchSnapshot(ctx context.Context, scope string) (*types.Snapshot, error)

	// Mutate applies change to entityID and returns the canonical entity.
	// Refusals wrap types.ErrMutationRejected.
	Mutate(ctx context.Context, entityID string, change types.Change) (*types.Entity, error)
}

// TokenRecord is a stored credential as read by the auth verifier.
type TokenRecord struct {
	PrincipalID string
	DeviceID    string
	ExpiresAt   *time.Time
	Revoked     bool
}

// DatabaseManager handles all server-side persistence.
// ARCHITECTURAL DISCOVERY: Single interface for all persistence operations
// enables consistent transaction handling and connection management
type DatabaseManager interface {
	SnapshotStore

	// GetEntity returns a live or soft-deleted entity by id.
	GetEntity(ctx context.Context, entityID string) (*types.Entity, error)

	// LookupToken returns the record for a sha256 token hash or ErrNotFound.
	LookupToken(ctx context.Context, tokenHash string) (*TokenRecord, error)

	// ListScopeMembers returns the principal ids allowed into scope.
	ListScopeMembers(ctx context.Context, scope string) ([]string, error)

	// HealthCheck verifies database connectivity and basic operations
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources
	Close() error
}
