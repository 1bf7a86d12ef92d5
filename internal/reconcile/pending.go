package reconcile

import (
	"context"
	"sync"
	"time"

	"teamsync/pkg/types"
)

// OpState is the lifecycle of one optimistic operation.
type OpState string

const (
	OpProposed   OpState = "proposed"
	OpConfirmed  OpState = "confirmed"
	OpRejected   OpState = "rejected"
	OpRolledBack OpState = "rolled_back"
)

// pendingOp is one optimistic mutation awaiting the server.
type pendingOp struct {
	id        string
	entityID  string
	change    types.Change
	inverse   Mutation
	state     OpState
	createdAt time.Time
	// superseded is set when a later local delete targets the same entity.
	superseded bool
	sent       bool
	// waitFor is the unconfirmed create this op's target depends on.
	waitFor *pendingOp
	handle  *Pending
}

// Pending is the caller's handle on an optimistic operation.
type Pending struct {
	OpID string
	// EntityID is the target as issued; provisional for creates.
	EntityID string

	done chan struct{}

	mu         sync.Mutex
	state      OpState
	superseded bool
	entity     *types.Entity
	err        error
}

func newPending(opID, entityID string) *Pending {
	return &Pending{OpID: opID, EntityID: entityID, state: OpProposed, done: make(chan struct{})}
}

// Done is closed once the operation is confirmed or rolled back.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the operation resolves and returns the canonical entity
// or the reason it was rolled back.
func (p *Pending) Wait(ctx context.Context) (*types.Entity, error) {
	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.entity, p.err
}

// State returns the operation's current state.
func (p *Pending) State() OpState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Superseded reports whether a later local delete overrode this operation.
func (p *Pending) Superseded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.superseded
}

// Err returns the rollback reason once resolved.
func (p *Pending) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *Pending) markSuperseded() {
	p.mu.Lock()
	p.superseded = true
	p.mu.Unlock()
}

func (p *Pending) setState(state OpState) {
	p.mu.Lock()
	p.state = state
	p.mu.Unlock()
}

func (p *Pending) resolve(state OpState, entity *types.Entity, err error) {
	p.mu.Lock()
	p.state = state
	p.entity = entity
	p.err = err
	p.mu.Unlock()
	close(p.done)
}
