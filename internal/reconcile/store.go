package reconcile

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"teamsync/internal/backoff"
	"teamsync/internal/events"
	"teamsync/pkg/interfaces"
	"teamsync/pkg/types"
)

// Config tunes a Store.
type Config struct {
	// MaxPendingAge is how long an unresolved optimistic op survives a rehydrate.
	MaxPendingAge time.Duration
	// MutateTimeout bounds each backend write.
	MutateTimeout time.Duration
	// Rehydrate is the retry schedule for bulk fetches.
	Rehydrate     backoff.Policy
	QueueSize     int
	MaxTombstones int
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		MaxPendingAge: 30 * time.Second,
		MutateTimeout: 15 * time.Second,
		Rehydrate: backoff.Policy{
			Base:        500 * time.Millisecond,
			Multiplier:  2,
			Max:         5 * time.Second,
			MaxAttempts: 3,
		},
		QueueSize:     256,
		MaxTombstones: 1000,
	}
}

// Store is the reconciliation layer for one scope.
// ARCHITECTURAL DISCOVERY: All state below the queue is owned by one
// goroutine. The snapshot is always the confirmed base with every pending op
// replayed on top, so confirming, rejecting or merging an external event is
// undo-the-stack, change-the-base, redo-the-stack.
type Store struct {
	scope   string
	backend interfaces.SnapshotStore
	cfg     Config
	logger  *zap.Logger
	now     func() time.Time
	sleep   backoff.SleepFunc

	queue     chan func()
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	flight singleflight.Group

	// owned by the loop
	snap       *Snapshot
	ops        []*pendingOp
	buffered   map[string][]events.Event
	tombstones map[string]int64
	tombOrder  []string

	degraded atomic.Bool
	changes  chan struct{}
}

// NewStore creates a store for scope and starts its loop.
func NewStore(scope string, backend interfaces.SnapshotStore, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		scope:      scope,
		backend:    backend,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "reconcile"), zap.String("scope", scope)),
		now:        time.Now,
		sleep:      backoff.Sleep,
		queue:      make(chan func(), cfg.QueueSize),
		shutdown:   make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		snap:       NewSnapshot(scope),
		buffered:   make(map[string][]events.Event),
		tombstones: make(map[string]int64),
		changes:    make(chan struct{}, 1),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

// Scope returns the scope this store reconciles.
func (s *Store) Scope() string {
	return s.scope
}

func (s *Store) loop() {
	defer s.wg.Done()
	for {
		select {
		case fn := <-s.queue:
			fn()
		case <-s.shutdown:
			return
		}
	}
}

// exec runs fn on the loop and waits for it.
func (s *Store) exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	op := func() {
		defer close(done)
		fn()
	}
	select {
	case s.queue <- op:
	case <-s.shutdown:
		return ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-s.shutdown:
		return ErrStoreClosed
	}
}

// post queues fn without waiting; used by backend callbacks.
func (s *Store) post(fn func()) {
	select {
	case s.queue <- fn:
	case <-s.shutdown:
	}
}

// Close stops the loop. Unresolved operations stay unresolved.
func (s *Store) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		close(s.shutdown)
		s.wg.Wait()
	})
	return nil
}

// Closed is closed once Close was called.
func (s *Store) Closed() <-chan struct{} {
	return s.shutdown
}

// Changes fires after the snapshot changed. Bursts coalesce.
func (s *Store) Changes() <-chan struct{} {
	return s.changes
}

func (s *Store) notify() {
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

// Degraded reports whether the last rehydration failed and the snapshot may be stale.
func (s *Store) Degraded() bool {
	return s.degraded.Load()
}

// Snapshot returns a copy of the current snapshot.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	var out *Snapshot
	err := s.exec(ctx, func() { out = s.snap.Clone() })
	return out, err
}

// PendingCount returns the number of unresolved optimistic ops.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.exec(ctx, func() { n = len(s.ops) })
	return n, err
}

// ApplyOptimistic applies change locally right away and submits it to the
// backend. The returned handle resolves when the backend answers.
func (s *Store) ApplyOptimistic(ctx context.Context, change types.Change) (*Pending, error) {
	var p *Pending
	var perr error
	if err := s.exec(ctx, func() { p, perr = s.propose(change) }); err != nil {
		return nil, err
	}
	return p, perr
}

func (s *Store) propose(change types.Change) (*Pending, error) {
	if change.Op == types.ChangeCreate {
		if change.Scope == "" {
			change.Scope = s.scope
		}
		if change.EntityID == "" {
			change.EntityID = NewProvisionalID()
		}
	}
	if err := change.Validate(); err != nil {
		return nil, err
	}
	if change.Op == types.ChangeCreate {
		if change.Scope != s.scope {
			return nil, ErrScopeMismatch
		}
		if _, exists := s.snap.entities[change.EntityID]; exists {
			return nil, ErrIDInUse
		}
	}

	m, err := forward(s.snap, change)
	if err != nil {
		return nil, err
	}

	op := &pendingOp{
		id:        uuid.NewString(),
		entityID:  change.EntityID,
		change:    change,
		state:     OpProposed,
		createdAt: s.now(),
	}
	op.handle = newPending(op.id, op.entityID)
	if change.Op != types.ChangeCreate {
		op.waitFor = s.unconfirmedCreate(op.entityID)
	}
	if change.Op == types.ChangeDelete {
		for _, earlier := range s.opsOn(op.entityID) {
			earlier.superseded = true
			earlier.handle.markSuperseded()
		}
	}

	op.inverse = m.Apply(s.snap)
	s.ops = append(s.ops, op)
	s.notify()

	s.logger.Debug("optimistic op proposed",
		zap.String("op_id", op.id),
		zap.String("op", string(change.Op)),
		zap.String("entity_id", op.entityID))

	if op.waitFor == nil {
		s.send(op)
	}
	return op.handle, nil
}

func (s *Store) unconfirmedCreate(entityID string) *pendingOp {
	for _, op := range s.ops {
		if op.entityID == entityID && op.change.Op == types.ChangeCreate {
			return op
		}
	}
	return nil
}

func (s *Store) opsOn(entityID string) []*pendingOp {
	var out []*pendingOp
	for _, op := range s.ops {
		if op.entityID == entityID {
			out = append(out, op)
		}
	}
	return out
}

func (s *Store) hasPending(entityID string) bool {
	for _, op := range s.ops {
		if op.entityID == entityID {
			return true
		}
	}
	return false
}

// send issues the backend write off the loop; the answer comes back through the queue.
func (s *Store) send(op *pendingOp) {
	op.sent = true
	entityID, change := op.entityID, op.change
	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.MutateTimeout)
		entity, err := s.backend.Mutate(ctx, entityID, change)
		cancel()
		s.post(func() { s.resolve(op, entity, err) })
	}()
}

func (s *Store) resolve(op *pendingOp, entity *types.Entity, err error) {
	if op.state != OpProposed {
		// Discarded by a rehydrate while in flight.
		return
	}
	if err == nil && entity == nil {
		err = fmt.Errorf("%w: backend returned no entity", types.ErrTransportFailure)
	}
	if err != nil {
		s.reject(op, err)
	} else {
		s.confirm(op, entity)
	}
	s.notify()
}

// undo rolls the snapshot back to the confirmed base.
func (s *Store) undo() {
	for i := len(s.ops) - 1; i >= 0; i-- {
		s.ops[i].inverse.Apply(s.snap)
	}
}

// redo replays every pending op on the base, recomputing inverses.
func (s *Store) redo() {
	for _, op := range s.ops {
		m, err := forward(s.snap, op.change)
		if err != nil {
			s.logger.Debug("pending op no longer applies",
				zap.String("op_id", op.id),
				zap.String("entity_id", op.entityID),
				zap.Error(err))
			op.inverse = Mutation{Kind: MutationNoop, ID: op.entityID}
			continue
		}
		op.inverse = m.Apply(s.snap)
	}
}

func (s *Store) removeOp(target *pendingOp) {
	for i, op := range s.ops {
		if op == target {
			s.ops = append(s.ops[:i:i], s.ops[i+1:]...)
			return
		}
	}
}

func (s *Store) confirm(op *pendingOp, canonical *types.Entity) {
	s.undo()
	s.removeOp(op)
	op.state = OpConfirmed

	if op.change.Op == types.ChangeCreate && canonical.ID != op.entityID {
		s.rekey(op, canonical.ID)
	}

	switch op.change.Op {
	case types.ChangeDelete:
		s.snap.remove(canonical.ID)
		s.tombstone(canonical.ID, canonical.Version)
	default:
		s.putBase(canonical)
	}

	s.flush(canonical.ID)
	s.redo()

	// Dependents of a create can go out now that the server id is known.
	for _, dep := range s.ops {
		if dep.waitFor == op {
			dep.waitFor = nil
			s.send(dep)
		}
	}

	s.logger.Debug("optimistic op confirmed",
		zap.String("op_id", op.id),
		zap.String("entity_id", canonical.ID),
		zap.Int64("version", canonical.Version),
		zap.Bool("superseded", op.superseded))
	op.handle.resolve(OpConfirmed, canonical.Clone(), nil)
}

// rekey moves later ops and buffered events from a provisional id to the server id.
func (s *Store) rekey(create *pendingOp, serverID string) {
	for _, dep := range s.ops {
		if dep.entityID == create.entityID {
			dep.entityID = serverID
			dep.change.EntityID = serverID
		}
	}
	if buf, ok := s.buffered[create.entityID]; ok {
		s.buffered[serverID] = append(s.buffered[serverID], buf...)
		delete(s.buffered, create.entityID)
	}
}

func (s *Store) reject(op *pendingOp, cause error) {
	s.undo()
	s.removeOp(op)
	op.state = OpRejected
	op.handle.setState(OpRejected)

	if op.change.Op == types.ChangeCreate {
		for _, dep := range s.opsOn(op.entityID) {
			if dep.waitFor == op {
				s.removeOp(dep)
				dep.state = OpRolledBack
				dep.handle.resolve(OpRolledBack, nil, ErrCreateRejected)
			}
		}
	}

	s.flush(op.entityID)
	s.redo()

	op.state = OpRolledBack
	s.logger.Info("optimistic op rolled back",
		zap.String("op_id", op.id),
		zap.String("entity_id", op.entityID),
		zap.Error(cause))
	op.handle.resolve(OpRolledBack, nil, cause)
}

// ApplyEvent merges one external event. Its signature matches events.Handler
// so it can be subscribed directly.
func (s *Store) ApplyEvent(ctx context.Context, ev events.Event) error {
	if ev.Header().Scope != s.scope {
		return nil
	}
	return s.exec(ctx, func() { s.merge(ev) })
}

func (s *Store) merge(ev events.Event) {
	var id string
	switch e := ev.(type) {
	case events.EntityChanged:
		id = e.Entity.ID
	case events.EntityDeleted:
		id = e.EntityID
	default:
		return
	}

	if s.hasPending(id) {
		s.buffered[id] = append(s.buffered[id], ev)
		s.logger.Debug("event buffered behind pending op",
			zap.String("entity_id", id),
			zap.String("token", ev.Header().IdentityToken))
		return
	}

	s.undo()
	changed := s.applyBase(ev)
	s.redo()
	if changed {
		s.notify()
	}
}

// flush applies events buffered for id once no op on it is pending.
// Must run between undo and redo.
func (s *Store) flush(id string) {
	if s.hasPending(id) {
		return
	}
	buf := s.buffered[id]
	delete(s.buffered, id)
	for _, ev := range buf {
		s.applyBase(ev)
	}
}

// applyBase merges an external event into the confirmed base with
// last-write-wins on the server version.
func (s *Store) applyBase(ev events.Event) bool {
	switch e := ev.(type) {
	case events.EntityChanged:
		return s.putBase(e.Entity)

	case events.EntityDeleted:
		if current, ok := s.snap.entities[e.EntityID]; ok && current.Version > e.Version {
			return false
		}
		s.tombstone(e.EntityID, e.Version)
		_, _, removed := s.snap.remove(e.EntityID)
		return removed
	}
	return false
}

func (s *Store) putBase(e *types.Entity) bool {
	if v, dead := s.tombstones[e.ID]; dead && e.Version <= v {
		return false
	}
	if current, ok := s.snap.entities[e.ID]; ok && current.Version >= e.Version {
		return false
	}
	if e.DeletedAt != nil {
		s.tombstone(e.ID, e.Version)
		_, _, removed := s.snap.remove(e.ID)
		return removed
	}
	s.snap.put(e, -1)
	return true
}

func (s *Store) tombstone(id string, version int64) {
	if v, ok := s.tombstones[id]; ok {
		if version > v {
			s.tombstones[id] = version
		}
		return
	}
	s.tombstones[id] = version
	s.tombOrder = append(s.tombOrder, id)
	if s.cfg.MaxTombstones > 0 && len(s.tombOrder) > s.cfg.MaxTombstones {
		delete(s.tombstones, s.tombOrder[0])
		s.tombOrder = s.tombOrder[1:]
	}
}

// Rehydrate replaces the snapshot with a fresh bulk fetch. Concurrent calls
// share one fetch, which runs under the store's lifetime; ctx only bounds how
// long this caller waits for it. On failure the snapshot is kept, marked
// degraded, and the error wraps types.ErrRehydrationFailure.
func (s *Store) Rehydrate(ctx context.Context) error {
	ch := s.flight.DoChan("rehydrate", func() (interface{}, error) {
		return nil, s.rehydrate(s.ctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) rehydrate(ctx context.Context) error {
	var wire *types.Snapshot
	err := backoff.Retry(ctx, s.cfg.Rehydrate, s.sleep, func(ctx context.Context) error {
		var ferr error
		wire, ferr = s.backend.FetchSnapshot(ctx, s.scope)
		if ferr != nil {
			s.logger.Warn("snapshot fetch failed", zap.Error(ferr))
		}
		return ferr
	})
	if err != nil {
		s.degraded.Store(true)
		return fmt.Errorf("%w: %v", types.ErrRehydrationFailure, err)
	}
	if wire.Scope != "" && wire.Scope != s.scope {
		s.degraded.Store(true)
		return fmt.Errorf("%w: snapshot for scope %q", types.ErrRehydrationFailure, wire.Scope)
	}
	wire.Scope = s.scope

	if err := s.exec(ctx, func() { s.install(wire) }); err != nil {
		return err
	}
	s.degraded.Store(false)
	return nil
}

func (s *Store) install(wire *types.Snapshot) {
	fresh := FromWire(wire)
	now := s.now()

	var kept []*pendingOp
	discarded := make(map[*pendingOp]bool)
	for _, op := range s.ops {
		stale := now.Sub(op.createdAt) > s.cfg.MaxPendingAge
		if op.waitFor != nil && discarded[op.waitFor] {
			stale = true
		}
		if stale {
			discarded[op] = true
			op.state = OpRolledBack
			op.handle.resolve(OpRolledBack, nil, ErrOpDiscarded)
			continue
		}
		kept = append(kept, op)
	}

	s.snap = fresh
	s.ops = kept
	for id := range s.buffered {
		if !s.hasPending(id) {
			delete(s.buffered, id)
		}
	}
	s.redo()
	s.notify()

	s.logger.Info("snapshot rehydrated",
		zap.Int("entities", fresh.Len()),
		zap.Int("pending_kept", len(kept)),
		zap.Int("pending_discarded", len(discarded)))
}
