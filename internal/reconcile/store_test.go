package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamsync/internal/backoff"
	"teamsync/internal/events"
	"teamsync/pkg/types"
)

type mutateReply struct {
	entity *types.Entity
	err    error
}

type mutateCall struct {
	entityID string
	change   types.Change
	reply    chan mutateReply
}

// fakeBackend answers fetches from a fixed snapshot and hands every
// mutation to the test, which decides when and how it resolves.
type fakeBackend struct {
	mu        sync.Mutex
	snapshot  *types.Snapshot
	fetchErr  error
	fetches   int
	// fetchGate, when set, holds every fetch until it is closed.
	fetchGate chan struct{}
	mutations chan *mutateCall
}

func newFakeBackend(snap *types.Snapshot) *fakeBackend {
	return &fakeBackend{snapshot: snap, mutations: make(chan *mutateCall, 16)}
}

func (b *fakeBackend) FetchSnapshot(ctx context.Context, scope string) (*types.Snapshot, error) {
	b.mu.Lock()
	b.fetches++
	gate := b.fetchGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fetchErr != nil {
		return nil, b.fetchErr
	}
	raw, _ := json.Marshal(b.snapshot)
	var out types.Snapshot
	_ = json.Unmarshal(raw, &out)
	return &out, nil
}

func (b *fakeBackend) Mutate(ctx context.Context, entityID string, change types.Change) (*types.Entity, error) {
	call := &mutateCall{entityID: entityID, change: change, reply: make(chan mutateReply, 1)}
	b.mutations <- call
	select {
	case r := <-call.reply:
		return r.entity, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *fakeBackend) next(t *testing.T) *mutateCall {
	t.Helper()
	select {
	case c := <-b.mutations:
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("no backend mutation")
		return nil
	}
}

func (b *fakeBackend) idle(t *testing.T) {
	t.Helper()
	select {
	case c := <-b.mutations:
		t.Fatalf("unexpected backend mutation for %s", c.entityID)
	case <-time.After(50 * time.Millisecond):
	}
}

func (c *mutateCall) confirm(e *types.Entity) { c.reply <- mutateReply{entity: e} }
func (c *mutateCall) fail(err error)         { c.reply <- mutateReply{err: err} }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

func newTestStore(t *testing.T, backend *fakeBackend) (*Store, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s := NewStore("P1", backend, DefaultConfig(), nil)
	s.now = clk.Now
	s.sleep = noSleep
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Rehydrate(context.Background()))
	return s, clk
}

func snapshotOf(t *testing.T, s *Store) *Snapshot {
	t.Helper()
	snap, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.NoError(t, snap.Verify())
	return snap
}

func wait(t *testing.T, p *Pending) (*types.Entity, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return p.Wait(ctx)
}

func strptr(s string) *string { return &s }

func TestStore_OptimisticMoveConfirmed(t *testing.T) {
	backend := newFakeBackend(boardWire())
	s, clk := newTestStore(t, backend)
	ctx := context.Background()

	p, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeUpdate, EntityID: "T1", Status: strptr(types.StatusInProgress)})
	require.NoError(t, err)
	assert.Equal(t, OpProposed, p.State())

	snap := snapshotOf(t, s)
	assert.Equal(t, []string{"T2", "T3"}, snap.Ordering(types.StatusTodo))
	assert.Equal(t, []string{"T1"}, snap.Ordering(types.StatusInProgress))

	call := backend.next(t)
	assert.Equal(t, "T1", call.entityID)
	canonical := task("T1", types.StatusInProgress, 2)
	canonical.UpdatedAt = clk.Now().Add(time.Second)
	call.confirm(canonical)

	got, err := wait(t, p)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, OpConfirmed, p.State())

	snap = snapshotOf(t, s)
	assert.Len(t, snap.Ordering(types.StatusTodo), 2)
	assert.Equal(t, []string{"T1"}, snap.Ordering(types.StatusInProgress))
	t1, _ := snap.Get("T1")
	assert.Equal(t, canonical.UpdatedAt, t1.UpdatedAt)
	n, _ := s.PendingCount(ctx)
	assert.Zero(t, n)
}

func TestStore_OptimisticMoveRejectedRestoresExactState(t *testing.T) {
	backend := newFakeBackend(boardWire())
	s, _ := newTestStore(t, backend)
	ctx := context.Background()
	before := snapshotOf(t, s)

	p, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeUpdate, EntityID: "T1", Status: strptr(types.StatusInProgress)})
	require.NoError(t, err)
	assert.False(t, before.Equal(snapshotOf(t, s)))

	backend.next(t).fail(types.Reject("column is locked"))
	_, err = wait(t, p)
	assert.ErrorIs(t, err, types.ErrMutationRejected)
	assert.Equal(t, OpRolledBack, p.State())

	after := snapshotOf(t, s)
	assert.True(t, before.Equal(after))
	assert.Equal(t, []string{"T1", "T2", "T3"}, after.Ordering(types.StatusTodo))
}

func TestStore_InterleavedRollbacksAreExact(t *testing.T) {
	backend := newFakeBackend(boardWire())
	s, _ := newTestStore(t, backend)
	ctx := context.Background()
	before := snapshotOf(t, s)

	p1, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeUpdate, EntityID: "T1", Status: strptr(types.StatusDone)})
	require.NoError(t, err)
	c1 := backend.next(t)
	p2, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeUpdate, EntityID: "T2", Status: strptr(types.StatusDone)})
	require.NoError(t, err)
	c2 := backend.next(t)

	assert.Equal(t, []string{"T3"}, snapshotOf(t, s).Ordering(types.StatusTodo))

	c1.fail(types.Reject("nope"))
	_, err = wait(t, p1)
	require.Error(t, err)
	assert.Equal(t, []string{"T1", "T3"}, snapshotOf(t, s).Ordering(types.StatusTodo))

	c2.fail(errors.New("connection reset"))
	_, err = wait(t, p2)
	require.Error(t, err)
	assert.True(t, before.Equal(snapshotOf(t, s)))
}

func TestStore_DuplicateIdentityTokenLeavesSnapshotUnchanged(t *testing.T) {
	backend := newFakeBackend(boardWire())
	s, _ := newTestStore(t, backend)
	ctx := context.Background()

	d := events.NewDispatcher(events.DefaultSeenCapacity, nil)
	d.Subscribe(types.EventEntityUpdated, s.ApplyEvent)

	ev, err := types.NewEntityEvent(types.EventEntityUpdated, task("T2", types.StatusDone, 2), "")
	require.NoError(t, err)
	raw, err := json.Marshal(types.Frame{Type: types.FrameEvent, Scope: "P1", Seq: 1, Event: ev})
	require.NoError(t, err)

	require.NoError(t, d.Deliver(ctx, raw))
	first := snapshotOf(t, s)
	assert.Equal(t, []string{"T2"}, first.Ordering(types.StatusDone))

	assert.ErrorIs(t, d.Deliver(ctx, raw), events.ErrDuplicateEvent)
	assert.True(t, first.Equal(snapshotOf(t, s)))
}

func changed(e *types.Entity, kind types.EventKind) events.EntityChanged {
	return events.EntityChanged{
		Meta:   events.Meta{Kind: kind, Scope: e.Scope, IdentityToken: types.EntityToken(kind, e.Scope, e.ID, e.Version)},
		Entity: e,
	}
}

func deleted(id string, version int64) events.EntityDeleted {
	return events.EntityDeleted{
		Meta:     events.Meta{Kind: types.EventEntityDeleted, Scope: "P1", IdentityToken: types.EntityToken(types.EventEntityDeleted, "P1", id, version)},
		EntityID: id,
		Version:  version,
	}
}

func TestStore_ExternalEventsLastWriteWins(t *testing.T) {
	backend := newFakeBackend(boardWire())
	s, _ := newTestStore(t, backend)
	ctx := context.Background()

	require.NoError(t, s.ApplyEvent(ctx, changed(task("T2", types.StatusDone, 3), types.EventEntityUpdated)))
	snap := snapshotOf(t, s)
	assert.Equal(t, []string{"T1", "T3"}, snap.Ordering(types.StatusTodo))
	assert.Equal(t, []string{"T2"}, snap.Ordering(types.StatusDone))

	// Older version arriving late is dropped.
	require.NoError(t, s.ApplyEvent(ctx, changed(task("T2", types.StatusTodo, 2), types.EventEntityUpdated)))
	assert.True(t, snap.Equal(snapshotOf(t, s)))

	require.NoError(t, s.ApplyEvent(ctx, deleted("T3", 2)))
	// A late create echo must not resurrect the deleted id.
	require.NoError(t, s.ApplyEvent(ctx, changed(task("T3", types.StatusTodo, 1), types.EventEntityCreated)))
	snap = snapshotOf(t, s)
	_, ok := snap.Get("T3")
	assert.False(t, ok)
	assert.Equal(t, []string{"T1"}, snap.Ordering(types.StatusTodo))

	require.NoError(t, s.ApplyEvent(ctx, changed(task("T9", types.StatusTodo, 1), types.EventEntityCreated)))
	assert.Equal(t, []string{"T1", "T9"}, snapshotOf(t, s).Ordering(types.StatusTodo))

	other := task("X1", types.StatusTodo, 1)
	other.Scope = "P2"
	require.NoError(t, s.ApplyEvent(ctx, changed(other, types.EventEntityCreated)))
	assert.Equal(t, 3, snapshotOf(t, s).Len())
}

func TestStore_EventBufferedBehindPendingOp(t *testing.T) {
	t.Run("confirmed op outranks older buffered event", func(t *testing.T) {
		backend := newFakeBackend(boardWire())
		s, _ := newTestStore(t, backend)
		ctx := context.Background()

		p, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeUpdate, EntityID: "T1",
			Fields: map[string]interface{}{"title": "Mine"}})
		require.NoError(t, err)
		call := backend.next(t)

		remote := task("T1", types.StatusDone, 2)
		require.NoError(t, s.ApplyEvent(ctx, changed(remote, types.EventEntityUpdated)))

		t1, _ := snapshotOf(t, s).Get("T1")
		assert.Equal(t, "Mine", t1.Fields["title"], "event is held while the op is pending")
		assert.Equal(t, types.StatusTodo, t1.Status)

		canonical := task("T1", types.StatusDone, 3)
		canonical.Fields["title"] = "Mine"
		call.confirm(canonical)
		_, err = wait(t, p)
		require.NoError(t, err)

		t1, _ = snapshotOf(t, s).Get("T1")
		assert.Equal(t, int64(3), t1.Version)
		assert.Equal(t, "Mine", t1.Fields["title"])
	})

	t.Run("rejected op lets buffered event through", func(t *testing.T) {
		backend := newFakeBackend(boardWire())
		s, _ := newTestStore(t, backend)
		ctx := context.Background()

		p, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeUpdate, EntityID: "T1",
			Fields: map[string]interface{}{"title": "Mine"}})
		require.NoError(t, err)
		call := backend.next(t)

		require.NoError(t, s.ApplyEvent(ctx, changed(task("T1", types.StatusDone, 2), types.EventEntityUpdated)))
		call.fail(types.Reject("stale"))
		_, err = wait(t, p)
		require.Error(t, err)

		snap := snapshotOf(t, s)
		t1, _ := snap.Get("T1")
		assert.Equal(t, int64(2), t1.Version)
		assert.Equal(t, "Task T1", t1.Fields["title"])
		assert.Equal(t, []string{"T1"}, snap.Ordering(types.StatusDone))
	})
}

func TestStore_CreateAdoptsServerID(t *testing.T) {
	backend := newFakeBackend(boardWire())
	s, _ := newTestStore(t, backend)
	ctx := context.Background()

	p, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeCreate, EntityType: types.EntityTask,
		Fields: map[string]interface{}{"title": "New"}})
	require.NoError(t, err)
	require.True(t, IsProvisional(p.EntityID))
	assert.Equal(t, []string{"T1", "T2", "T3", p.EntityID}, snapshotOf(t, s).Ordering(types.StatusTodo))

	// Edits made before the create is confirmed wait for the server id.
	upd, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeUpdate, EntityID: p.EntityID,
		Fields: map[string]interface{}{"title": "Renamed"}})
	require.NoError(t, err)

	create := backend.next(t)
	assert.Equal(t, types.ChangeCreate, create.change.Op)
	assert.Equal(t, "P1", create.change.Scope)
	backend.idle(t)

	create.confirm(&types.Entity{ID: "srv-1", Type: types.EntityTask, Scope: "P1", Status: types.StatusTodo,
		Fields: map[string]interface{}{"title": "New"}, Version: 1})
	_, err = wait(t, p)
	require.NoError(t, err)

	snap := snapshotOf(t, s)
	assert.Equal(t, []string{"T1", "T2", "T3", "srv-1"}, snap.Ordering(types.StatusTodo))
	e, ok := snap.Get("srv-1")
	require.True(t, ok)
	assert.Equal(t, "Renamed", e.Fields["title"], "pending edit replays on the confirmed entity")
	_, ok = snap.Get(p.EntityID)
	assert.False(t, ok)

	update := backend.next(t)
	assert.Equal(t, "srv-1", update.entityID)
	assert.Equal(t, "srv-1", update.change.EntityID)
	update.confirm(&types.Entity{ID: "srv-1", Type: types.EntityTask, Scope: "P1", Status: types.StatusTodo,
		Fields: map[string]interface{}{"title": "Renamed"}, Version: 2})
	got, err := wait(t, upd)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
}

func TestStore_RejectedCreateDropsDependents(t *testing.T) {
	backend := newFakeBackend(boardWire())
	s, _ := newTestStore(t, backend)
	ctx := context.Background()
	before := snapshotOf(t, s)

	p, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeCreate, EntityType: types.EntityTask})
	require.NoError(t, err)
	dep, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeDelete, EntityID: p.EntityID})
	require.NoError(t, err)

	backend.next(t).fail(types.Reject("quota exceeded"))
	_, err = wait(t, p)
	assert.ErrorIs(t, err, types.ErrMutationRejected)
	_, err = wait(t, dep)
	assert.ErrorIs(t, err, ErrCreateRejected)
	backend.idle(t)

	assert.True(t, before.Equal(snapshotOf(t, s)))
}

func TestStore_DeleteWins(t *testing.T) {
	backend := newFakeBackend(boardWire())
	s, _ := newTestStore(t, backend)
	ctx := context.Background()

	upd, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeUpdate, EntityID: "T2", Status: strptr(types.StatusDone)})
	require.NoError(t, err)
	updCall := backend.next(t)

	del, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeDelete, EntityID: "T2"})
	require.NoError(t, err)
	delCall := backend.next(t)
	assert.True(t, upd.Superseded())

	_, err = s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeUpdate, EntityID: "T2"})
	assert.ErrorIs(t, err, types.ErrMutationRejected, "deleted locally")

	updCall.confirm(task("T2", types.StatusDone, 2))
	_, err = wait(t, upd)
	require.NoError(t, err)
	_, ok := snapshotOf(t, s).Get("T2")
	assert.False(t, ok, "canonical update must not resurrect a pending delete")

	delCall.confirm(task("T2", types.StatusDone, 3))
	_, err = wait(t, del)
	require.NoError(t, err)

	require.NoError(t, s.ApplyEvent(ctx, changed(task("T2", types.StatusDone, 2), types.EventEntityUpdated)))
	snap := snapshotOf(t, s)
	_, ok = snap.Get("T2")
	assert.False(t, ok)
	assert.Equal(t, []string{"T1", "T3"}, snap.Ordering(types.StatusTodo))
}

func TestStore_ProposeValidation(t *testing.T) {
	backend := newFakeBackend(boardWire())
	s, _ := newTestStore(t, backend)
	ctx := context.Background()

	_, err := s.ApplyOptimistic(ctx, types.Change{Op: "archive", EntityID: "T1"})
	assert.ErrorIs(t, err, types.ErrValidationFailure)

	_, err = s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeCreate, EntityType: types.EntityTask, Scope: "P2"})
	assert.ErrorIs(t, err, ErrScopeMismatch)

	_, err = s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeCreate, EntityID: "T1", EntityType: types.EntityTask})
	assert.ErrorIs(t, err, ErrIDInUse)

	_, err = s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeUpdate, EntityID: "missing"})
	assert.ErrorIs(t, err, types.ErrMutationRejected)

	backend.idle(t)
}

func TestStore_RehydrateFailureKeepsSnapshotAndDegrades(t *testing.T) {
	backend := newFakeBackend(boardWire())
	s, _ := newTestStore(t, backend)
	before := snapshotOf(t, s)

	backend.mu.Lock()
	backend.fetchErr = errors.New("503 service unavailable")
	backend.fetches = 0
	backend.mu.Unlock()

	err := s.Rehydrate(context.Background())
	assert.ErrorIs(t, err, types.ErrRehydrationFailure)
	assert.True(t, s.Degraded())
	assert.True(t, before.Equal(snapshotOf(t, s)))

	backend.mu.Lock()
	assert.Equal(t, 1+DefaultConfig().Rehydrate.MaxAttempts, backend.fetches)
	backend.fetchErr = nil
	backend.mu.Unlock()

	require.NoError(t, s.Rehydrate(context.Background()))
	assert.False(t, s.Degraded())
}

func TestStore_RehydrateOutlivesCancelledCaller(t *testing.T) {
	backend := newFakeBackend(boardWire())
	s, _ := newTestStore(t, backend)

	gate := make(chan struct{})
	backend.mu.Lock()
	backend.fetchGate = gate
	backend.fetches = 0
	backend.snapshot = &types.Snapshot{
		Scope:     "P1",
		Entities:  []*types.Entity{task("T1", "DONE", 2), task("T2", "TODO", 1), task("T3", "TODO", 1)},
		Orderings: map[string][]string{"TODO": {"T2", "T3"}, "DONE": {"T1"}},
	}
	backend.mu.Unlock()

	impatient, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() { first <- s.Rehydrate(impatient) }()
	require.Eventually(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return backend.fetches == 1
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-first, context.Canceled)

	// The shared fetch outlives the caller that started it.
	close(gate)
	require.Eventually(t, func() bool {
		return len(snapshotOf(t, s).Ordering(types.StatusDone)) == 1
	}, time.Second, time.Millisecond)
	assert.False(t, s.Degraded())

	backend.mu.Lock()
	assert.Equal(t, 1, backend.fetches)
	backend.mu.Unlock()
}

func TestStore_RehydrateDiscardsStalePendingOps(t *testing.T) {
	backend := newFakeBackend(boardWire())
	s, clk := newTestStore(t, backend)
	ctx := context.Background()

	old, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeUpdate, EntityID: "T1", Status: strptr(types.StatusDone)})
	require.NoError(t, err)
	oldCall := backend.next(t)

	clk.Advance(DefaultConfig().MaxPendingAge + time.Second)
	young, err := s.ApplyOptimistic(ctx, types.Change{Op: types.ChangeUpdate, EntityID: "T3", Status: strptr(types.StatusInProgress)})
	require.NoError(t, err)
	youngCall := backend.next(t)

	// Someone else moved T2 while we were away.
	backend.mu.Lock()
	backend.snapshot = &types.Snapshot{
		Scope:     "P1",
		Entities:  []*types.Entity{task("T1", "TODO", 1), task("T2", "DONE", 4), task("T3", "TODO", 1)},
		Orderings: map[string][]string{"TODO": {"T1", "T3"}, "DONE": {"T2"}},
	}
	backend.mu.Unlock()

	require.NoError(t, s.Rehydrate(ctx))

	_, err = wait(t, old)
	assert.ErrorIs(t, err, ErrOpDiscarded)
	assert.ErrorIs(t, err, types.ErrRehydrationFailure)

	snap := snapshotOf(t, s)
	assert.Equal(t, []string{"T1"}, snap.Ordering(types.StatusTodo))
	assert.Equal(t, []string{"T2"}, snap.Ordering(types.StatusDone))
	assert.Equal(t, []string{"T3"}, snap.Ordering(types.StatusInProgress), "young op replays on the fresh snapshot")

	// A late answer for the discarded op is ignored.
	oldCall.confirm(task("T1", types.StatusDone, 2))
	youngCall.confirm(task("T3", types.StatusInProgress, 2))
	_, err = wait(t, young)
	require.NoError(t, err)

	snap = snapshotOf(t, s)
	assert.Equal(t, []string{"T1"}, snap.Ordering(types.StatusTodo))
	n, _ := s.PendingCount(ctx)
	assert.Zero(t, n)
}

func TestStore_ChangesAndClose(t *testing.T) {
	backend := newFakeBackend(boardWire())
	s := NewStore("P1", backend, DefaultConfig(), nil)
	s.sleep = backoff.Sleep

	require.NoError(t, s.Rehydrate(context.Background()))
	select {
	case <-s.Changes():
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err := s.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrStoreClosed)
	_, err = s.ApplyOptimistic(context.Background(), types.Change{Op: types.ChangeDelete, EntityID: "T1"})
	assert.ErrorIs(t, err, ErrStoreClosed)
}
