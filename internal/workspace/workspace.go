// Package workspace wires one client session, its event dispatcher and a
// reconciliation store for the scope the user is looking at.
package workspace

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"teamsync/internal/client"
	"teamsync/internal/events"
	"teamsync/internal/reconcile"
	"teamsync/pkg/interfaces"
	"teamsync/pkg/types"
)

// ErrNoScope is returned before Enter was called.
var ErrNoScope = errors.New("workspace has no active scope")

// Config tunes a Workspace.
type Config struct {
	SeenCapacity int
	Reconcile    reconcile.Config
}

// DefaultConfig returns workspace defaults.
func DefaultConfig() Config {
	return Config{
		SeenCapacity: events.DefaultSeenCapacity,
		Reconcile:    reconcile.DefaultConfig(),
	}
}

// Workspace is the client-side view of one scope at a time.
type Workspace struct {
	session    *client.Session
	dispatcher *events.Dispatcher
	backend    interfaces.SnapshotStore
	cfg        Config
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	scope   string
	store   *reconcile.Store
	unsub   []func()
	changes chan struct{}

	presence atomic.Int64
	signals  chan events.Signal
}

// New attaches a workspace to session. backend serves snapshots and mutations.
func New(session *client.Session, backend interfaces.SnapshotStore, cfg Config, logger *zap.Logger) *Workspace {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Workspace{
		session:    session,
		dispatcher: events.NewDispatcher(cfg.SeenCapacity, logger),
		backend:    backend,
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "workspace")),
		ctx:        ctx,
		cancel:     cancel,
		changes:    make(chan struct{}, 1),
		signals:    make(chan events.Signal, 32),
	}

	w.dispatcher.OnPresence(func(p events.PresenceChanged) {
		if p.Scope == w.Scope() {
			w.presence.Store(int64(p.MemberCount))
			w.notify()
		}
	})
	w.dispatcher.OnControl(func(f *types.Frame) {
		switch f.Type {
		case types.FrameJoined:
			if f.Scope == w.Scope() {
				w.presence.Store(int64(f.MemberCount))
				w.notify()
			}
		case types.FrameError:
			w.logger.Warn("server reported error", zap.String("scope", f.Scope), zap.String("error", f.Error))
		}
	})
	w.dispatcher.Subscribe(types.EventEphemeralSignal, func(ctx context.Context, ev events.Event) error {
		select {
		case w.signals <- ev.(events.Signal):
		default:
		}
		return nil
	})
	session.OnMessage(func(data []byte) {
		_ = w.dispatcher.Deliver(w.ctx, data)
	})

	w.wg.Add(1)
	go w.watch()
	return w
}

// watch rehydrates after every reconnect; events missed while offline are
// never replayed.
func (w *Workspace) watch() {
	defer w.wg.Done()
	for {
		select {
		case <-w.session.Reconnected():
			if err := w.Rehydrate(w.ctx); err != nil && !errors.Is(err, ErrNoScope) && !errors.Is(err, context.Canceled) {
				w.logger.Warn("rehydrate after reconnect failed", zap.Error(err))
			}
		case <-w.session.Done():
			return
		case <-w.ctx.Done():
			return
		}
	}
}

// Dispatcher exposes the workspace's dispatcher for extra subscriptions.
func (w *Workspace) Dispatcher() *events.Dispatcher {
	return w.dispatcher
}

// Scope returns the active scope.
func (w *Workspace) Scope() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.scope
}

// Presence returns the last member count seen for the active scope.
func (w *Workspace) Presence() int {
	return int(w.presence.Load())
}

// Signals delivers ephemeral signals for the active scope. Slow readers miss some.
func (w *Workspace) Signals() <-chan events.Signal {
	return w.signals
}

// Changes fires whenever the board or presence changed.
func (w *Workspace) Changes() <-chan struct{} {
	return w.changes
}

func (w *Workspace) notify() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}

func (w *Workspace) current() (*reconcile.Store, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.store == nil {
		return nil, ErrNoScope
	}
	return w.store, nil
}

// Enter switches the workspace to scope: it leaves the previous room, joins
// the new one and loads its snapshot. A failed load leaves the workspace in
// the scope with a degraded, empty board.
func (w *Workspace) Enter(ctx context.Context, scope string) error {
	if !types.IsValidScope(scope) {
		return types.ErrInvalidScope
	}
	w.leave(ctx)

	store := reconcile.NewStore(scope, w.backend, w.cfg.Reconcile, w.logger)
	unsub := []func(){
		w.dispatcher.Subscribe(types.EventEntityCreated, store.ApplyEvent),
		w.dispatcher.Subscribe(types.EventEntityUpdated, store.ApplyEvent),
		w.dispatcher.Subscribe(types.EventEntityDeleted, store.ApplyEvent),
	}

	w.mu.Lock()
	w.scope = scope
	w.store = store
	w.unsub = unsub
	w.mu.Unlock()
	w.presence.Store(0)
	w.dispatcher.SetActiveScope(scope)

	w.wg.Add(1)
	go w.forward(store)

	if err := w.session.Join(ctx, scope); err != nil {
		return fmt.Errorf("join %s: %w", scope, err)
	}
	return store.Rehydrate(ctx)
}

// forward relays store changes to the workspace's change channel until the
// store is replaced.
func (w *Workspace) forward(store *reconcile.Store) {
	defer w.wg.Done()
	for {
		select {
		case <-store.Changes():
			w.notify()
		case <-store.Closed():
			return
		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Workspace) leave(ctx context.Context) {
	w.mu.Lock()
	scope, store, unsub := w.scope, w.store, w.unsub
	w.scope, w.store, w.unsub = "", nil, nil
	w.mu.Unlock()

	if store == nil {
		return
	}
	for _, fn := range unsub {
		fn()
	}
	_ = store.Close()
	if err := w.session.Leave(ctx, scope); err != nil {
		w.logger.Debug("leave failed", zap.String("scope", scope), zap.Error(err))
	}
}

// Rehydrate reloads the active scope's snapshot.
func (w *Workspace) Rehydrate(ctx context.Context) error {
	store, err := w.current()
	if err != nil {
		return err
	}
	return store.Rehydrate(ctx)
}

// Apply issues an optimistic mutation against the active scope.
func (w *Workspace) Apply(ctx context.Context, change types.Change) (*reconcile.Pending, error) {
	store, err := w.current()
	if err != nil {
		return nil, err
	}
	return store.ApplyOptimistic(ctx, change)
}

// Board returns a copy of the active scope's snapshot.
func (w *Workspace) Board(ctx context.Context) (*reconcile.Snapshot, error) {
	store, err := w.current()
	if err != nil {
		return nil, err
	}
	return store.Snapshot(ctx)
}

// Degraded reports whether the active board may be stale.
func (w *Workspace) Degraded() bool {
	store, err := w.current()
	return err == nil && store.Degraded()
}

// Close leaves the active scope and detaches from the session. The session
// itself stays open.
func (w *Workspace) Close(ctx context.Context) error {
	w.leave(ctx)
	w.session.OnMessage(nil)
	w.cancel()
	w.wg.Wait()
	return nil
}
