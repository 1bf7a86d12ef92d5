// Package events is the client-side event dispatcher: it validates room
// frames once at ingress, drops duplicates and fans typed events out to
// subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"teamsync/pkg/types"
)

// Handler consumes one typed event. Errors are reported, never retried.
type Handler func(ctx context.Context, ev Event) error

type subscription struct {
	id      uint64
	handler Handler
}

// Dispatcher routes inbound frames to subscribers.
type Dispatcher struct {
	seen   *SeenSet
	logger *zap.Logger

	mu          sync.RWMutex
	handlers    map[types.EventKind][]subscription
	nextID      uint64
	activeScope string
	onPresence  func(PresenceChanged)
	onControl   func(*types.Frame)
	onError     func(ev Event, err error)

	delivered  atomic.Int64
	duplicates atomic.Int64
	dropped    atomic.Int64
	failures   atomic.Int64
}

// NewDispatcher creates a dispatcher with a dedup window of capacity tokens.
func NewDispatcher(capacity int, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		seen:     NewSeenSet(capacity),
		logger:   logger.With(zap.String("component", "dispatcher")),
		handlers: make(map[types.EventKind][]subscription),
	}
}

// Subscribe registers handler for kind and returns its unsubscribe func.
func (d *Dispatcher) Subscribe(kind types.EventKind, handler Handler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.handlers[kind] = append(d.handlers[kind], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			subs := d.handlers[kind]
			for i, s := range subs {
				if s.id == id {
					d.handlers[kind] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// SetActiveScope restricts delivery to one scope; "" accepts every scope.
func (d *Dispatcher) SetActiveScope(scope string) {
	d.mu.Lock()
	d.activeScope = scope
	d.mu.Unlock()
}

// ActiveScope returns the scope filter.
func (d *Dispatcher) ActiveScope() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.activeScope
}

// OnPresence installs the presence surface.
func (d *Dispatcher) OnPresence(fn func(PresenceChanged)) {
	d.mu.Lock()
	d.onPresence = fn
	d.mu.Unlock()
}

// OnControl installs the hook for non-event frames (welcome, joined, left, pong, error).
func (d *Dispatcher) OnControl(fn func(*types.Frame)) {
	d.mu.Lock()
	d.onControl = fn
	d.mu.Unlock()
}

// OnHandlerError installs the hook that receives handler failures.
func (d *Dispatcher) OnHandlerError(fn func(ev Event, err error)) {
	d.mu.Lock()
	d.onError = fn
	d.mu.Unlock()
}

// Deliver processes one raw inbound frame. It returns nil when the frame was
// handed to subscribers or to the control hook, and the drop reason otherwise.
func (d *Dispatcher) Deliver(ctx context.Context, raw []byte) error {
	var frame types.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return d.drop(fmt.Errorf("%w: malformed frame: %v", types.ErrValidationFailure, err), nil)
	}

	if frame.Type != types.FrameEvent {
		d.mu.RLock()
		hook := d.onControl
		d.mu.RUnlock()
		if hook != nil {
			hook(&frame)
		}
		return nil
	}

	if frame.Event == nil {
		return d.drop(ErrMissingEvent, nil)
	}
	if err := frame.Event.Validate(); err != nil {
		return d.drop(err, frame.Event)
	}

	d.mu.RLock()
	active := d.activeScope
	d.mu.RUnlock()
	if active != "" && frame.Event.Scope != active {
		d.dropped.Add(1)
		return ErrOtherScope
	}

	ev, err := Decode(frame.Event, frame.Seq)
	if err != nil {
		return d.drop(err, frame.Event)
	}

	if !d.seen.Add(frame.Event.IdentityToken) {
		d.duplicates.Add(1)
		d.logger.Debug("duplicate event dropped",
			zap.String("token", frame.Event.IdentityToken),
			zap.String("kind", string(frame.Event.Kind)))
		return ErrDuplicateEvent
	}

	d.dispatch(ctx, ev)
	d.delivered.Add(1)
	return nil
}

func (d *Dispatcher) drop(err error, ev *types.DomainEvent) error {
	d.dropped.Add(1)
	fields := []zap.Field{zap.Error(err)}
	if ev != nil {
		fields = append(fields,
			zap.String("kind", string(ev.Kind)),
			zap.String("scope", ev.Scope),
			zap.String("token", ev.IdentityToken))
	}
	d.logger.Warn("invalid event dropped", fields...)
	return err
}

func (d *Dispatcher) dispatch(ctx context.Context, ev Event) {
	kind := ev.Header().Kind

	d.mu.RLock()
	subs := append([]subscription(nil), d.handlers[kind]...)
	presence := d.onPresence
	d.mu.RUnlock()

	if p, ok := ev.(PresenceChanged); ok && presence != nil {
		presence(p)
	}
	for _, s := range subs {
		if err := d.invoke(ctx, s.handler, ev); err != nil {
			d.failures.Add(1)
			d.report(ev, err)
		}
	}
}

// invoke isolates one handler so a panic or error never reaches the others.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}

func (d *Dispatcher) report(ev Event, err error) {
	d.mu.RLock()
	hook := d.onError
	d.mu.RUnlock()

	meta := ev.Header()
	d.logger.Error("event handler failed",
		zap.String("kind", string(meta.Kind)),
		zap.String("token", meta.IdentityToken),
		zap.Error(err))
	if hook != nil {
		hook(ev, err)
	}
}

// GetStats returns dispatcher counters.
func (d *Dispatcher) GetStats() map[string]int64 {
	return map[string]int64{
		"delivered":        d.delivered.Load(),
		"duplicates":       d.duplicates.Load(),
		"dropped":          d.dropped.Load(),
		"handler_failures": d.failures.Load(),
		"seen_tokens":      int64(d.seen.Len()),
	}
}
