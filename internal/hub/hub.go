// Package hub processes inbound client frames: room joins and leaves,
// ephemeral signals and application pings.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"teamsync/internal/rooms"
	"teamsync/internal/router"
	"teamsync/internal/websocket"
	"teamsync/pkg/interfaces"
	"teamsync/pkg/types"
)

// Lanes is the default number of processing goroutines.
const Lanes = 16

// laneBuffer bounds each lane's queue.
const laneBuffer = 256

// Hub coordinates inbound frame processing.
// ARCHITECTURAL DISCOVERY: Frames are spread over lanes by connection id, one
// goroutine per lane. A connection always lands on the same lane so its frame
// order is kept, and a slow membership load only holds up its own lane.
type Hub struct {
	lanes           []chan *FrameContext
	shutdownChannel chan struct{}

	rooms       *rooms.Registry
	router      *router.Router
	access      interfaces.ScopeAuthorizer
	rateLimiter *RateLimiter
	logger      *zap.Logger

	running bool
	mu      sync.RWMutex
}

// FrameContext wraps an inbound frame with its sender.
type FrameContext struct {
	Frame      *types.Frame
	Conn       interfaces.Connection
	ReceivedAt time.Time
}

// NewHub creates a new hub
func NewHub(registry *rooms.Registry, r *router.Router, access interfaces.ScopeAuthorizer, limiter *RateLimiter, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if limiter == nil {
		limiter = NewRateLimiter(100, time.Minute)
	}
	lanes := make([]chan *FrameContext, Lanes)
	for i := range lanes {
		lanes[i] = make(chan *FrameContext, laneBuffer)
	}
	return &Hub{
		lanes:           lanes,
		shutdownChannel: make(chan struct{}),
		rooms:           registry,
		router:          r,
		access:          access,
		rateLimiter:     limiter,
		logger:          logger.With(zap.String("component", "hub")),
	}
}

// Start begins hub processing
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return ErrHubAlreadyRunning
	}
	h.running = true
	h.mu.Unlock()

	h.logger.Info("starting hub", zap.Int("lanes", len(h.lanes)))
	for _, lane := range h.lanes {
		go h.run(ctx, lane)
	}
	go h.cleanupLoop(ctx)
	return nil
}

// Stop gracefully shuts down the hub
func (h *Hub) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return ErrHubNotRunning
	}
	h.running = false

	// TECHNICAL DISCOVERY: Safe channel close using select to prevent panic
	select {
	case <-h.shutdownChannel:
	default:
		close(h.shutdownChannel)
	}
	return nil
}

// Submit implements websocket.InboundSink.
func (h *Hub) Submit(conn *websocket.Connection, data []byte) error {
	return h.enqueue(conn, data)
}

func (h *Hub) enqueue(conn interfaces.Connection, data []byte) error {
	h.mu.RLock()
	if !h.running {
		h.mu.RUnlock()
		return ErrHubNotRunning
	}
	h.mu.RUnlock()

	var frame types.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}

	// TECHNICAL DISCOVERY: Non-blocking send with error handling prevents hub lockup
	select {
	case h.lanes[h.laneOf(conn.ID())] <- &FrameContext{Frame: &frame, Conn: conn, ReceivedAt: time.Now()}:
		return nil
	default:
		return ErrMessageChannelFull
	}
}

func (h *Hub) laneOf(connID string) int {
	f := fnv.New32a()
	_, _ = f.Write([]byte(connID))
	return int(f.Sum32() % uint32(len(h.lanes)))
}

func (h *Hub) run(ctx context.Context, lane <-chan *FrameContext) {
	for {
		select {
		case fc := <-lane:
			h.handleFrame(ctx, fc)

		case <-h.shutdownChannel:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) cleanupLoop(ctx context.Context) {
	defer h.logger.Info("hub processing stopped")

	cleanup := time.NewTicker(time.Minute)
	defer cleanup.Stop()

	for {
		select {
		case <-cleanup.C:
			if n := h.rateLimiter.Cleanup(); n > 0 {
				h.logger.Debug("rate limiter cleanup", zap.Int("removed", n))
			}

		case <-h.shutdownChannel:
			return

		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) handleFrame(ctx context.Context, fc *FrameContext) {
	conn := fc.Conn
	if conn.State() != types.StateOpen {
		return
	}

	var err error
	switch fc.Frame.Type {
	case types.FrameJoin:
		err = h.handleJoin(ctx, conn, fc.Frame.Scope)
	case types.FrameLeave:
		h.rooms.Leave(conn.ID(), fc.Frame.Scope)
		err = conn.SendFrame(&types.Frame{Type: types.FrameLeft, Scope: fc.Frame.Scope})
	case types.FrameSignal:
		err = h.handleSignal(ctx, conn, fc.Frame)
	case types.FramePing:
		err = conn.SendFrame(&types.Frame{Type: types.FramePong, Data: fc.Frame.Data})
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownFrameType, fc.Frame.Type)
	}

	if err != nil {
		h.logger.Debug("inbound frame failed",
			zap.String("conn_id", conn.ID()),
			zap.String("type", string(fc.Frame.Type)),
			zap.Error(err))
		h.sendError(conn, fc.Frame.Scope, err)
	}
}

func (h *Hub) handleJoin(ctx context.Context, conn interfaces.Connection, scope string) error {
	if !types.IsValidScope(scope) {
		return types.ErrInvalidScope
	}
	if err := h.access.Authorize(ctx, scope, conn.PrincipalID()); err != nil {
		return err
	}

	res, err := h.rooms.Join(conn, scope)
	if err != nil {
		return err
	}
	return conn.SendFrame(&types.Frame{
		Type:        types.FrameJoined,
		Scope:       res.Room,
		MemberCount: res.MemberCount,
	})
}

func (h *Hub) handleSignal(ctx context.Context, conn interfaces.Connection, frame *types.Frame) error {
	if frame.Signal == nil || frame.Signal.Name == "" {
		return fmt.Errorf("%w: signal name is required", ErrInvalidFrame)
	}
	if !h.isMember(conn.ID(), frame.Scope) {
		return ErrNotInRoom
	}
	if !h.rateLimiter.Allow(conn.ID()) {
		return ErrRateLimitExceeded
	}

	signal := types.SignalPayload{
		Name: frame.Signal.Name,
		From: conn.PrincipalID(),
		Data: frame.Signal.Data,
	}
	event, err := types.NewSignalEvent(frame.Scope, signal, conn.ID())
	if err != nil {
		return err
	}
	_, err = h.router.Publish(ctx, frame.Scope, event, conn.ID())
	return err
}

func (h *Hub) isMember(connID, scope string) bool {
	for _, key := range h.rooms.RoomsOf(connID) {
		if key == scope {
			return true
		}
	}
	return false
}

func (h *Hub) sendError(conn interfaces.Connection, scope string, cause error) {
	msg := cause.Error()
	if errors.Is(cause, interfaces.ErrForbidden) {
		msg = interfaces.ErrForbidden.Error()
	}
	if err := conn.SendFrame(&types.Frame{Type: types.FrameError, Scope: scope, Error: msg}); err != nil {
		h.logger.Debug("failed to send error frame", zap.String("conn_id", conn.ID()), zap.Error(err))
	}
}
