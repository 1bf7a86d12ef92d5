// Package client is the client half of the connection manager: it opens
// authenticated sessions, keeps them alive and reconnects after failures.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"teamsync/internal/backoff"
	"teamsync/pkg/interfaces"
	"teamsync/pkg/types"
)

// Config tunes client sessions.
type Config struct {
	// PingInterval is how often an application ping is sent.
	PingInterval time.Duration
	// InboundTimeout closes the transport when nothing was read for this long.
	InboundTimeout time.Duration
	Backoff        backoff.Policy
}

// DefaultConfig returns the client defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:   30 * time.Second,
		InboundTimeout: 75 * time.Second,
		Backoff:        backoff.DefaultPolicy(),
	}
}

// Session is one logical client session. It survives transport drops by
// reconnecting; it ends on a clean Close, an auth revocation or once
// reconnect attempts are exhausted.
type Session struct {
	creds  types.Credentials
	dialer interfaces.Dialer
	cfg    Config
	logger *zap.Logger
	sleep  backoff.SleepFunc
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	status      types.ConnectionStatus
	transport   interfaces.Transport
	sessionID   string
	rooms       map[string]struct{}
	closing     bool
	lastInbound time.Time
	handler     func(data []byte)
	err         error

	statusCh    chan types.ConnectionStatus
	reconnected chan struct{}
	done        chan struct{}
	onDone      func(*Session)
}

// link is one dialed transport and the channel its close is reported on.
type link struct {
	transport interfaces.Transport
	closed    chan interfaces.CloseEvent
}

func newSession(creds types.Credentials, dialer interfaces.Dialer, cfg Config, sleep backoff.SleepFunc, logger *zap.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		creds:       creds,
		dialer:      dialer,
		cfg:         cfg,
		logger:      logger.With(zap.String("device_id", creds.DeviceID)),
		sleep:       sleep,
		now:         time.Now,
		ctx:         ctx,
		cancel:      cancel,
		status:      types.StatusConnecting,
		rooms:       make(map[string]struct{}),
		statusCh:    make(chan types.ConnectionStatus, 16),
		reconnected: make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
}

// Status returns the current connection status.
func (s *Session) Status() types.ConnectionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// StatusChanges reports status transitions. Slow readers miss intermediate values.
func (s *Session) StatusChanges() <-chan types.ConnectionStatus {
	return s.statusCh
}

// Reconnected fires after every successful reconnect; consumers rehydrate on it.
func (s *Session) Reconnected() <-chan struct{} {
	return s.reconnected
}

// Done is closed once the session is terminal.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns why the session ended: nil for a clean close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// SessionID returns the server-assigned id from the latest welcome frame.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// DeviceID returns the device this session was opened for.
func (s *Session) DeviceID() string {
	return s.creds.DeviceID
}

// Rooms returns the scopes the session is joined to, sorted.
func (s *Session) Rooms() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.roomList()
}

func (s *Session) roomList() []string {
	out := make([]string, 0, len(s.rooms))
	for key := range s.rooms {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// OnMessage installs the handler for every inbound frame.
func (s *Session) OnMessage(fn func(data []byte)) {
	s.mu.Lock()
	s.handler = fn
	s.mu.Unlock()
}

// LastInbound returns when the session last read anything from the server.
func (s *Session) LastInbound() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInbound
}

func (s *Session) terminal() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Join subscribes to a scope's room. The membership is remembered and
// restored after every reconnect; while disconnected Join only records it.
func (s *Session) Join(ctx context.Context, scope string) error {
	if !types.IsValidScope(scope) {
		return types.ErrInvalidScope
	}
	if s.terminal() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	s.rooms[scope] = struct{}{}
	open := s.status == types.StatusOpen
	s.mu.Unlock()

	if !open {
		return nil
	}
	return s.Send(ctx, &types.Frame{Type: types.FrameJoin, Scope: scope})
}

// Leave unsubscribes from a scope's room.
func (s *Session) Leave(ctx context.Context, scope string) error {
	if s.terminal() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	_, had := s.rooms[scope]
	delete(s.rooms, scope)
	open := s.status == types.StatusOpen
	s.mu.Unlock()

	if !had || !open {
		return nil
	}
	return s.Send(ctx, &types.Frame{Type: types.FrameLeave, Scope: scope})
}

// Signal relays an ephemeral signal (typing indicator etc) to a joined room.
func (s *Session) Signal(ctx context.Context, scope, name string, data interface{}) error {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("%w: encode signal: %v", types.ErrValidationFailure, err)
		}
		raw = b
	}
	return s.Send(ctx, &types.Frame{
		Type:   types.FrameSignal,
		Scope:  scope,
		Signal: &types.SignalPayload{Name: name, Data: raw},
	})
}

// Send encodes and writes one frame on the current transport.
func (s *Session) Send(ctx context.Context, frame *types.Frame) error {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = s.now().UTC()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("%w: encode frame: %v", types.ErrValidationFailure, err)
	}

	s.mu.Lock()
	t := s.transport
	s.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.Send(ctx, data)
}

// Close performs a clean client-initiated close and waits until the session
// is terminal. No reconnection follows.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closing = true
	t := s.transport
	s.mu.Unlock()

	if t != nil {
		_ = t.Close()
	}
	s.cancel()
	<-s.done
	return nil
}

func (s *Session) setStatus(status types.ConnectionStatus) {
	s.mu.Lock()
	if s.status == status {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()

	select {
	case s.statusCh <- status:
	default:
	}
	s.logger.Debug("session status changed", zap.String("status", string(status)))
}

func (s *Session) receive(data []byte) {
	var head struct {
		Type      types.FrameType `json:"type"`
		SessionID string          `json:"session_id"`
	}
	_ = json.Unmarshal(data, &head)

	s.mu.Lock()
	s.lastInbound = s.now()
	if head.Type == types.FrameWelcome && head.SessionID != "" {
		s.sessionID = head.SessionID
	}
	handler := s.handler
	s.mu.Unlock()

	if handler != nil {
		handler(data)
	}
}

// dial opens a transport, marks the session open and restores room memberships.
func (s *Session) dial(ctx context.Context) (*link, error) {
	closed := make(chan interfaces.CloseEvent, 1)
	t, err := s.dialer.Dial(ctx, s.creds, interfaces.TransportHandlers{
		OnMessage: s.receive,
		OnClose: func(ev interfaces.CloseEvent) {
			select {
			case closed <- ev:
			default:
			}
		},
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.transport = t
	s.lastInbound = s.now()
	closing := s.closing
	rooms := s.roomList()
	s.mu.Unlock()

	if closing {
		// Close raced the handshake; the close event ends the session.
		_ = t.Close()
		return &link{transport: t, closed: closed}, nil
	}

	s.setStatus(types.StatusOpen)
	for _, scope := range rooms {
		if err := s.Send(ctx, &types.Frame{Type: types.FrameJoin, Scope: scope}); err != nil {
			s.logger.Warn("failed to rejoin room", zap.String("scope", scope), zap.Error(err))
		}
	}
	return &link{transport: t, closed: closed}, nil
}

// supervise owns the session after the first successful dial.
func (s *Session) supervise(l *link) {
	for {
		ev, clientInitiated := s.watch(l)
		decision := Classify(ev, clientInitiated)
		s.logger.Info("transport closed",
			zap.Int("code", ev.Code),
			zap.String("reason", ev.Reason),
			zap.Stringer("action", decision.Action))

		switch decision.Action {
		case ActionStop:
			s.finish(nil)
			return
		case ActionTerminal:
			s.finish(decision.Err)
			return
		}

		s.setStatus(types.StatusReconnecting)
		next, err := s.reconnect(decision.Action == ActionImmediate)
		if err != nil {
			if s.ctx.Err() != nil {
				err = nil
			}
			s.finish(err)
			return
		}
		l = next

		select {
		case s.reconnected <- struct{}{}:
		default:
		}
	}
}

// watch pings while the transport is up and returns its close event.
func (s *Session) watch(l *link) (interfaces.CloseEvent, bool) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()

	timedOut := false
	for {
		select {
		case ev := <-l.closed:
			s.mu.Lock()
			if s.transport == l.transport {
				s.transport = nil
			}
			clientInitiated := s.closing && !timedOut
			s.mu.Unlock()
			if timedOut {
				ev.Err = ErrHeartbeatTimeout
			}
			return ev, clientInitiated

		case <-ticker.C:
			if timedOut {
				continue
			}
			if s.now().Sub(s.LastInbound()) > s.cfg.InboundTimeout {
				s.logger.Warn("heartbeat timeout, closing transport")
				timedOut = true
				go func() { _ = l.transport.Close() }()
				continue
			}
			if err := s.Send(s.ctx, &types.Frame{Type: types.FramePing}); err != nil {
				s.logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

// reconnect dials until it succeeds, the policy is exhausted, the
// credentials are refused or the session is closed.
func (s *Session) reconnect(immediate bool) (*link, error) {
	if immediate {
		l, err := s.dial(s.ctx)
		if err == nil {
			return l, nil
		}
		if errors.Is(err, types.ErrAuthRejected) || s.ctx.Err() != nil {
			return nil, err
		}
		s.logger.Info("immediate reconnect failed", zap.Error(err))
	}

	policy := s.cfg.Backoff
	var lastErr error
	for attempt := 1; !policy.Exhausted(attempt); attempt++ {
		delay := policy.Delay(attempt)
		s.logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		if err := s.sleep(s.ctx, delay); err != nil {
			return nil, err
		}

		l, err := s.dial(s.ctx)
		if err == nil {
			s.logger.Info("reconnected", zap.Int("attempt", attempt))
			return l, nil
		}
		if errors.Is(err, types.ErrAuthRejected) || s.ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", types.ErrReconnectExhausted, policy.MaxAttempts, lastErr)
}

func (s *Session) finish(err error) {
	s.mu.Lock()
	s.err = err
	s.transport = nil
	s.mu.Unlock()

	s.setStatus(types.StatusClosed)
	s.cancel()
	if s.onDone != nil {
		s.onDone(s)
	}
	close(s.done)

	if err != nil {
		s.logger.Warn("session ended", zap.Error(err))
	} else {
		s.logger.Info("session closed")
	}
}
