package websocket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teamsync/internal/auth"
	"teamsync/internal/rooms"
	"teamsync/pkg/interfaces"
	"teamsync/pkg/types"
)

// Config tunes connection lifecycle timing.
type Config struct {
	PingInterval     time.Duration
	HeartbeatTimeout time.Duration
	GracePeriod      time.Duration
	SweepInterval    time.Duration
	// ReauthInterval re-verifies live sessions' tokens; 0 disables it.
	ReauthInterval time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		PingInterval:     30 * time.Second,
		HeartbeatTimeout: 75 * time.Second,
		GracePeriod:      30 * time.Second,
		SweepInterval:    5 * time.Second,
		ReauthInterval:   5 * time.Minute,
		WriteTimeout:     5 * time.Second,
		SendBuffer:       100,
	}
}

// Manager owns every server-side session.
// ARCHITECTURAL DISCOVERY: One live session per principal+device; a second
// handshake from the same device replaces the first (connection replacement
// pattern), so a reconnecting client never waits for its stale socket to time out.
type Manager struct {
	verifier interfaces.AuthVerifier
	rooms    *rooms.Registry
	cfg      Config
	logger   *zap.Logger

	mu        sync.RWMutex
	conns     map[string]*Connection // connID -> live connection
	byDevice  map[string]*Connection // principal|device -> live connection
	graveyard map[string]*Connection // connID -> closed connection within grace period
	lastAuth  time.Time
}

// NewManager creates a connection manager.
func NewManager(verifier interfaces.AuthVerifier, registry *rooms.Registry, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		verifier:  verifier,
		rooms:     registry,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "connections")),
		conns:     make(map[string]*Connection),
		byDevice:  make(map[string]*Connection),
		graveyard: make(map[string]*Connection),
		lastAuth:  time.Now(),
	}
}

// Config returns the manager's timing configuration.
func (m *Manager) Config() Config { return m.cfg }

// Authenticate verifies credentials before the socket is upgraded.
func (m *Manager) Authenticate(ctx context.Context, creds types.Credentials) (*types.Principal, error) {
	if creds.DeviceID == "" {
		return nil, fmt.Errorf("%w: %v", types.ErrAuthRejected, ErrMissingDeviceID)
	}
	principal, err := m.verifier.Verify(ctx, creds.Token)
	if err != nil {
		return nil, err
	}
	if err := auth.CheckDevice(principal, creds.DeviceID); err != nil {
		return nil, err
	}
	return &types.Principal{ID: principal.ID, DeviceID: creds.DeviceID}, nil
}

func deviceKey(principalID, deviceID string) string {
	return principalID + "|" + deviceID
}

// Open registers a new session for an authenticated socket and moves it to open.
func (m *Manager) Open(principal *types.Principal, token string, socket *websocket.Conn) (*Connection, error) {
	if principal == nil {
		return nil, ErrNilPrincipal
	}

	c := newConnection(socket, principal, principal.DeviceID, token, m.cfg, m.logger)
	c.onClosed = m.release

	key := deviceKey(principal.ID, principal.DeviceID)
	m.mu.Lock()
	previous := m.byDevice[key]
	m.byDevice[key] = c
	m.conns[c.ID()] = c
	m.mu.Unlock()

	if previous != nil {
		m.logger.Info("superseding session",
			zap.String("old_conn_id", previous.ID()),
			zap.String("new_conn_id", c.ID()),
			zap.String("principal_id", principal.ID))
		// FUNCTIONAL DISCOVERY: Close the old connection asynchronously to avoid
		// holding up the new handshake on a dead socket's close deadline
		go func() { _ = previous.Close(types.CloseSessionSuperseded, "session superseded") }()
	}

	c.start()
	if err := c.SendFrame(&types.Frame{
		Type:        types.FrameWelcome,
		SessionID:   c.ID(),
		PrincipalID: principal.ID,
	}); err != nil {
		return nil, err
	}

	m.logger.Info("session opened",
		zap.String("conn_id", c.ID()),
		zap.String("principal_id", principal.ID),
		zap.String("device_id", principal.DeviceID))
	return c, nil
}

// release is called exactly once per connection after it reaches closed.
func (m *Manager) release(c *Connection) {
	left := m.rooms.LeaveAll(c.ID())

	m.mu.Lock()
	delete(m.conns, c.ID())
	// RACE CONDITION FIX: a superseded connection must not unregister its replacement
	key := deviceKey(c.PrincipalID(), c.DeviceID())
	if cur, ok := m.byDevice[key]; ok && cur == c {
		delete(m.byDevice, key)
	}
	m.graveyard[c.ID()] = c
	m.mu.Unlock()

	m.logger.Info("session closed",
		zap.String("conn_id", c.ID()),
		zap.Int("code", c.CloseCode()),
		zap.Strings("rooms_left", left))
}

// Get returns a live connection by session id.
func (m *Manager) Get(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conns[connID]
	return c, ok
}

// Lookup returns a connection that is live or closed within the grace period.
func (m *Manager) Lookup(connID string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.conns[connID]; ok {
		return c, true
	}
	c, ok := m.graveyard[connID]
	return c, ok
}

// Owner returns the principal of a session that is live or still within its
// grace period.
func (m *Manager) Owner(connID string) (string, bool) {
	c, ok := m.Lookup(connID)
	if !ok {
		return "", false
	}
	return c.PrincipalID(), true
}

func (m *Manager) live() []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Connection, 0, len(m.conns))
	for _, c := range m.conns {
		out = append(out, c)
	}
	return out
}

// Sweep closes connections whose heartbeat is older than HeartbeatTimeout,
// re-verifies tokens when ReauthInterval has elapsed, and forgets closed
// connections past GracePeriod. Returns the number of connections expired.
func (m *Manager) Sweep(ctx context.Context, now time.Time) int {
	expired := 0
	for _, c := range m.live() {
		if now.Sub(c.LastHeartbeat()) > m.cfg.HeartbeatTimeout {
			m.logger.Info("heartbeat timeout", zap.String("conn_id", c.ID()))
			_ = c.Close(websocket.CloseGoingAway, "heartbeat timeout")
			expired++
		}
	}

	if m.cfg.ReauthInterval > 0 && now.Sub(m.lastAuth) >= m.cfg.ReauthInterval {
		m.lastAuth = now
		m.reauthenticate(ctx)
	}

	m.mu.Lock()
	for id, c := range m.graveyard {
		if closedAt, closed := c.closedSince(); closed && now.Sub(closedAt) > m.cfg.GracePeriod {
			delete(m.graveyard, id)
		}
	}
	m.mu.Unlock()

	return expired
}

func (m *Manager) reauthenticate(ctx context.Context) {
	for _, c := range m.live() {
		if _, err := m.verifier.Verify(ctx, c.token); err != nil {
			m.logger.Info("credentials no longer valid", zap.String("conn_id", c.ID()), zap.Error(err))
			_ = c.Close(types.CloseAuthRevoked, "authentication revoked")
		}
	}
}

// Run sweeps on SweepInterval until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			m.Sweep(ctx, now)
		case <-ctx.Done():
			return nil
		}
	}
}

// CloseAll closes every live session; used on shutdown with 1012.
func (m *Manager) CloseAll(code int, reason string) {
	conns := m.live()
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			_ = c.Close(code, reason)
		}(c)
	}
	wg.Wait()
	m.logger.Info("closed all sessions", zap.Int("count", len(conns)), zap.Int("code", code))
}

// GetStats returns connection statistics for monitoring and debugging
func (m *Manager) GetStats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		"open_connections":   len(m.conns),
		"closed_in_grace":    len(m.graveyard),
		"principals_devices": len(m.byDevice),
	}
}
