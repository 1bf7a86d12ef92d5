package client

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"teamsync/internal/backoff"
	"teamsync/pkg/interfaces"
	"teamsync/pkg/types"
)

// Connector opens sessions, at most one live session per device.
type Connector struct {
	dialer interfaces.Dialer
	cfg    Config
	logger *zap.Logger
	sleep  backoff.SleepFunc

	group    singleflight.Group
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewConnector creates a connector over dialer.
func NewConnector(dialer interfaces.Dialer, cfg Config, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		dialer:   dialer,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "connector")),
		sleep:    backoff.Sleep,
		sessions: make(map[string]*Session),
	}
}

// Open establishes an authenticated session for creds.DeviceID. Calling
// Open again for the same device while a session is live, or while an
// open is in flight, returns the same handle.
func (c *Connector) Open(ctx context.Context, creds types.Credentials) (*Session, error) {
	if creds.DeviceID == "" {
		return nil, ErrMissingDeviceID
	}
	if s := c.live(creds.DeviceID); s != nil {
		return s, nil
	}

	v, err, _ := c.group.Do(creds.DeviceID, func() (interface{}, error) {
		if s := c.live(creds.DeviceID); s != nil {
			return s, nil
		}

		s := newSession(creds, c.dialer, c.cfg, c.sleep, c.logger)
		l, err := s.dial(ctx)
		if err != nil {
			s.cancel()
			return nil, err
		}
		s.onDone = c.forget

		c.mu.Lock()
		c.sessions[creds.DeviceID] = s
		c.mu.Unlock()

		go s.supervise(l)
		c.logger.Info("session opened", zap.String("device_id", creds.DeviceID))
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (c *Connector) live(deviceID string) *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.sessions[deviceID]
	if s == nil || s.terminal() {
		return nil
	}
	return s
}

func (c *Connector) forget(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessions[s.DeviceID()] == s {
		delete(c.sessions, s.DeviceID())
	}
}

// Sessions returns the number of live sessions.
func (c *Connector) Sessions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sessions)
}
