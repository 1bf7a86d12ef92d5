package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teamsync/pkg/types"
)

// Connection implements interfaces.Connection over a gorilla socket.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized to prevent race conditions;
// every data frame goes through writeCh and the single writeLoop.
type Connection struct {
	conn        *websocket.Conn
	id          string
	principalID string
	deviceID    string
	token       string

	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
	onClosed     func(*Connection)
	logger       *zap.Logger

	mu            sync.RWMutex
	state         types.ConnectionState
	lastHeartbeat time.Time
	closedAt      time.Time
	closeCode     int
}

func newConnection(conn *websocket.Conn, principal *types.Principal, deviceID, token string, cfg Config, logger *zap.Logger) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.New().String()
	return &Connection{
		conn:          conn,
		id:            id,
		principalID:   principal.ID,
		deviceID:      deviceID,
		token:         token,
		writeCh:       make(chan []byte, cfg.SendBuffer),
		writeTimeout:  cfg.WriteTimeout,
		ctx:           ctx,
		cancel:        cancel,
		logger:        logger.With(zap.String("conn_id", id), zap.String("principal_id", principal.ID)),
		state:         types.StateConnecting,
		lastHeartbeat: time.Now(),
	}
}

// start moves the connection to open and launches the writer.
func (c *Connection) start() {
	c.mu.Lock()
	if c.state != types.StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = types.StateOpen
	c.mu.Unlock()

	go c.writeLoop()
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			// FUNCTIONAL DISCOVERY: A bounded write deadline keeps one slow client
			// from pinning its writer forever
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				go c.Close(websocket.CloseGoingAway, "write failed")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				go c.Close(websocket.CloseGoingAway, "write failed")
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// ID returns the session id.
func (c *Connection) ID() string { return c.id }

// PrincipalID returns the authenticated principal.
func (c *Connection) PrincipalID() string { return c.principalID }

// DeviceID returns the device the session was opened from.
func (c *Connection) DeviceID() string { return c.deviceID }

// State returns the transport state.
func (c *Connection) State() types.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Touch records inbound traffic as a heartbeat.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// LastHeartbeat returns the time of the last pong or inbound frame.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// CloseCode returns the code the connection was closed with, 0 while live.
func (c *Connection) CloseCode() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closeCode
}

func (c *Connection) closedSince() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closedAt, c.state == types.StateClosed
}

// SendRaw enqueues an encoded frame without blocking. A full queue closes the
// connection: a client that cannot keep up must rehydrate anyway.
func (c *Connection) SendRaw(data []byte) error {
	if c.State() != types.StateOpen {
		return ErrConnectionClosed
	}
	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		c.logger.Warn("send queue full, closing connection")
		go c.Close(websocket.CloseTryAgainLater, "send queue full")
		return ErrSendQueueFull
	}
}

// SendFrame encodes and enqueues a frame.
func (c *Connection) SendFrame(frame *types.Frame) error {
	if frame.Timestamp.IsZero() {
		frame.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return ErrInvalidJSON
	}
	return c.SendRaw(data)
}

// Close moves the connection through draining to closed, sending a close
// frame with code and reason when the socket still accepts it. Idempotent.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = types.StateDraining
		c.closeCode = code
		c.mu.Unlock()

		// TECHNICAL DISCOVERY: WriteControl may run concurrently with the writer
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))

		c.cancel()
		err = c.conn.Close()

		c.mu.Lock()
		c.state = types.StateClosed
		c.closedAt = time.Now()
		c.mu.Unlock()

		c.logger.Debug("connection closed", zap.Int("code", code), zap.String("reason", reason))
		if c.onClosed != nil {
			c.onClosed(c)
		}
	})
	return err
}
