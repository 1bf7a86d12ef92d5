package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teamsync/pkg/interfaces"
	"teamsync/pkg/types"
)

// WSDialer opens gorilla websocket transports against a teamsync server.
type WSDialer struct {
	URL              string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// CloseWait bounds how long Close waits for the server's close echo.
	CloseWait time.Duration
	logger    *zap.Logger
}

// NewWSDialer creates a dialer for the websocket endpoint at url (ws:// or wss://).
func NewWSDialer(url string, logger *zap.Logger) *WSDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSDialer{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     5 * time.Second,
		CloseWait:        time.Second,
		logger:           logger.With(zap.String("component", "ws_dialer")),
	}
}

// Dial performs the authenticated handshake and starts the read loop.
func (d *WSDialer) Dial(ctx context.Context, creds types.Credentials, h interfaces.TransportHandlers) (interfaces.Transport, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+creds.Token)
	header.Set("X-Device-ID", creds.DeviceID)

	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: handshake refused", types.ErrAuthRejected)
		}
		return nil, fmt.Errorf("%w: dial %s: %v", types.ErrTransportFailure, d.URL, err)
	}

	t := &wsTransport{
		conn:         conn,
		handlers:     h,
		writeTimeout: d.WriteTimeout,
		closeWait:    d.CloseWait,
		done:         make(chan struct{}),
	}
	go t.readLoop()

	d.logger.Debug("websocket connected", zap.String("url", d.URL), zap.String("device_id", creds.DeviceID))
	return t, nil
}

type wsTransport struct {
	conn         *websocket.Conn
	handlers     interfaces.TransportHandlers
	writeTimeout time.Duration
	closeWait    time.Duration

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (t *wsTransport) readLoop() {
	var ev interfaces.CloseEvent
	defer func() {
		_ = t.conn.Close()
		close(t.done)
		if t.handlers.OnClose != nil {
			t.handlers.OnClose(ev)
		}
	}()

	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			ev = closeEventFor(err)
			return
		}
		if t.handlers.OnMessage != nil {
			t.handlers.OnMessage(data)
		}
	}
}

func closeEventFor(err error) interfaces.CloseEvent {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return interfaces.CloseEvent{Code: ce.Code, Reason: ce.Text}
	}
	return interfaces.CloseEvent{Err: err}
}

// Send writes one text frame. Writes are serialized; gorilla allows one writer.
func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	select {
	case <-t.done:
		return ErrNotConnected
	default:
	}

	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: write: %v", types.ErrTransportFailure, err)
	}
	return nil
}

// Close sends a normal-closure frame and waits briefly for the echo before
// tearing the socket down. The read loop reports the close through OnClose.
func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		_ = t.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(t.writeTimeout),
		)
		t.writeMu.Unlock()

		select {
		case <-t.done:
		case <-time.After(t.closeWait):
			_ = t.conn.Close()
		}
	})
	return nil
}
