package websocket

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"teamsync/internal/auth"
	"teamsync/pkg/types"
)

// WebSocket upgrader with production-ready settings
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// FUNCTIONAL DISCOVERY: Allow all origins; bearer tokens, not cookies, authenticate
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// maxFrameBytes bounds inbound client frames.
const maxFrameBytes = types.MaxPayloadBytes + 4096

// InboundSink receives every text frame a client sends.
type InboundSink interface {
	Submit(conn *Connection, data []byte) error
}

// Handler upgrades authenticated HTTP requests and runs the read side of
// each connection.
type Handler struct {
	manager *Manager
	sink    InboundSink
	logger  *zap.Logger
}

// NewHandler creates a new WebSocket handler with dependency injection
func NewHandler(manager *Manager, sink InboundSink, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, sink: sink, logger: logger.With(zap.String("component", "ws_handler"))}
}

// Credentials extracts the token and device id from a handshake request.
// The token comes from the Authorization header, falling back to the
// access_token query parameter for browser clients.
func Credentials(r *http.Request) types.Credentials {
	token := auth.BearerToken(r.Header.Get("Authorization"))
	if token == "" {
		token = r.URL.Query().Get("access_token")
	}
	device := r.Header.Get("X-Device-ID")
	if device == "" {
		device = r.URL.Query().Get("device_id")
	}
	return types.Credentials{Token: token, DeviceID: device}
}

// HandleWebSocket authenticates then upgrades.
// ARCHITECTURAL DISCOVERY: Validation before upgrade lets rejected clients
// see a plain HTTP 401 instead of an opened-then-closed socket
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	creds := Credentials(r)
	principal, err := h.manager.Authenticate(r.Context(), creds)
	if err != nil {
		if errors.Is(err, types.ErrAuthRejected) {
			http.Error(w, "authentication rejected", http.StatusUnauthorized)
			return
		}
		h.logger.Error("authentication failed", zap.Error(err))
		http.Error(w, "authentication unavailable", http.StatusInternalServerError)
		return
	}

	socket, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	conn, err := h.manager.Open(principal, creds.Token, socket)
	if err != nil {
		h.logger.Error("failed to open session", zap.Error(err))
		_ = socket.Close()
		return
	}

	go h.handleConnection(conn)
}

// handleConnection runs the read pump and the ping ticker until the socket dies.
func (h *Handler) handleConnection(conn *Connection) {
	cfg := h.manager.Config()
	closeCode := websocket.CloseGoingAway
	closeReason := "read failed"
	defer func() {
		_ = conn.Close(closeCode, closeReason)
	}()

	ws := conn.conn
	ws.SetReadLimit(maxFrameBytes)
	extend := func() error {
		conn.Touch()
		return ws.SetReadDeadline(time.Now().Add(cfg.HeartbeatTimeout))
	}
	if err := extend(); err != nil {
		return
	}
	ws.SetPongHandler(func(string) error { return extend() })

	go func() {
		ticker := time.NewTicker(cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteTimeout)); err != nil {
					return
				}
			case <-conn.ctx.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				// Echo the client's close.
				closeCode, closeReason = ce.Code, ""
			} else if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error", zap.String("conn_id", conn.ID()), zap.Error(err))
			}
			return
		}
		if err := extend(); err != nil {
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}
		if err := h.sink.Submit(conn, data); err != nil {
			_ = conn.SendFrame(&types.Frame{Type: types.FrameError, Error: err.Error()})
		}
	}
}
