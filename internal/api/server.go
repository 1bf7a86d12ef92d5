// Package api serves the bulk-fetch and mutation endpoints and mounts the
// websocket upgrade handler.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"runtime"
	"time"

	"go.uber.org/zap"

	"teamsync/internal/auth"
	"teamsync/pkg/interfaces"
	"teamsync/pkg/types"
)

// SessionHeader names the connection that originated a mutation; its own
// echo is excluded from the room broadcast.
const SessionHeader = "X-Session-ID"

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Publisher broadcasts confirmed mutations.
type Publisher interface {
	PublishEntity(ctx context.Context, kind types.EventKind, entity *types.Entity, origin string) (int, error)
}

// StatsSource reports component statistics for /health.
type StatsSource interface {
	GetStats() map[string]int
}

// Sessions resolves the principal that owns a websocket session id.
type Sessions interface {
	StatsSource
	Owner(connID string) (principalID string, ok bool)
}

// Deps are the server's collaborators.
type Deps struct {
	Verifier    interfaces.AuthVerifier
	Access      interfaces.ScopeAuthorizer
	Store       interfaces.DatabaseManager
	Publisher   Publisher
	Connections Sessions
	Rooms       StatsSource
	// WebSocket is mounted at /ws when set.
	WebSocket http.Handler
	Logger    *zap.Logger
}

// Server is the HTTP face of the sync core.
// ARCHITECTURAL DISCOVERY: HTTP API layer serves as pure interface between external clients and internal components
type Server struct {
	deps    Deps
	logger  *zap.Logger
	router  *http.ServeMux
	started time.Time
}

// NewServer wires routes.
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:    deps,
		logger:  logger.With(zap.String("component", "api")),
		router:  http.NewServeMux(),
		started: time.Now(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	wrap := func(h http.HandlerFunc) http.Handler {
		return s.corsMiddleware(s.jsonMiddleware(h))
	}
	s.router.Handle("GET /api/scopes/{scope}/snapshot", wrap(s.authenticated(s.getSnapshot)))
	s.router.Handle("POST /api/scopes/{scope}/entities", wrap(s.authenticated(s.createEntity)))
	s.router.Handle("PATCH /api/entities/{id}", wrap(s.authenticated(s.updateEntity)))
	s.router.Handle("DELETE /api/entities/{id}", wrap(s.authenticated(s.deleteEntity)))
	s.router.Handle("OPTIONS /api/", wrap(func(w http.ResponseWriter, r *http.Request) {}))
	s.router.Handle("GET /health", wrap(s.healthCheck))
	if s.deps.WebSocket != nil {
		s.router.Handle("GET /ws", s.deps.WebSocket)
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// MutationResponse wraps the canonical entity after a write.
type MutationResponse struct {
	Entity *types.Entity `json:"entity"`
}

type HealthResponse struct {
	Status      string                 `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Database    string                 `json:"database"`
	Connections map[string]int         `json:"connections"`
	Rooms       map[string]int         `json:"rooms"`
	System      map[string]interface{} `json:"system"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type principalKey struct{}

func principalFrom(ctx context.Context) *types.Principal {
	p, _ := ctx.Value(principalKey{}).(*types.Principal)
	return p
}

// authenticated rejects requests without a valid bearer token.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := auth.BearerToken(r.Header.Get("Authorization"))
		principal, err := s.deps.Verifier.Verify(r.Context(), token)
		if err != nil {
			s.sendErrorFor(w, err)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), principalKey{}, principal)))
	}
}

func (s *Server) authorize(ctx context.Context, scope string) error {
	return s.deps.Access.Authorize(ctx, scope, principalFrom(ctx).ID)
}

// GET /api/scopes/{scope}/snapshot
func (s *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	if err := s.authorize(r.Context(), scope); err != nil {
		s.sendErrorFor(w, err)
		return
	}

	snap, err := s.deps.Store.FetchSnapshot(r.Context(), scope)
	if err != nil {
		s.sendErrorFor(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, snap)
}

// POST /api/scopes/{scope}/entities
func (s *Server) createEntity(w http.ResponseWriter, r *http.Request) {
	scope := r.PathValue("scope")
	if err := s.authorize(r.Context(), scope); err != nil {
		s.sendErrorFor(w, err)
		return
	}

	var change types.Change
	if !s.decode(w, r, &change) {
		return
	}
	change.Op = types.ChangeCreate
	change.Scope = scope
	s.mutate(w, r, change.EntityID, change, http.StatusCreated)
}

// PATCH /api/entities/{id}
func (s *Server) updateEntity(w http.ResponseWriter, r *http.Request) {
	var change types.Change
	if !s.decode(w, r, &change) {
		return
	}
	change.Op = types.ChangeUpdate
	s.mutateExisting(w, r, change)
}

// DELETE /api/entities/{id}
func (s *Server) deleteEntity(w http.ResponseWriter, r *http.Request) {
	s.mutateExisting(w, r, types.Change{Op: types.ChangeDelete})
}

func (s *Server) mutateExisting(w http.ResponseWriter, r *http.Request, change types.Change) {
	id := r.PathValue("id")
	existing, err := s.deps.Store.GetEntity(r.Context(), id)
	if err != nil {
		s.sendErrorFor(w, err)
		return
	}
	// FUNCTIONAL DISCOVERY: Authorization follows the entity's stored scope,
	// never a scope named by the client
	if err := s.authorize(r.Context(), existing.Scope); err != nil {
		s.sendErrorFor(w, err)
		return
	}
	change.EntityID = id
	s.mutate(w, r, id, change, http.StatusOK)
}

func (s *Server) mutate(w http.ResponseWriter, r *http.Request, entityID string, change types.Change, status int) {
	entity, err := s.deps.Store.Mutate(r.Context(), entityID, change)
	if err != nil {
		s.sendErrorFor(w, err)
		return
	}

	origin := s.originOf(r)
	kind := types.EventKindForChange(change.Op)
	if _, err := s.deps.Publisher.PublishEntity(r.Context(), kind, entity, origin); err != nil {
		// The write is durable; clients converge on their next rehydrate.
		s.logger.Error("failed to publish entity event",
			zap.String("entity_id", entity.ID),
			zap.String("kind", string(kind)),
			zap.Error(err))
	}
	s.writeJSON(w, status, MutationResponse{Entity: entity})
}

// originOf returns the caller's own session named by SessionHeader, or ""
// when the header names a session owned by someone else.
func (s *Server) originOf(r *http.Request) string {
	origin := r.Header.Get(SessionHeader)
	if origin == "" || s.deps.Connections == nil {
		return ""
	}
	owner, ok := s.deps.Connections.Owner(origin)
	if !ok || owner != principalFrom(r.Context()).ID {
		s.logger.Debug("ignoring foreign session header",
			zap.String("session_id", origin),
			zap.String("principal_id", principalFrom(r.Context()).ID))
		return ""
	}
	return origin
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		s.sendError(w, "Invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

// GET /health
func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	dbStatus := "healthy"
	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		status = "unhealthy"
		dbStatus = "error: " + err.Error()
	}

	response := HealthResponse{
		Status:    status,
		Timestamp: time.Now().UTC(),
		Database:  dbStatus,
		System: map[string]interface{}{
			"goroutines": runtime.NumGoroutine(),
			"uptime":     time.Since(s.started).Round(time.Second).String(),
		},
	}
	if s.deps.Connections != nil {
		response.Connections = s.deps.Connections.GetStats()
	}
	if s.deps.Rooms != nil {
		response.Rooms = s.deps.Rooms.GetStats()
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

// StatusFor maps the error taxonomy onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrAuthRejected):
		return http.StatusUnauthorized
	case errors.Is(err, interfaces.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, interfaces.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, types.ErrMutationRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, types.ErrValidationFailure):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) sendErrorFor(w http.ResponseWriter, err error) {
	code := StatusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", zap.Error(err))
		msg = "internal error"
	}
	s.sendError(w, msg, code)
}

func (s *Server) sendError(w http.ResponseWriter, message string, code int) {
	s.writeJSON(w, code, ErrorResponse{
		Error:   http.StatusText(code),
		Code:    code,
		Message: message,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", zap.Error(err))
	}
}

// ARCHITECTURAL DISCOVERY: CORS middleware enables web client access
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-ID, X-Device-ID")
		w.Header().Set("Access-Control-Max-Age", "86400")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}
