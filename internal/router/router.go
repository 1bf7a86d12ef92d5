// Package router is the server half of the event dispatcher: it turns domain
// events into room frames.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"teamsync/pkg/types"
)

// Broadcaster fans a frame out to a room.
type Broadcaster interface {
	Broadcast(roomKey string, frame *types.Frame, excludeConnID string) int
}

// Router publishes domain events to rooms.
// ARCHITECTURAL DISCOVERY: Pure routing logic; membership and delivery stay in
// the room registry, persistence stays in the storage collaborator.
type Router struct {
	rooms  Broadcaster
	logger *zap.Logger
}

// NewRouter creates a new event router
func NewRouter(rooms Broadcaster, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{rooms: rooms, logger: logger.With(zap.String("component", "router"))}
}

// Publish validates event and broadcasts it to roomKey, skipping
// excludeConnID. Returns how many members it was enqueued to.
func (r *Router) Publish(ctx context.Context, roomKey string, event *types.DomainEvent, excludeConnID string) (int, error) {
	if event == nil {
		return 0, ErrNilEvent
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	if event.Scope == "" {
		event.Scope = roomKey
	}
	if event.Scope != roomKey {
		return 0, fmt.Errorf("%w: %s != %s", ErrScopeMismatch, event.Scope, roomKey)
	}
	if event.EmittedAt.IsZero() {
		event.EmittedAt = time.Now().UTC()
	}
	if event.IdentityToken == "" {
		event.IdentityToken = uuid.New().String()
	}
	if err := event.Validate(); err != nil {
		return 0, err
	}

	delivered := r.rooms.Broadcast(roomKey, &types.Frame{
		Type:  types.FrameEvent,
		Event: event,
	}, excludeConnID)

	r.logger.Debug("event published",
		zap.String("room", roomKey),
		zap.String("kind", string(event.Kind)),
		zap.String("identity_token", event.IdentityToken),
		zap.Int("delivered", delivered))
	return delivered, nil
}

// PublishEntity builds the event for a confirmed mutation and publishes it to
// the entity's scope, skipping the originating session.
func (r *Router) PublishEntity(ctx context.Context, kind types.EventKind, entity *types.Entity, origin string) (int, error) {
	event, err := types.NewEntityEvent(kind, entity, origin)
	if err != nil {
		return 0, err
	}
	return r.Publish(ctx, entity.Scope, event, origin)
}
