package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EntityToken is the deterministic identity token of an entity event. The same
// mutation observed twice (e.g. redelivered after a reconnect) yields the same
// token, across server restarts too.
func EntityToken(kind EventKind, scope, entityID string, version int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", kind, scope, entityID, version)
}

// NewEntityEvent builds an entity_created or entity_updated event carrying the
// full canonical representation, or an entity_deleted event carrying the id
// and deletion version.
func NewEntityEvent(kind EventKind, entity *Entity, origin string) (*DomainEvent, error) {
	var payload interface{}
	switch kind {
	case EventEntityCreated, EventEntityUpdated:
		payload = EntityPayload{Entity: entity}
	case EventEntityDeleted:
		payload = DeletePayload{EntityID: entity.ID, Version: entity.Version}
	default:
		return nil, ErrInvalidEventKind
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: encode payload: %v", ErrValidationFailure, err)
	}

	return &DomainEvent{
		Kind:          kind,
		Scope:         entity.Scope,
		EntityType:    entity.Type,
		EntityID:      entity.ID,
		Payload:       raw,
		IdentityToken: EntityToken(kind, entity.Scope, entity.ID, entity.Version),
		Origin:        origin,
		EmittedAt:     time.Now().UTC(),
	}, nil
}

// NewPresenceEvent builds a presence_changed event for a room.
func NewPresenceEvent(scope string, memberCount int) *DomainEvent {
	raw, _ := json.Marshal(PresenceUpdate{Scope: scope, MemberCount: memberCount})
	return &DomainEvent{
		Kind:          EventPresenceChanged,
		Scope:         scope,
		Payload:       raw,
		IdentityToken: uuid.New().String(),
		EmittedAt:     time.Now().UTC(),
	}
}

// NewSignalEvent builds an ephemeral_signal event.
func NewSignalEvent(scope string, signal SignalPayload, origin string) (*DomainEvent, error) {
	raw, err := json.Marshal(signal)
	if err != nil {
		return nil, fmt.Errorf("%w: encode signal: %v", ErrValidationFailure, err)
	}
	if len(raw) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}
	return &DomainEvent{
		Kind:          EventEphemeralSignal,
		Scope:         scope,
		Payload:       raw,
		IdentityToken: uuid.New().String(),
		Origin:        origin,
		EmittedAt:     time.Now().UTC(),
	}, nil
}

// EventKindForChange maps a mutation intent to the event it produces.
func EventKindForChange(op ChangeOp) EventKind {
	switch op {
	case ChangeCreate:
		return EventEntityCreated
	case ChangeDelete:
		return EventEntityDeleted
	default:
		return EventEntityUpdated
	}
}
