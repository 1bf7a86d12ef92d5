package types

import (
	"regexp"
)

// MaxPayloadBytes bounds event payloads and signal data.
const MaxPayloadBytes = 65536

var scopeRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// IsValidScope checks a room/scope key.
func IsValidScope(scope string) bool {
	if len(scope) < 1 || len(scope) > 64 {
		return false
	}
	return scopeRegex.MatchString(scope)
}

// IsValidEntityID checks an entity id. Server ids are uuids, but clients may
// use any short opaque string for provisional ids.
func IsValidEntityID(id string) bool {
	return len(id) >= 1 && len(id) <= 64
}

// IsValidEntityType checks the entity type against the known set.
func IsValidEntityType(t string) bool {
	switch t {
	case EntityProject, EntityTask, EntityMessage, EntityFile:
		return true
	default:
		return false
	}
}

// IsValidEventKind checks the event kind against the closed set.
func IsValidEventKind(kind EventKind) bool {
	switch kind {
	case EventEntityCreated, EventEntityUpdated, EventEntityDeleted,
		EventPresenceChanged, EventEphemeralSignal:
		return true
	default:
		return false
	}
}

// IsEntityKind reports whether the kind targets a single entity.
func IsEntityKind(kind EventKind) bool {
	return kind == EventEntityCreated || kind == EventEntityUpdated || kind == EventEntityDeleted
}

// Validate checks the mandatory identity fields of an event.
// FUNCTIONAL DISCOVERY: Called once at ingress on both server and client;
// nothing downstream re-checks these fields.
func (e *DomainEvent) Validate() error {
	if !IsValidEventKind(e.Kind) {
		return ErrInvalidEventKind
	}
	if !IsValidScope(e.Scope) {
		return ErrInvalidScope
	}
	if e.IdentityToken == "" {
		return ErrMissingToken
	}
	if IsEntityKind(e.Kind) {
		if e.EntityID == "" || e.EntityType == "" {
			return ErrMissingEntityField
		}
		if !IsValidEntityID(e.EntityID) {
			return ErrInvalidEntityID
		}
	}
	if len(e.Payload) > MaxPayloadBytes {
		return ErrPayloadTooLarge
	}
	return nil
}

// Validate checks an entity representation.
func (e *Entity) Validate() error {
	if !IsValidEntityID(e.ID) {
		return ErrInvalidEntityID
	}
	if !IsValidEntityType(e.Type) {
		return ErrInvalidEntityType
	}
	if !IsValidScope(e.Scope) {
		return ErrInvalidScope
	}
	if len(e.Status) > 32 {
		return ErrInvalidStatus
	}
	return nil
}

// Validate checks a change request before it reaches storage.
func (c *Change) Validate() error {
	switch c.Op {
	case ChangeCreate:
		if !IsValidEntityType(c.EntityType) {
			return ErrInvalidEntityType
		}
		if !IsValidScope(c.Scope) {
			return ErrInvalidScope
		}
		if c.EntityID != "" && !IsValidEntityID(c.EntityID) {
			return ErrInvalidEntityID
		}
	case ChangeUpdate, ChangeDelete:
		if !IsValidEntityID(c.EntityID) {
			return ErrInvalidEntityID
		}
	default:
		return ErrInvalidChangeOp
	}
	if c.Status != nil && len(*c.Status) > 32 {
		return ErrInvalidStatus
	}
	return nil
}
