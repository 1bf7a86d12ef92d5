package events

import (
	"encoding/json"
	"fmt"
	"time"

	"teamsync/pkg/types"
)

// Meta carries the envelope fields common to every event variant.
type Meta struct {
	Kind          types.EventKind
	Scope         string
	IdentityToken string
	Origin        string
	Seq           int64
	EmittedAt     time.Time
}

// Event is one of EntityChanged, EntityDeleted, PresenceChanged or Signal.
type Event interface {
	Header() Meta
	sealed()
}

// EntityChanged is an entity_created or entity_updated event.
type EntityChanged struct {
	Meta
	Entity *types.Entity
}

// Created reports whether the entity was newly created.
func (e EntityChanged) Created() bool { return e.Kind == types.EventEntityCreated }

// EntityDeleted is an entity_deleted event.
type EntityDeleted struct {
	Meta
	EntityID   string
	EntityType string
	Version    int64
}

// PresenceChanged reports a room's new member count.
type PresenceChanged struct {
	Meta
	MemberCount int
}

// Signal is an ephemeral_signal event.
type Signal struct {
	Meta
	Name string
	From string
	Data json.RawMessage
}

func (m Meta) Header() Meta { return m }

func (EntityChanged) sealed()   {}
func (EntityDeleted) sealed()   {}
func (PresenceChanged) sealed() {}
func (Signal) sealed()          {}

// Decode turns a validated domain event into its typed variant.
func Decode(ev *types.DomainEvent, seq int64) (Event, error) {
	meta := Meta{
		Kind:          ev.Kind,
		Scope:         ev.Scope,
		IdentityToken: ev.IdentityToken,
		Origin:        ev.Origin,
		Seq:           seq,
		EmittedAt:     ev.EmittedAt,
	}

	switch ev.Kind {
	case types.EventEntityCreated, types.EventEntityUpdated:
		var p types.EntityPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Entity == nil {
			return nil, fmt.Errorf("%w: %s", ErrBadPayload, ev.Kind)
		}
		if p.Entity.ID != ev.EntityID || p.Entity.Scope != ev.Scope {
			return nil, fmt.Errorf("%w: entity identity does not match envelope", ErrBadPayload)
		}
		if err := p.Entity.Validate(); err != nil {
			return nil, err
		}
		return EntityChanged{Meta: meta, Entity: p.Entity}, nil

	case types.EventEntityDeleted:
		var p types.DeletePayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.EntityID != ev.EntityID {
			return nil, fmt.Errorf("%w: %s", ErrBadPayload, ev.Kind)
		}
		return EntityDeleted{Meta: meta, EntityID: p.EntityID, EntityType: ev.EntityType, Version: p.Version}, nil

	case types.EventPresenceChanged:
		var p types.PresenceUpdate
		if err := json.Unmarshal(ev.Payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrBadPayload, ev.Kind)
		}
		return PresenceChanged{Meta: meta, MemberCount: p.MemberCount}, nil

	case types.EventEphemeralSignal:
		var p types.SignalPayload
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.Name == "" {
			return nil, fmt.Errorf("%w: %s", ErrBadPayload, ev.Kind)
		}
		return Signal{Meta: meta, Name: p.Name, From: p.From, Data: p.Data}, nil
	}
	return nil, types.ErrInvalidEventKind
}
