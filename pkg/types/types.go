package types

import (
	"encoding/json"
	"time"
)

// ConnectionState is the server-side transport state of one session.
type ConnectionState string

const (
	StateConnecting ConnectionState = "connecting"
	StateOpen       ConnectionState = "open"
	StateDraining   ConnectionState = "draining"
	StateClosed     ConnectionState = "closed"
)

// ConnectionStatus is the client-facing status signal.
type ConnectionStatus string

const (
	StatusConnecting   ConnectionStatus = "connecting"
	StatusOpen         ConnectionStatus = "open"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusClosed       ConnectionStatus = "closed"
)

// Application close codes sent by the server. 1001 (going away) and 1012
// (service restart) are used with their standard meaning.
const (
	CloseSessionSuperseded = 4001
	CloseAuthRevoked       = 4401
)

// EventKind enumerates the domain events carried over a room.
type EventKind string

const (
	EventEntityCreated   EventKind = "entity_created"
	EventEntityUpdated   EventKind = "entity_updated"
	EventEntityDeleted   EventKind = "entity_deleted"
	EventPresenceChanged EventKind = "presence_changed"
	EventEphemeralSignal EventKind = "ephemeral_signal"
)

// Entity types known to the collaboration backend.
const (
	EntityProject = "project"
	EntityTask    = "task"
	EntityMessage = "message"
	EntityFile    = "file"
)

// Task board statuses. Any non-empty string is a valid status; these are the
// columns created by default.
const (
	StatusTodo       = "TODO"
	StatusInProgress = "IN_PROGRESS"
	StatusDone       = "DONE"
)

// Credentials are presented by a client when opening a session.
type Credentials struct {
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

// Principal is the authenticated identity behind a token.
type Principal struct {
	ID       string `json:"id"`
	DeviceID string `json:"device_id,omitempty"`
}

// Entity is the full representation of one collaboration object.
// ARCHITECTURAL DISCOVERY: Version is assigned by the server only and is the
// last-write-wins comparator on clients.
type Entity struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Scope     string                 `json:"scope"`
	Status    string                 `json:"status,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Version   int64                  `json:"version"`
	CreatedAt time.Time              `json:"created_at"`
	UpdatedAt time.Time              `json:"updated_at"`
	DeletedAt *time.Time             `json:"deleted_at,omitempty"`
}

// Clone returns a deep copy of the entity so snapshots never share field maps.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	c := *e
	if e.Fields != nil {
		c.Fields = make(map[string]interface{}, len(e.Fields))
		for k, v := range e.Fields {
			c.Fields[k] = v
		}
	}
	if e.DeletedAt != nil {
		t := *e.DeletedAt
		c.DeletedAt = &t
	}
	return &c
}

// Snapshot is the bulk-fetch result for one scope.
type Snapshot struct {
	Scope     string              `json:"scope"`
	Entities  []*Entity           `json:"entities"`
	Orderings map[string][]string `json:"orderings"`
	FetchedAt time.Time           `json:"fetched_at"`
}

// ChangeOp is the intent of a mutation sent to the storage collaborator.
type ChangeOp string

const (
	ChangeCreate ChangeOp = "create"
	ChangeUpdate ChangeOp = "update"
	ChangeDelete ChangeOp = "delete"
)

// Change describes a mutation request. For creates EntityID is a client
// generated provisional id the server is free to replace.
type Change struct {
	Op         ChangeOp               `json:"op"`
	EntityID   string                 `json:"entity_id,omitempty"`
	EntityType string                 `json:"entity_type,omitempty"`
	Scope      string                 `json:"scope,omitempty"`
	Status     *string                `json:"status,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// DomainEvent is one room-scoped event. Payload is opaque to the server-side
// dispatcher; clients decode it into a typed variant per kind.
type DomainEvent struct {
	Kind          EventKind       `json:"kind"`
	Scope         string          `json:"scope"`
	EntityType    string          `json:"entity_type,omitempty"`
	EntityID      string          `json:"entity_id,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	IdentityToken string          `json:"identity_token"`
	Origin        string          `json:"origin,omitempty"`
	EmittedAt     time.Time       `json:"emitted_at"`
}

// EntityPayload is the payload of entity_created and entity_updated events.
type EntityPayload struct {
	Entity *Entity `json:"entity"`
}

// DeletePayload is the payload of entity_deleted events.
type DeletePayload struct {
	EntityID string `json:"entity_id"`
	Version  int64  `json:"version"`
}

// PresenceUpdate is the payload of presence_changed events.
type PresenceUpdate struct {
	Scope       string `json:"scope"`
	MemberCount int    `json:"member_count"`
}

// SignalPayload is the payload of ephemeral_signal events (typing indicators etc).
type SignalPayload struct {
	Name string          `json:"name"`
	From string          `json:"from"`
	Data json.RawMessage `json:"data,omitempty"`
}

// FrameType identifies a wire frame on the bidirectional channel.
type FrameType string

const (
	// server -> client
	FrameWelcome FrameType = "welcome"
	FrameEvent   FrameType = "event"
	FrameJoined  FrameType = "joined"
	FrameLeft    FrameType = "left"
	FramePong    FrameType = "pong"
	FrameError   FrameType = "error"

	// client -> server
	FrameJoin   FrameType = "join"
	FrameLeave  FrameType = "leave"
	FrameSignal FrameType = "signal"
	FramePing   FrameType = "ping"
)

// Frame is the envelope for every message on the channel.
// FUNCTIONAL DISCOVERY: Seq is stamped by the room under its lock, so it is
// strictly increasing per room and per subscriber.
type Frame struct {
	Type        FrameType       `json:"type"`
	Scope       string          `json:"scope,omitempty"`
	Seq         int64           `json:"seq,omitempty"`
	Event       *DomainEvent    `json:"event,omitempty"`
	SessionID   string          `json:"session_id,omitempty"`
	PrincipalID string          `json:"principal_id,omitempty"`
	MemberCount int             `json:"member_count,omitempty"`
	Signal      *SignalPayload  `json:"signal,omitempty"`
	Error       string          `json:"error,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// MembershipResult reports the outcome of a room join.
type MembershipResult struct {
	Room        string `json:"room"`
	MemberCount int    `json:"member_count"`
	Joined      bool   `json:"joined"`
}
