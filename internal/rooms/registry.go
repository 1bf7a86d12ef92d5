// Package rooms tracks which connections belong to which scope and fans
// frames out to them.
package rooms

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"teamsync/pkg/interfaces"
	"teamsync/pkg/types"
)

// room is one broadcast group. Membership changes and broadcasts on the same
// room are serialized by mu.
type room struct {
	key       string
	mu        sync.Mutex
	members   map[string]interfaces.Connection
	createdAt time.Time
	seq       int64
	dead      bool // set once the last member left; the room is unusable
}

// Registry owns all rooms.
// ARCHITECTURAL DISCOVERY: The registry lock only guards the room map; every
// membership mutation and broadcast takes the per-room lock, so unrelated
// rooms never contend.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]*room

	idxMu  sync.Mutex
	byConn map[string]map[string]struct{} // connID -> room keys

	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		rooms:  make(map[string]*room),
		byConn: make(map[string]map[string]struct{}),
		logger: logger.With(zap.String("component", "rooms")),
		now:    time.Now,
	}
}

func (r *Registry) lookup(key string) *room {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rooms[key]
}

func (r *Registry) getOrCreate(key string) *room {
	if rm := r.lookup(key); rm != nil {
		return rm
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if rm, ok := r.rooms[key]; ok {
		return rm
	}
	rm := &room{
		key:       key,
		members:   make(map[string]interfaces.Connection),
		createdAt: r.now(),
	}
	r.rooms[key] = rm
	return rm
}

// Join adds member to the room. Joining a room twice is a no-op that reports
// Joined=false. Every successful join broadcasts the new member count to all
// members, the joiner included.
func (r *Registry) Join(member interfaces.Connection, key string) (types.MembershipResult, error) {
	if member == nil {
		return types.MembershipResult{}, ErrNilMember
	}
	if !types.IsValidScope(key) {
		return types.MembershipResult{}, types.ErrInvalidScope
	}
	if member.State() != types.StateOpen {
		return types.MembershipResult{}, ErrNotOpen
	}

	for {
		rm := r.getOrCreate(key)
		rm.mu.Lock()
		if rm.dead {
			// Lost a race with the last leave; the map entry is gone or about to be.
			rm.mu.Unlock()
			r.forget(rm)
			continue
		}

		if _, ok := rm.members[member.ID()]; ok {
			count := len(rm.members)
			rm.mu.Unlock()
			return types.MembershipResult{Room: key, MemberCount: count, Joined: false}, nil
		}

		rm.members[member.ID()] = member
		r.index(member.ID(), key, true)
		count := len(rm.members)
		r.broadcastPresenceLocked(rm)
		rm.mu.Unlock()

		// A close that raced this join may have already run LeaveAll.
		if member.State() != types.StateOpen {
			r.Leave(member.ID(), key)
			return types.MembershipResult{}, ErrNotOpen
		}

		r.logger.Debug("member joined",
			zap.String("room", key),
			zap.String("conn_id", member.ID()),
			zap.Int("members", count))
		return types.MembershipResult{Room: key, MemberCount: count, Joined: true}, nil
	}
}

// Leave removes connID from the room. Returns false when it was not a member.
func (r *Registry) Leave(connID, key string) bool {
	rm := r.lookup(key)
	if rm == nil {
		return false
	}

	rm.mu.Lock()
	if _, ok := rm.members[connID]; !ok || rm.dead {
		rm.mu.Unlock()
		return false
	}
	delete(rm.members, connID)
	r.index(connID, key, false)

	if len(rm.members) == 0 {
		rm.dead = true
		rm.mu.Unlock()
		r.forget(rm)
		r.logger.Debug("room destroyed", zap.String("room", key))
		return true
	}

	r.broadcastPresenceLocked(rm)
	rm.mu.Unlock()
	return true
}

// LeaveAll releases every membership of connID and returns the rooms left.
func (r *Registry) LeaveAll(connID string) []string {
	keys := r.RoomsOf(connID)
	left := make([]string, 0, len(keys))
	for _, key := range keys {
		if r.Leave(connID, key) {
			left = append(left, key)
		}
	}
	return left
}

// forget removes a dead room from the map if it is still the current entry.
func (r *Registry) forget(rm *room) {
	r.mu.Lock()
	if cur, ok := r.rooms[rm.key]; ok && cur == rm {
		delete(r.rooms, rm.key)
	}
	r.mu.Unlock()
}

func (r *Registry) index(connID, key string, add bool) {
	r.idxMu.Lock()
	defer r.idxMu.Unlock()
	keys := r.byConn[connID]
	if add {
		if keys == nil {
			keys = make(map[string]struct{})
			r.byConn[connID] = keys
		}
		keys[key] = struct{}{}
		return
	}
	delete(keys, key)
	if len(keys) == 0 {
		delete(r.byConn, connID)
	}
}

// Broadcast stamps the room's next sequence number on frame, encodes it once
// and enqueues it to every member except excludeConnID. Returns the number of
// members the frame was enqueued to. The caller's frame is not modified.
func (r *Registry) Broadcast(key string, frame *types.Frame, excludeConnID string) int {
	rm := r.lookup(key)
	if rm == nil {
		return 0
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if rm.dead {
		return 0
	}
	return r.broadcastLocked(rm, frame, excludeConnID)
}

func (r *Registry) broadcastLocked(rm *room, frame *types.Frame, excludeConnID string) int {
	rm.seq++
	stamped := *frame
	stamped.Scope = rm.key
	stamped.Seq = rm.seq
	if stamped.Timestamp.IsZero() {
		stamped.Timestamp = r.now().UTC()
	}

	data, err := json.Marshal(&stamped)
	if err != nil {
		r.logger.Error("failed to encode frame", zap.String("room", rm.key), zap.Error(err))
		return 0
	}

	delivered := 0
	for id, member := range rm.members {
		if id == excludeConnID {
			continue
		}
		if err := member.SendRaw(data); err != nil {
			r.logger.Warn("dropping frame for member",
				zap.String("room", rm.key),
				zap.String("conn_id", id),
				zap.Error(err))
			continue
		}
		delivered++
	}
	return delivered
}

func (r *Registry) broadcastPresenceLocked(rm *room) {
	count := len(rm.members)
	r.broadcastLocked(rm, &types.Frame{
		Type:        types.FrameEvent,
		Event:       types.NewPresenceEvent(rm.key, count),
		MemberCount: count,
	}, "")
}

// MemberCount returns the number of members in a room, 0 if it does not exist.
func (r *Registry) MemberCount(key string) int {
	rm := r.lookup(key)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.members)
}

// Members returns the connection ids in a room, sorted.
func (r *Registry) Members(key string) []string {
	rm := r.lookup(key)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	ids := make([]string, 0, len(rm.members))
	for id := range rm.members {
		ids = append(ids, id)
	}
	rm.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// RoomsOf returns the rooms connID belongs to, sorted.
func (r *Registry) RoomsOf(connID string) []string {
	r.idxMu.Lock()
	keys := make([]string, 0, len(r.byConn[connID]))
	for key := range r.byConn[connID] {
		keys = append(keys, key)
	}
	r.idxMu.Unlock()
	sort.Strings(keys)
	return keys
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	rooms := make([]*room, 0, len(r.rooms))
	for _, rm := range r.rooms {
		rooms = append(rooms, rm)
	}
	r.mu.RUnlock()

	memberships := 0
	for _, rm := range rooms {
		rm.mu.Lock()
		memberships += len(rm.members)
		rm.mu.Unlock()
	}

	r.idxMu.Lock()
	conns := len(r.byConn)
	r.idxMu.Unlock()

	return map[string]int{
		"rooms":       len(rooms),
		"memberships": memberships,
		"connections": conns,
	}
}
