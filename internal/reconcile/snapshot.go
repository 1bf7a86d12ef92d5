// Package reconcile owns the client's entity snapshot and reconciles
// optimistic local mutations with server-confirmed state.
package reconcile

import (
	"fmt"
	"reflect"
	"sort"

	"teamsync/pkg/types"
)

// Snapshot is the normalized client view of one scope: entities by id plus
// one ordered id list per status.
// ARCHITECTURAL DISCOVERY: The union of all ordering lists is exactly the key
// set of entities. Every write goes through put/remove, which keep the two
// in step; Verify checks it.
type Snapshot struct {
	Scope     string
	entities  map[string]*types.Entity
	orderings map[string][]string
}

// NewSnapshot returns an empty snapshot for scope.
func NewSnapshot(scope string) *Snapshot {
	return &Snapshot{
		Scope:     scope,
		entities:  make(map[string]*types.Entity),
		orderings: make(map[string][]string),
	}
}

// FromWire builds a snapshot from a bulk fetch. Ids listed in the wire
// orderings keep their order; entities missing from them are appended to
// their status list.
func FromWire(w *types.Snapshot) *Snapshot {
	s := NewSnapshot(w.Scope)
	for _, e := range w.Entities {
		if e == nil || e.DeletedAt != nil {
			continue
		}
		s.entities[e.ID] = e.Clone()
	}

	placed := make(map[string]bool, len(s.entities))
	statuses := make([]string, 0, len(w.Orderings))
	for status := range w.Orderings {
		statuses = append(statuses, status)
	}
	sort.Strings(statuses)
	for _, status := range statuses {
		for _, id := range w.Orderings[status] {
			e, ok := s.entities[id]
			if !ok || placed[id] || e.Status != status {
				continue
			}
			s.orderings[status] = append(s.orderings[status], id)
			placed[id] = true
		}
	}

	// Deterministic order for anything the server did not place.
	rest := make([]*types.Entity, 0)
	for id, e := range s.entities {
		if !placed[id] {
			rest = append(rest, e)
		}
	}
	sort.Slice(rest, func(i, j int) bool {
		if !rest[i].CreatedAt.Equal(rest[j].CreatedAt) {
			return rest[i].CreatedAt.Before(rest[j].CreatedAt)
		}
		return rest[i].ID < rest[j].ID
	})
	for _, e := range rest {
		s.orderings[e.Status] = append(s.orderings[e.Status], e.ID)
	}
	return s
}

// Get returns a copy of the entity with id.
func (s *Snapshot) Get(id string) (*types.Entity, bool) {
	e, ok := s.entities[id]
	if !ok {
		return nil, false
	}
	return e.Clone(), true
}

// Len returns the number of entities.
func (s *Snapshot) Len() int {
	return len(s.entities)
}

// Ordering returns the ids in status order.
func (s *Snapshot) Ordering(status string) []string {
	return append([]string(nil), s.orderings[status]...)
}

// Statuses returns every status with at least one entity, sorted.
func (s *Snapshot) Statuses() []string {
	out := make([]string, 0, len(s.orderings))
	for status, ids := range s.orderings {
		if len(ids) > 0 {
			out = append(out, status)
		}
	}
	sort.Strings(out)
	return out
}

// position returns the status list and index holding id.
func (s *Snapshot) position(id string) (string, int, bool) {
	e, ok := s.entities[id]
	if !ok {
		return "", -1, false
	}
	for i, other := range s.orderings[e.Status] {
		if other == id {
			return e.Status, i, true
		}
	}
	return e.Status, -1, false
}

// put stores e. An entity that keeps its status keeps its place unless
// index says otherwise; a status change moves it atomically, appending to
// the new list when index is negative.
func (s *Snapshot) put(e *types.Entity, index int) {
	oldStatus, oldIndex, exists := s.position(e.ID)
	if exists {
		if oldStatus == e.Status && (index < 0 || index == oldIndex) {
			s.entities[e.ID] = e.Clone()
			return
		}
		s.unlink(oldStatus, oldIndex)
	}

	s.entities[e.ID] = e.Clone()
	list := s.orderings[e.Status]
	if index < 0 || index > len(list) {
		index = len(list)
	}
	list = append(list, "")
	copy(list[index+1:], list[index:])
	list[index] = e.ID
	s.orderings[e.Status] = list
}

// remove deletes id and reports where it was.
func (s *Snapshot) remove(id string) (*types.Entity, int, bool) {
	e, ok := s.entities[id]
	if !ok {
		return nil, -1, false
	}
	status, index, _ := s.position(id)
	if index >= 0 {
		s.unlink(status, index)
	}
	delete(s.entities, id)
	return e, index, true
}

func (s *Snapshot) unlink(status string, index int) {
	list := s.orderings[status]
	list = append(list[:index:index], list[index+1:]...)
	if len(list) == 0 {
		delete(s.orderings, status)
		return
	}
	s.orderings[status] = list
}

// Verify checks the ordering invariant.
func (s *Snapshot) Verify() error {
	seen := make(map[string]bool, len(s.entities))
	for status, ids := range s.orderings {
		for _, id := range ids {
			e, ok := s.entities[id]
			if !ok {
				return fmt.Errorf("ordering %q references unknown id %s", status, id)
			}
			if seen[id] {
				return fmt.Errorf("id %s listed twice", id)
			}
			if e.Status != status {
				return fmt.Errorf("id %s has status %q but is listed under %q", id, e.Status, status)
			}
			seen[id] = true
		}
	}
	if len(seen) != len(s.entities) {
		return fmt.Errorf("%d entities but %d ordered ids", len(s.entities), len(seen))
	}
	return nil
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	c := NewSnapshot(s.Scope)
	for id, e := range s.entities {
		c.entities[id] = e.Clone()
	}
	for status, ids := range s.orderings {
		c.orderings[status] = append([]string(nil), ids...)
	}
	return c
}

// Equal reports whether two snapshots hold the same entities in the same order.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s.Scope != o.Scope || len(s.entities) != len(o.entities) {
		return false
	}
	for id, e := range s.entities {
		other, ok := o.entities[id]
		if !ok || !reflect.DeepEqual(e, other) {
			return false
		}
	}
	return reflect.DeepEqual(s.orderings, o.orderings)
}

// ToWire converts the snapshot back to its transfer form.
func (s *Snapshot) ToWire() *types.Snapshot {
	w := &types.Snapshot{
		Scope:     s.Scope,
		Entities:  make([]*types.Entity, 0, len(s.entities)),
		Orderings: make(map[string][]string, len(s.orderings)),
	}
	for _, status := range s.Statuses() {
		ids := s.Ordering(status)
		w.Orderings[status] = ids
		for _, id := range ids {
			w.Entities = append(w.Entities, s.entities[id].Clone())
		}
	}
	return w
}
