package reconcile

import (
	"fmt"

	"github.com/google/uuid"

	"teamsync/pkg/types"
)

// MutationKind is the primitive a Mutation performs on a snapshot.
type MutationKind int

const (
	// MutationNoop changes nothing.
	MutationNoop MutationKind = iota
	// MutationPut stores an entity, at Index within its status list when Index >= 0.
	MutationPut
	// MutationRemove deletes an entity.
	MutationRemove
)

// Mutation is one reversible snapshot write.
type Mutation struct {
	Kind   MutationKind
	ID     string
	Entity *types.Entity
	Index  int
}

// Apply performs m on s and returns the mutation that undoes it.
func (m Mutation) Apply(s *Snapshot) Mutation {
	switch m.Kind {
	case MutationPut:
		before, existed := s.entities[m.ID]
		_, index, _ := s.position(m.ID)
		s.put(m.Entity, m.Index)
		if !existed {
			return Mutation{Kind: MutationRemove, ID: m.ID}
		}
		return Mutation{Kind: MutationPut, ID: m.ID, Entity: before, Index: index}

	case MutationRemove:
		before, index, existed := s.remove(m.ID)
		if !existed {
			return Mutation{Kind: MutationNoop, ID: m.ID}
		}
		return Mutation{Kind: MutationPut, ID: m.ID, Entity: before, Index: index}
	}
	return Mutation{Kind: MutationNoop, ID: m.ID}
}

// provisionalPrefix marks ids assigned locally before the server confirms a create.
const provisionalPrefix = "tmp-"

// IsProvisional reports whether id was assigned locally.
func IsProvisional(id string) bool {
	return len(id) > len(provisionalPrefix) && id[:len(provisionalPrefix)] == provisionalPrefix
}

// NewProvisionalID returns a fresh local id for an unconfirmed create.
func NewProvisionalID() string {
	return provisionalPrefix + uuid.NewString()
}

// forward builds the optimistic mutation for change against the current
// snapshot. Creates need change.EntityID already set.
func forward(s *Snapshot, change types.Change) (Mutation, error) {
	switch change.Op {
	case types.ChangeCreate:
		e := &types.Entity{
			ID:     change.EntityID,
			Type:   change.EntityType,
			Scope:  change.Scope,
			Fields: mergeFields(nil, change.Fields),
		}
		if change.Status != nil {
			e.Status = *change.Status
		} else if e.Type == types.EntityTask {
			e.Status = types.StatusTodo
		}
		return Mutation{Kind: MutationPut, ID: e.ID, Entity: e, Index: -1}, nil

	case types.ChangeUpdate:
		current, ok := s.entities[change.EntityID]
		if !ok {
			return Mutation{}, types.Reject("entity %s is not in the snapshot", change.EntityID)
		}
		e := current.Clone()
		if change.Status != nil {
			e.Status = *change.Status
		}
		e.Fields = mergeFields(e.Fields, change.Fields)
		return Mutation{Kind: MutationPut, ID: e.ID, Entity: e, Index: -1}, nil

	case types.ChangeDelete:
		if _, ok := s.entities[change.EntityID]; !ok {
			return Mutation{}, types.Reject("entity %s is not in the snapshot", change.EntityID)
		}
		return Mutation{Kind: MutationRemove, ID: change.EntityID}, nil
	}
	return Mutation{}, fmt.Errorf("%w: %q", types.ErrInvalidChangeOp, change.Op)
}

// mergeFields overlays patch on base; a nil value removes the key.
func mergeFields(base, patch map[string]interface{}) map[string]interface{} {
	if len(base) == 0 && len(patch) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}
