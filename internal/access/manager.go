// Package access decides which principals may join which scopes.
package access

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"teamsync/pkg/types"
)

// MemberSource lists the principals allowed into a scope.
type MemberSource interface {
	ListScopeMembers(ctx context.Context, scope string) ([]string, error)
}

type scopeEntry struct {
	members  map[string]bool
	loadedAt time.Time
}

// Manager implements interfaces.ScopeAuthorizer with a cache in front of the
// membership table.
// ARCHITECTURAL DISCOVERY: Cache-first lookups keep the join path off the
// database; misses and stale entries fall back to it.
type Manager struct {
	source MemberSource
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time

	mu     sync.RWMutex
	scopes map[string]*scopeEntry
	loads  singleflight.Group
}

// NewManager creates an access manager. A ttl of zero caches forever until
// RefreshCache or Invalidate is called.
func NewManager(source MemberSource, ttl time.Duration, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		source: source,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "access")),
		now:    time.Now,
		scopes: make(map[string]*scopeEntry),
	}
}

// Authorize returns nil when principalID may join scope.
func (m *Manager) Authorize(ctx context.Context, scope, principalID string) error {
	if !types.IsValidScope(scope) {
		return types.ErrInvalidScope
	}

	if entry, ok := m.cached(scope); ok {
		if entry.members[principalID] {
			return nil
		}
		// A negative cache hit may be stale membership; reload once.
	}

	entry, err := m.load(ctx, scope)
	if err != nil {
		return err
	}
	if !entry.members[principalID] {
		return fmt.Errorf("%w: %s in %s", ErrNotMember, principalID, scope)
	}
	return nil
}

func (m *Manager) cached(scope string) (*scopeEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.scopes[scope]
	if !ok {
		return nil, false
	}
	if m.ttl > 0 && m.now().Sub(entry.loadedAt) > m.ttl {
		return nil, false
	}
	return entry, true
}

func (m *Manager) load(ctx context.Context, scope string) (*scopeEntry, error) {
	v, err, _ := m.loads.Do(scope, func() (interface{}, error) {
		members, err := m.source.ListScopeMembers(ctx, scope)
		if err != nil {
			return nil, fmt.Errorf("failed to load members of %s: %w", scope, err)
		}
		entry := &scopeEntry{members: make(map[string]bool, len(members)), loadedAt: m.now()}
		for _, id := range members {
			entry.members[id] = true
		}

		m.mu.Lock()
		m.scopes[scope] = entry
		m.mu.Unlock()
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*scopeEntry), nil
}

// Invalidate drops one scope from the cache.
func (m *Manager) Invalidate(scope string) {
	m.mu.Lock()
	delete(m.scopes, scope)
	m.mu.Unlock()
}

// RefreshCache reloads every cached scope from the source.
func (m *Manager) RefreshCache(ctx context.Context) error {
	m.mu.RLock()
	scopes := make([]string, 0, len(m.scopes))
	for scope := range m.scopes {
		scopes = append(scopes, scope)
	}
	m.mu.RUnlock()

	for _, scope := range scopes {
		if _, err := m.load(ctx, scope); err != nil {
			return fmt.Errorf("failed to refresh access cache: %w", err)
		}
	}

	m.logger.Debug("refreshed access cache", zap.Int("scopes", len(scopes)))
	return nil
}

// GetStats returns cache statistics
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := 0
	for _, e := range m.scopes {
		members += len(e.members)
	}
	return map[string]interface{}{
		"cached_scopes":  len(m.scopes),
		"cached_members": members,
	}
}
