package database

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	dbconfig "teamsync/pkg/database"
	"teamsync/pkg/interfaces"
	"teamsync/pkg/types"
)

func setupTestDB(t *testing.T) *Manager {
	t.Helper()
	config := dbconfig.DefaultConfig()
	config.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	manager, err := NewManager(config, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })

	_, err = dbconfig.NewMigrationManager(manager.GetDB()).ApplyMigrations()
	require.NoError(t, err)
	return manager
}

func strp(s string) *string { return &s }

func TestManager_CreateAssignsIDVersionAndPosition(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	first, err := m.Mutate(ctx, "tmp-1", types.Change{
		Op: types.ChangeCreate, EntityType: types.EntityTask, Scope: "P1",
		Fields: map[string]interface{}{"title": "A"},
	})
	require.NoError(t, err)
	assert.NotEqual(t, "tmp-1", first.ID)
	assert.Equal(t, int64(1), first.Version)
	assert.Equal(t, types.StatusTodo, first.Status)

	second, err := m.Mutate(ctx, "tmp-2", types.Change{
		Op: types.ChangeCreate, EntityType: types.EntityTask, Scope: "P1",
		Fields: map[string]interface{}{"title": "B"},
	})
	require.NoError(t, err)

	snap, err := m.FetchSnapshot(ctx, "P1")
	require.NoError(t, err)
	require.Len(t, snap.Entities, 2)
	assert.Equal(t, []string{first.ID, second.ID}, snap.Orderings[types.StatusTodo])
	assert.Equal(t, "A", snap.Entities[0].Fields["title"])
}

func TestManager_UpdateMovesBetweenStatuses(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	a, err := m.Mutate(ctx, "", types.Change{Op: types.ChangeCreate, EntityType: types.EntityTask, Scope: "P1"})
	require.NoError(t, err)
	b, err := m.Mutate(ctx, "", types.Change{Op: types.ChangeCreate, EntityType: types.EntityTask, Scope: "P1"})
	require.NoError(t, err)

	moved, err := m.Mutate(ctx, a.ID, types.Change{Op: types.ChangeUpdate, Status: strp(types.StatusInProgress)})
	require.NoError(t, err)
	assert.Equal(t, int64(2), moved.Version)
	assert.Equal(t, types.StatusInProgress, moved.Status)

	snap, err := m.FetchSnapshot(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, snap.Orderings[types.StatusTodo])
	assert.Equal(t, []string{a.ID}, snap.Orderings[types.StatusInProgress])
}

func TestManager_UpdateMergesFields(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	e, err := m.Mutate(ctx, "", types.Change{
		Op: types.ChangeCreate, EntityType: types.EntityMessage, Scope: "chat",
		Fields: map[string]interface{}{"body": "hi", "pinned": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "", e.Status)

	updated, err := m.Mutate(ctx, e.ID, types.Change{
		Op:     types.ChangeUpdate,
		Fields: map[string]interface{}{"body": "hello", "pinned": nil},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"body": "hello"}, updated.Fields)

	stored, err := m.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.Version, stored.Version)
	assert.Equal(t, "hello", stored.Fields["body"])
}

func TestManager_DeleteIsSoftAndRejectsLaterWrites(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	e, err := m.Mutate(ctx, "", types.Change{Op: types.ChangeCreate, EntityType: types.EntityFile, Scope: "P1"})
	require.NoError(t, err)

	deleted, err := m.Mutate(ctx, e.ID, types.Change{Op: types.ChangeDelete})
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)
	assert.Equal(t, int64(2), deleted.Version)

	snap, err := m.FetchSnapshot(ctx, "P1")
	require.NoError(t, err)
	assert.Empty(t, snap.Entities)

	_, err = m.Mutate(ctx, e.ID, types.Change{Op: types.ChangeUpdate, Fields: map[string]interface{}{"x": 1}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrMutationRejected))

	stored, err := m.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.DeletedAt)
}

func TestManager_MutateRejections(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		entityID string
		change   types.Change
	}{
		{"unknown entity", "nope", types.Change{Op: types.ChangeUpdate}},
		{"bad type", "", types.Change{Op: types.ChangeCreate, EntityType: "widget", Scope: "P1"}},
		{"bad op", "x", types.Change{Op: "upsert"}},
		{"id mismatch", "a", types.Change{Op: types.ChangeDelete, EntityID: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Mutate(ctx, tt.entityID, tt.change)
			require.Error(t, err)
			var rej *types.RejectionError
			assert.True(t, errors.As(err, &rej))
		})
	}
}

func TestManager_ConcurrentUpdatesSerializeVersions(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	e, err := m.Mutate(ctx, "", types.Change{Op: types.ChangeCreate, EntityType: types.EntityTask, Scope: "P1"})
	require.NoError(t, err)

	const writers = 10
	var wg sync.WaitGroup
	versions := make(chan int64, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := m.Mutate(ctx, e.ID, types.Change{Op: types.ChangeUpdate, Fields: map[string]interface{}{"n": i}})
			if err == nil {
				versions <- got.Version
			}
		}(i)
	}
	wg.Wait()
	close(versions)

	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v], "version %d assigned twice", v)
		seen[v] = true
	}
	assert.Len(t, seen, writers)

	stored, err := m.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(writers+1), stored.Version)
}

func TestManager_Tokens(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	expires := time.Now().Add(time.Hour).UTC()
	require.NoError(t, m.InsertToken(ctx, "hash-1", "alice", "laptop", &expires))

	rec, err := m.LookupToken(ctx, "hash-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.PrincipalID)
	assert.Equal(t, "laptop", rec.DeviceID)
	require.NotNil(t, rec.ExpiresAt)
	assert.False(t, rec.Revoked)

	require.NoError(t, m.RevokeToken(ctx, "hash-1"))
	rec, err = m.LookupToken(ctx, "hash-1")
	require.NoError(t, err)
	assert.True(t, rec.Revoked)

	_, err = m.LookupToken(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	assert.ErrorIs(t, m.RevokeToken(ctx, "missing"), interfaces.ErrNotFound)
}

func TestManager_ScopeMembers(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, m.AddScopeMember(ctx, "P1", "bob"))
	require.NoError(t, m.AddScopeMember(ctx, "P1", "alice"))
	require.NoError(t, m.AddScopeMember(ctx, "P1", "alice"))

	members, err := m.ListScopeMembers(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, members)

	require.NoError(t, m.RemoveScopeMember(ctx, "P1", "bob"))
	members, err = m.ListScopeMembers(ctx, "P1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, members)
}

func TestManager_InsertEntityAndHealth(t *testing.T) {
	m := setupTestDB(t)
	ctx := context.Background()

	require.NoError(t, m.InsertEntity(ctx, &types.Entity{
		ID: "T1", Type: types.EntityTask, Scope: "P1", Status: types.StatusDone,
	}))
	e, err := m.GetEntity(ctx, "T1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.Version)

	assert.NoError(t, m.HealthCheck(ctx))
}

func TestManager_ClosedRejectsWrites(t *testing.T) {
	m := setupTestDB(t)
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	err := m.AddScopeMember(context.Background(), "P1", "alice")
	assert.ErrorIs(t, err, ErrManagerClosed)
}
