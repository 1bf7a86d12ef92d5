package integration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamsync/internal/app"
	"teamsync/internal/client"
	"teamsync/internal/reconcile"
	"teamsync/pkg/types"
)

const wait = 3 * time.Second
const tick = 10 * time.Millisecond

func TestBoard_MoveReachesOtherMember(t *testing.T) {
	srv := startServer(t)
	alice := srv.connect(t, "alice-token", "laptop")
	bob := srv.connect(t, "bob-token", "phone")
	ctx := context.Background()

	require.NoError(t, alice.ws.Enter(ctx, "P1"))
	require.NoError(t, bob.ws.Enter(ctx, "P1"))
	assert.Eventually(t, func() bool { return alice.ws.Presence() == 2 }, wait, tick)

	done := types.StatusDone
	p, err := alice.ws.Apply(ctx, types.Change{Op: types.ChangeUpdate, EntityID: "T2", Status: &done})
	require.NoError(t, err)
	assert.Equal(t, []string{"T2"}, alice.order(t, types.StatusDone), "optimistic move is visible at once")

	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	e, err := p.Wait(wctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), e.Version)

	assert.Eventually(t, func() bool {
		got := bob.order(t, types.StatusDone)
		return len(got) == 1 && got[0] == "T2"
	}, wait, tick)
	assert.Equal(t, []string{"T1", "T3"}, bob.order(t, types.StatusTodo))
	assert.Equal(t, []string{"T1", "T3"}, alice.order(t, types.StatusTodo))
}

func TestBoard_CreateAdoptsServerID(t *testing.T) {
	srv := startServer(t)
	alice := srv.connect(t, "alice-token", "laptop")
	bob := srv.connect(t, "bob-token", "phone")
	ctx := context.Background()
	require.NoError(t, alice.ws.Enter(ctx, "P1"))
	require.NoError(t, bob.ws.Enter(ctx, "P1"))

	p, err := alice.ws.Apply(ctx, types.Change{
		Op:         types.ChangeCreate,
		EntityType: types.EntityTask,
		Fields:     map[string]interface{}{"title": "four"},
	})
	require.NoError(t, err)
	assert.True(t, reconcile.IsProvisional(p.EntityID))

	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	created, err := p.Wait(wctx)
	require.NoError(t, err)
	assert.False(t, reconcile.IsProvisional(created.ID))

	assert.Equal(t, []string{"T1", "T2", "T3", created.ID}, alice.order(t, types.StatusTodo))
	assert.Eventually(t, func() bool {
		return len(bob.order(t, types.StatusTodo)) == 4
	}, wait, tick)
	assert.Equal(t, created.ID, bob.order(t, types.StatusTodo)[3])
}

func TestBoard_RejectedWriteRollsBack(t *testing.T) {
	srv := startServer(t)
	alice := srv.connect(t, "alice-token", "laptop")
	ctx := context.Background()
	require.NoError(t, alice.ws.Enter(ctx, "P1"))

	before, err := alice.ws.Board(ctx)
	require.NoError(t, err)

	huge := strings.Repeat("x", types.MaxPayloadBytes+1)
	done := types.StatusDone
	p, err := alice.ws.Apply(ctx, types.Change{
		Op:       types.ChangeUpdate,
		EntityID: "T1",
		Status:   &done,
		Fields:   map[string]interface{}{"notes": huge},
	})
	require.NoError(t, err)

	wctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	_, err = p.Wait(wctx)
	assert.ErrorIs(t, err, types.ErrMutationRejected)
	assert.Equal(t, reconcile.OpRolledBack, p.State())

	after, err := alice.ws.Board(ctx)
	require.NoError(t, err)
	assert.True(t, before.Equal(after), "board is restored exactly")
}

func TestAccess_NonMemberCannotLoadScope(t *testing.T) {
	srv := startServer(t)
	carol := srv.connect(t, "carol-token", "tablet")

	err := carol.ws.Enter(context.Background(), "P1")
	assert.ErrorIs(t, err, types.ErrRehydrationFailure)
	assert.True(t, carol.ws.Degraded())
}

func TestShutdown_ClientsReconnectAndRehydrate(t *testing.T) {
	srv := startServer(t)
	alice := srv.connect(t, "alice-token", "laptop")
	ctx := context.Background()
	require.NoError(t, alice.ws.Enter(ctx, "P1"))

	// A write that bypasses the room, as if it happened while alice was offline.
	done := types.StatusDone
	_, err := srv.db.Mutate(ctx, "T3", types.Change{Op: types.ChangeUpdate, EntityID: "T3", Status: &done})
	require.NoError(t, err)

	// Closing every session with 1012 makes the client redial right away.
	srv.app.Connections().CloseAll(app.CloseServiceRestart, "service restart")

	assert.Eventually(t, func() bool {
		got := alice.order(t, types.StatusDone)
		return len(got) == 1 && got[0] == "T3"
	}, wait, tick)
	assert.Equal(t, types.StatusOpen, alice.session.Status())
}

func TestSession_SameDeviceInTwoProcessesSettles(t *testing.T) {
	srv := startServer(t)
	first := srv.open(t, "alice-token", "laptop")
	second := srv.open(t, "alice-token", "laptop")

	select {
	case <-first.Done():
	case <-time.After(wait):
		t.Fatal("older session was not ended")
	}
	assert.ErrorIs(t, first.Err(), client.ErrSessionSuperseded)

	// The survivor keeps its transport; nothing redials against it.
	select {
	case <-second.Reconnected():
		t.Fatal("newer session was knocked offline")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, types.StatusOpen, second.Status())

	assert.Eventually(t, func() bool {
		stats := srv.app.Connections().GetStats()
		return stats["open_connections"] == 1 && stats["principals_devices"] == 1
	}, wait, tick)
}
