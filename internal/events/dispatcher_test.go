package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamsync/pkg/types"
)

func task(id, status string, version int64) *types.Entity {
	return &types.Entity{
		ID:      id,
		Type:    types.EntityTask,
		Scope:   "P1",
		Status:  status,
		Fields:  map[string]interface{}{"title": id},
		Version: version,
	}
}

func eventFrame(t *testing.T, ev *types.DomainEvent, seq int64) []byte {
	t.Helper()
	raw, err := json.Marshal(types.Frame{Type: types.FrameEvent, Scope: ev.Scope, Seq: seq, Event: ev, Timestamp: time.Now()})
	require.NoError(t, err)
	return raw
}

func entityFrame(t *testing.T, kind types.EventKind, e *types.Entity, seq int64) []byte {
	t.Helper()
	ev, err := types.NewEntityEvent(kind, e, "")
	require.NoError(t, err)
	return eventFrame(t, ev, seq)
}

func TestSeenSet_FIFOEviction(t *testing.T) {
	s := NewSeenSet(3)
	assert.True(t, s.Add("a"))
	assert.True(t, s.Add("b"))
	assert.True(t, s.Add("c"))
	assert.False(t, s.Add("a"))
	assert.Equal(t, 3, s.Len())

	assert.True(t, s.Add("d"))
	assert.False(t, s.Contains("a"), "oldest token evicted")
	assert.True(t, s.Contains("b"))
	assert.True(t, s.Add("a"), "evicted token is new again")
	assert.False(t, s.Contains("b"))
	assert.Equal(t, 3, s.Len())

	assert.Equal(t, DefaultSeenCapacity, NewSeenSet(0).Capacity())
}

func TestDispatcher_DuplicateTokenIsDropped(t *testing.T) {
	d := NewDispatcher(DefaultSeenCapacity, nil)
	var got []Event
	d.Subscribe(types.EventEntityUpdated, func(ctx context.Context, ev Event) error {
		got = append(got, ev)
		return nil
	})

	frame := entityFrame(t, types.EventEntityUpdated, task("T1", types.StatusDone, 2), 7)
	require.NoError(t, d.Deliver(context.Background(), frame))
	assert.ErrorIs(t, d.Deliver(context.Background(), frame), ErrDuplicateEvent)

	require.Len(t, got, 1)
	changed, ok := got[0].(EntityChanged)
	require.True(t, ok)
	assert.False(t, changed.Created())
	assert.Equal(t, "T1", changed.Entity.ID)
	assert.Equal(t, int64(7), changed.Header().Seq)

	stats := d.GetStats()
	assert.Equal(t, int64(1), stats["delivered"])
	assert.Equal(t, int64(1), stats["duplicates"])
}

func TestDispatcher_ValidationDrops(t *testing.T) {
	d := NewDispatcher(DefaultSeenCapacity, nil)
	calls := 0
	d.Subscribe(types.EventEntityCreated, func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})
	ctx := context.Background()

	noToken, err := types.NewEntityEvent(types.EventEntityCreated, task("T1", "TODO", 1), "")
	require.NoError(t, err)
	noToken.IdentityToken = ""

	noEntityID, err := types.NewEntityEvent(types.EventEntityCreated, task("T2", "TODO", 1), "")
	require.NoError(t, err)
	noEntityID.EntityID = ""

	mismatched, err := types.NewEntityEvent(types.EventEntityCreated, task("T3", "TODO", 1), "")
	require.NoError(t, err)
	mismatched.EntityID = "T4"

	badKind, err := types.NewEntityEvent(types.EventEntityCreated, task("T5", "TODO", 1), "")
	require.NoError(t, err)
	badKind.Kind = "entity_renamed"

	tests := []struct {
		name string
		raw  []byte
	}{
		{"malformed json", []byte(`{"type":`)},
		{"event frame without event", []byte(`{"type":"event","scope":"P1"}`)},
		{"missing identity token", eventFrame(t, noToken, 1)},
		{"missing entity id", eventFrame(t, noEntityID, 2)},
		{"payload does not match envelope", eventFrame(t, mismatched, 3)},
		{"unknown kind", eventFrame(t, badKind, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, d.Deliver(ctx, tt.raw), types.ErrValidationFailure)
		})
	}
	assert.Zero(t, calls)
	assert.Equal(t, int64(len(tests)), d.GetStats()["dropped"])
}

func TestDispatcher_ScopeFilter(t *testing.T) {
	d := NewDispatcher(DefaultSeenCapacity, nil)
	calls := 0
	d.Subscribe(types.EventEntityCreated, func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})
	d.SetActiveScope("P2")

	frame := entityFrame(t, types.EventEntityCreated, task("T1", "TODO", 1), 1)
	assert.ErrorIs(t, d.Deliver(context.Background(), frame), ErrOtherScope)
	assert.Zero(t, calls)

	d.SetActiveScope("P1")
	require.NoError(t, d.Deliver(context.Background(), frame), "filtered token was not marked seen")
	assert.Equal(t, 1, calls)
}

func TestDispatcher_HandlerIsolation(t *testing.T) {
	d := NewDispatcher(DefaultSeenCapacity, nil)
	var order []string
	var reported []error
	d.OnHandlerError(func(ev Event, err error) { reported = append(reported, err) })

	d.Subscribe(types.EventEntityDeleted, func(ctx context.Context, ev Event) error {
		order = append(order, "panics")
		panic("boom")
	})
	d.Subscribe(types.EventEntityDeleted, func(ctx context.Context, ev Event) error {
		order = append(order, "fails")
		return errors.New("refused")
	})
	d.Subscribe(types.EventEntityDeleted, func(ctx context.Context, ev Event) error {
		order = append(order, "succeeds")
		del := ev.(EntityDeleted)
		assert.Equal(t, "T1", del.EntityID)
		assert.Equal(t, int64(4), del.Version)
		return nil
	})

	e := task("T1", "TODO", 4)
	require.NoError(t, d.Deliver(context.Background(), entityFrame(t, types.EventEntityDeleted, e, 1)))

	assert.Equal(t, []string{"panics", "fails", "succeeds"}, order)
	require.Len(t, reported, 2)
	assert.Contains(t, reported[0].Error(), "boom")
	assert.EqualError(t, reported[1], "refused")
	assert.Equal(t, int64(2), d.GetStats()["handler_failures"])
}

func TestDispatcher_Unsubscribe(t *testing.T) {
	d := NewDispatcher(DefaultSeenCapacity, nil)
	calls := 0
	unsubscribe := d.Subscribe(types.EventEntityCreated, func(ctx context.Context, ev Event) error {
		calls++
		return nil
	})

	require.NoError(t, d.Deliver(context.Background(), entityFrame(t, types.EventEntityCreated, task("T1", "TODO", 1), 1)))
	unsubscribe()
	unsubscribe()
	require.NoError(t, d.Deliver(context.Background(), entityFrame(t, types.EventEntityCreated, task("T2", "TODO", 1), 2)))
	assert.Equal(t, 1, calls)
}

func TestDispatcher_PresenceSignalAndControl(t *testing.T) {
	d := NewDispatcher(DefaultSeenCapacity, nil)
	var presence []int
	var signals []Signal
	var control []types.FrameType
	d.OnPresence(func(p PresenceChanged) { presence = append(presence, p.MemberCount) })
	d.OnControl(func(f *types.Frame) { control = append(control, f.Type) })
	d.Subscribe(types.EventEphemeralSignal, func(ctx context.Context, ev Event) error {
		signals = append(signals, ev.(Signal))
		return nil
	})
	ctx := context.Background()

	require.NoError(t, d.Deliver(ctx, eventFrame(t, types.NewPresenceEvent("P1", 3), 1)))

	sig, err := types.NewSignalEvent("P1", types.SignalPayload{Name: "typing", From: "bob", Data: json.RawMessage(`{"on":true}`)}, "conn-2")
	require.NoError(t, err)
	require.NoError(t, d.Deliver(ctx, eventFrame(t, sig, 2)))

	for _, ft := range []types.FrameType{types.FrameWelcome, types.FrameJoined, types.FramePong} {
		raw, _ := json.Marshal(types.Frame{Type: ft})
		require.NoError(t, d.Deliver(ctx, raw))
	}

	assert.Equal(t, []int{3}, presence)
	require.Len(t, signals, 1)
	assert.Equal(t, "typing", signals[0].Name)
	assert.Equal(t, "bob", signals[0].From)
	assert.Equal(t, "conn-2", signals[0].Origin)
	assert.Equal(t, []types.FrameType{types.FrameWelcome, types.FrameJoined, types.FramePong}, control)
}

func TestDispatcher_WindowIsBounded(t *testing.T) {
	d := NewDispatcher(2, nil)
	ctx := context.Background()
	frames := make([][]byte, 3)
	for i := range frames {
		frames[i] = entityFrame(t, types.EventEntityUpdated, task(fmt.Sprintf("T%d", i), "TODO", 2), int64(i))
		require.NoError(t, d.Deliver(ctx, frames[i]))
	}
	// The first token fell out of a two-token window and is delivered again.
	assert.NoError(t, d.Deliver(ctx, frames[0]))
	assert.ErrorIs(t, d.Deliver(ctx, frames[2]), ErrDuplicateEvent)
}
