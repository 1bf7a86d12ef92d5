package workspace

import (
	"bytes"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/require"

	"teamsync/internal/reconcile"
	"teamsync/pkg/types"
)

func card(id, status, title string) *types.Entity {
	return &types.Entity{
		ID:        id,
		Type:      types.EntityTask,
		Scope:     "P1",
		Status:    status,
		Fields:    map[string]interface{}{"title": title},
		Version:   1,
		CreatedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestRenderBoard(t *testing.T) {
	wire := &types.Snapshot{
		Scope: "P1",
		Entities: []*types.Entity{
			card("T1", types.StatusTodo, "Write release notes"),
			card("T2", types.StatusTodo, "Review PR"),
			card("T3", types.StatusInProgress, "Ship build"),
			card("T4", "BLOCKED", "Retro"),
		},
		Orderings: map[string][]string{
			types.StatusTodo:       {"T1", "T2"},
			types.StatusInProgress: {"T3"},
			"BLOCKED":              {"T4"},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, RenderBoard(&buf, reconcile.FromWire(wire), 3, false))

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "board", buf.Bytes())
}

func TestRenderBoard_EmptyDegraded(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, RenderBoard(&buf, reconcile.NewSnapshot("P2"), 0, true))

	g := goldie.New(t, goldie.WithFixtureDir("testdata/golden"), goldie.WithNameSuffix(".golden"))
	g.Assert(t, "board_stale", buf.Bytes())
}
