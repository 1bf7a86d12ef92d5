package workspace

import (
	"fmt"
	"io"
	"sort"

	"teamsync/internal/reconcile"
	"teamsync/pkg/types"
)

var columnOrder = []string{types.StatusTodo, types.StatusInProgress, types.StatusDone}

// RenderBoard writes a plain-text board: the default columns first, then any
// other status alphabetically.
func RenderBoard(w io.Writer, snap *reconcile.Snapshot, presence int, degraded bool) error {
	header := fmt.Sprintf("%s (%d online)", snap.Scope, presence)
	if degraded {
		header += " [stale]"
	}
	if _, err := fmt.Fprintln(w, header); err != nil {
		return err
	}

	for _, status := range boardColumns(snap) {
		ids := snap.Ordering(status)
		label := status
		if label == "" {
			label = "(none)"
		}
		if _, err := fmt.Fprintf(w, "\n%s (%d)\n", label, len(ids)); err != nil {
			return err
		}
		for _, id := range ids {
			e, ok := snap.Get(id)
			if !ok {
				continue
			}
			if _, err := fmt.Fprintf(w, "  - %s  %s\n", id, title(e)); err != nil {
				return err
			}
		}
	}
	return nil
}

func boardColumns(snap *reconcile.Snapshot) []string {
	present := make(map[string]bool)
	for _, s := range snap.Statuses() {
		present[s] = true
	}
	cols := append([]string(nil), columnOrder...)
	var extra []string
	for s := range present {
		if s != types.StatusTodo && s != types.StatusInProgress && s != types.StatusDone {
			extra = append(extra, s)
		}
	}
	sort.Strings(extra)
	return append(cols, extra...)
}

func title(e *types.Entity) string {
	if t, ok := e.Fields["title"].(string); ok && t != "" {
		return t
	}
	if n, ok := e.Fields["name"].(string); ok && n != "" {
		return n
	}
	return "<" + e.Type + ">"
}
