package ingest

import (
	"context"
	"slices"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
)

// Limits on the history walks exposed to remote servers.
const (
	MissingEventsDefaultLimit = 10
	MissingEventsMaxLimit     = 20
	BackfillMaxLimit          = 100
)

// MissingEvents walks prev_events backward from the latest events until it
// reaches the earliest ones, collecting up to limit events above minDepth.
// The result is ordered oldest first, which is the order a receiver can
// validate them in.
func (e *Engine) MissingEvents(ctx context.Context, roomID id.RoomID, earliest, latest []id.EventID, limit int, minDepth int64) ([]*pdu.PDU, error) {
	if limit <= 0 {
		limit = MissingEventsDefaultLimit
	} else if limit > MissingEventsMaxLimit {
		limit = MissingEventsMaxLimit
	}
	collected, err := e.walkBackward(ctx, roomID, latest, earliest, limit, minDepth, false, false)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(collected, byDepthThenID)
	return collected, nil
}

// Backfill returns up to limit stored events reachable backward from the
// given points, newest first. Soft-failed events are skipped: they are not
// part of the room's delivered history.
func (e *Engine) Backfill(ctx context.Context, roomID id.RoomID, from []id.EventID, limit int) ([]*pdu.PDU, error) {
	if limit <= 0 || limit > BackfillMaxLimit {
		limit = BackfillMaxLimit
	}
	collected, err := e.walkBackward(ctx, roomID, from, nil, limit, 0, true, true)
	if err != nil {
		return nil, err
	}
	slices.SortFunc(collected, byDepthThenID)
	slices.Reverse(collected)
	return collected, nil
}

func byDepthThenID(a, b *pdu.PDU) int {
	if a.Depth != b.Depth {
		if a.Depth < b.Depth {
			return -1
		}
		return 1
	}
	// Same depth: order by raw bytes for determinism.
	return slices.Compare(a.Raw(), b.Raw())
}

// walkBackward is the shared bounded breadth-first walk over prev_events.
// The starting points themselves are not included; the stop set and
// anything beyond it is excluded.
func (e *Engine) walkBackward(ctx context.Context, roomID id.RoomID, start, stop []id.EventID, limit int, minDepth int64, includeStart, skipSoftFailed bool) ([]*pdu.PDU, error) {
	visited := make(map[id.EventID]struct{}, len(start)+len(stop))
	for _, eid := range stop {
		visited[eid] = struct{}{}
	}
	frontier := start
	if !includeStart {
		next, err := e.expandPrevs(ctx, roomID, start, visited)
		if err != nil {
			return nil, err
		}
		for _, eid := range start {
			visited[eid] = struct{}{}
		}
		frontier = next
	}

	var collected []*pdu.PDU
	for len(frontier) > 0 && len(collected) < limit {
		stored, err := e.Store.Events(ctx, frontier)
		if err != nil {
			return nil, err
		}
		var next []id.EventID
		for _, eid := range frontier {
			if _, seen := visited[eid]; seen {
				continue
			}
			visited[eid] = struct{}{}
			se, ok := stored[eid]
			if !ok || se.PDU.RoomID != roomID {
				continue
			}
			if se.Status == StatusSoftFailed && skipSoftFailed {
				// Walk through soft-failed events without returning them,
				// the history behind is still reachable.
			} else if se.PDU.Depth >= minDepth {
				collected = append(collected, se.PDU)
				if len(collected) >= limit {
					break
				}
			}
			for _, prevID := range se.PDU.PrevEvents {
				if _, seen := visited[prevID]; !seen {
					next = append(next, prevID)
				}
			}
		}
		frontier = next
	}
	return collected, nil
}

// expandPrevs loads the given events and returns their combined prev sets.
func (e *Engine) expandPrevs(ctx context.Context, roomID id.RoomID, eventIDs []id.EventID, visited map[id.EventID]struct{}) ([]id.EventID, error) {
	stored, err := e.Store.Events(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	var next []id.EventID
	for _, se := range stored {
		if se.PDU.RoomID != roomID {
			continue
		}
		for _, prevID := range se.PDU.PrevEvents {
			if _, seen := visited[prevID]; !seen {
				next = append(next, prevID)
			}
		}
	}
	return next, nil
}
