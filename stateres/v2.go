package stateres

import (
	"cmp"
	"container/heap"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/eventauth"
	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

// isPowerEvent reports whether evt can change who is allowed to do what in
// the room: power levels, join rules, and kicks or bans (member events
// whose sender is not their target).
func isPowerEvent(evt *pdu.PDU) bool {
	if evt.StateKey == nil {
		return false
	}
	switch evt.Type {
	case pdu.TypePowerLevels, pdu.TypeJoinRules:
		return *evt.StateKey == ""
	case pdu.TypeMember:
		m := evt.Membership()
		return (m == event.MembershipLeave || m == event.MembershipBan) &&
			*evt.StateKey != string(evt.Sender)
	}
	return false
}

// resolveV2 is the mainline algorithm used by room versions 2 and above.
// Power events are replayed first in reverse topological power order, the
// rest in mainline order, each checked against the state accumulated so
// far. Events failing their check are dropped; the unconflicted entries
// win over everything.
func resolveV2(ctx context.Context, ver *roomversion.Version, branches []StateMap, provider EventProvider) (StateMap, error) {
	r := newResolution(ver, provider)
	unconflicted, conflicted, err := r.partition(branches)
	if err != nil {
		return nil, err
	}
	if len(conflicted) == 0 {
		return unconflicted, nil
	}

	// The full conflicted set is the conflicted state events plus the auth
	// difference: events in some branch's auth chain but not in all.
	chains := make([]map[id.EventID]struct{}, len(branches))
	for i, branch := range branches {
		seeds := make([]*pdu.PDU, 0, len(branch))
		for _, evt := range branch {
			seeds = append(seeds, evt)
		}
		if chains[i], err = r.authChain(ctx, seeds); err != nil {
			return nil, err
		}
	}
	fullConflicted := make(map[id.EventID]*pdu.PDU, len(conflicted))
	maps.Copy(fullConflicted, conflicted)
	for eid := range authDifference(chains) {
		fullConflicted[eid] = r.events[eid]
	}

	// Power events drag the parts of their auth chains inside the set with
	// them into the first replay phase.
	powerSet := make(map[id.EventID]struct{})
	var queue []id.EventID
	for eid, evt := range fullConflicted {
		if isPowerEvent(evt) {
			queue = append(queue, eid)
		}
	}
	for len(queue) > 0 {
		eid := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		if _, seen := powerSet[eid]; seen {
			continue
		}
		powerSet[eid] = struct{}{}
		for _, authID := range fullConflicted[eid].AuthEvents {
			if _, ok := fullConflicted[authID]; ok {
				queue = append(queue, authID)
			}
		}
	}

	sortedPower, err := r.sortByPower(ctx, powerSet)
	if err != nil {
		return nil, err
	}

	log := zerolog.Ctx(ctx)
	partial := maps.Clone(unconflicted)
	replay := func(events []*pdu.PDU) error {
		for _, evt := range events {
			authState, err := r.authStateFor(ctx, evt, partial)
			if err != nil {
				return err
			}
			if cerr := eventauth.Check(evt, authState, ver); cerr != nil {
				log.Debug().
					Stringer("event_id", r.ids[evt]).
					Str("event_type", evt.Type).
					Err(cerr).
					Msg("Dropping conflicted event that fails auth during resolution")
				continue
			}
			tuple, _ := evt.StateTuple()
			partial[tuple] = evt
		}
		return nil
	}
	if err = replay(sortedPower); err != nil {
		return nil, err
	}

	// Everything else sorts against the mainline of the power levels event
	// that survived the first phase.
	positions, err := r.mainlinePositions(ctx, partial[pdu.StateTuple{Type: pdu.TypePowerLevels}])
	if err != nil {
		return nil, err
	}
	type mainlineKey struct {
		evt *pdu.PDU
		pos int
		ts  int64
		id  id.EventID
	}
	keys := make([]mainlineKey, 0, len(fullConflicted)-len(powerSet))
	for eid, evt := range fullConflicted {
		if _, isPower := powerSet[eid]; isPower {
			continue
		}
		pos, err := r.mainlinePosition(ctx, evt, positions)
		if err != nil {
			return nil, err
		}
		keys = append(keys, mainlineKey{evt: evt, pos: pos, ts: evt.OriginServerTS, id: eid})
	}
	slices.SortFunc(keys, func(a, b mainlineKey) int {
		if c := cmp.Compare(a.pos, b.pos); c != 0 {
			return c
		}
		if c := cmp.Compare(a.ts, b.ts); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	remaining := make([]*pdu.PDU, len(keys))
	for i, key := range keys {
		remaining[i] = key.evt
	}
	if err = replay(remaining); err != nil {
		return nil, err
	}

	// The unconflicted state always wins.
	maps.Copy(partial, unconflicted)
	return partial, nil
}

// senderLevel determines the power level evt's sender held, judged by evt's
// own auth events: the level from the referenced power levels event, or 100
// for the room creator while no power levels event exists yet.
func (r *resolution) senderLevel(ctx context.Context, evt *pdu.PDU) (int64, error) {
	plEvent, err := r.powerLevelAuthOf(ctx, evt)
	if err != nil {
		return 0, err
	}
	if plEvent == nil {
		for _, authID := range evt.AuthEvents {
			ae, err := r.event(ctx, authID)
			if err != nil {
				return 0, err
			}
			if tuple, ok := ae.StateTuple(); ok && tuple == (pdu.StateTuple{Type: pdu.TypeCreate}) {
				if ae.RoomCreator(r.ver) == evt.Sender {
					return 100, nil
				}
				break
			}
		}
		return 0, nil
	}
	pl, err := eventauth.ParsePowerLevels(plEvent, "", r.ver)
	if err != nil {
		return 0, err
	}
	return pl.UserLevel(evt.Sender), nil
}

// powerLevelAuthOf returns the power levels event referenced by evt's
// auth_events, or nil when it declares none.
func (r *resolution) powerLevelAuthOf(ctx context.Context, evt *pdu.PDU) (*pdu.PDU, error) {
	for _, authID := range evt.AuthEvents {
		ae, err := r.event(ctx, authID)
		if err != nil {
			return nil, err
		}
		if tuple, ok := ae.StateTuple(); ok && tuple == (pdu.StateTuple{Type: pdu.TypePowerLevels}) {
			return ae, nil
		}
	}
	return nil, nil
}

// mainlinePositions numbers the power levels lineage of the resolved power
// levels event, oldest first. The duplicate guard only matters for forged
// auth references in rooms with opaque event IDs.
func (r *resolution) mainlinePositions(ctx context.Context, resolvedPL *pdu.PDU) (map[id.EventID]int, error) {
	var lineage []id.EventID
	seen := make(map[id.EventID]struct{})
	for evt := resolvedPL; evt != nil; {
		eid, err := r.register(evt)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[eid]; dup {
			break
		}
		seen[eid] = struct{}{}
		lineage = append(lineage, eid)
		if evt, err = r.powerLevelAuthOf(ctx, evt); err != nil {
			return nil, err
		}
	}
	positions := make(map[id.EventID]int, len(lineage))
	for i, eid := range lineage {
		positions[eid] = len(lineage) - 1 - i
	}
	return positions, nil
}

// mainlinePosition walks evt's power levels ancestry until it hits the
// mainline. Events whose ancestry never reaches it sort at position zero.
func (r *resolution) mainlinePosition(ctx context.Context, evt *pdu.PDU, positions map[id.EventID]int) (int, error) {
	seen := make(map[id.EventID]struct{})
	for cur := evt; cur != nil; {
		eid, err := r.register(cur)
		if err != nil {
			return 0, err
		}
		if pos, ok := positions[eid]; ok {
			return pos, nil
		}
		if _, dup := seen[eid]; dup {
			break
		}
		seen[eid] = struct{}{}
		if cur, err = r.powerLevelAuthOf(ctx, cur); err != nil {
			return 0, err
		}
	}
	return 0, nil
}

// sortByPower orders the power events by reverse topological power
// ordering: auth dependencies first, ties broken by sender power level
// descending, then timestamp ascending, then event ID.
func (r *resolution) sortByPower(ctx context.Context, set map[id.EventID]struct{}) ([]*pdu.PDU, error) {
	outstanding := make(map[id.EventID]int, len(set))
	dependents := make(map[id.EventID][]id.EventID, len(set))
	for eid := range set {
		outstanding[eid] = 0
	}
	for eid := range set {
		for _, authID := range r.events[eid].AuthEvents {
			if _, ok := set[authID]; ok && authID != eid {
				outstanding[eid]++
				dependents[authID] = append(dependents[authID], eid)
			}
		}
	}

	ready := &powerQueue{}
	push := func(eid id.EventID) error {
		evt := r.events[eid]
		level, err := r.senderLevel(ctx, evt)
		if err != nil {
			return err
		}
		heap.Push(ready, powerEntry{id: eid, evt: evt, level: level, ts: evt.OriginServerTS})
		return nil
	}
	for eid, deg := range outstanding {
		if deg == 0 {
			if err := push(eid); err != nil {
				return nil, err
			}
		}
	}
	order := make([]*pdu.PDU, 0, len(set))
	for ready.Len() > 0 {
		entry := heap.Pop(ready).(powerEntry)
		order = append(order, entry.evt)
		for _, dep := range dependents[entry.id] {
			outstanding[dep]--
			if outstanding[dep] == 0 {
				if err := push(dep); err != nil {
					return nil, err
				}
			}
		}
	}
	if len(order) != len(set) {
		return nil, fmt.Errorf("auth references among conflicted events form a cycle")
	}
	return order, nil
}

type powerEntry struct {
	id    id.EventID
	evt   *pdu.PDU
	level int64
	ts    int64
}

// powerQueue pops the highest sender level first, then the oldest
// timestamp, then the lexicographically smallest event ID.
type powerQueue []powerEntry

func (q powerQueue) Len() int { return len(q) }
func (q powerQueue) Less(i, j int) bool {
	if q[i].level != q[j].level {
		return q[i].level > q[j].level
	}
	if q[i].ts != q[j].ts {
		return q[i].ts < q[j].ts
	}
	return q[i].id < q[j].id
}
func (q powerQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *powerQueue) Push(x any)   { *q = append(*q, x.(powerEntry)) }
func (q *powerQueue) Pop() any {
	old := *q
	entry := old[len(old)-1]
	*q = old[:len(old)-1]
	return entry
}
