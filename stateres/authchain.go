package stateres

import (
	"context"
	"slices"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

// AuthChain returns the full auth chain of the given events: every event
// reachable through auth_events references, not including the inputs
// themselves. The result is sorted by event ID so responses built from it
// are stable.
func AuthChain(ctx context.Context, ver *roomversion.Version, provider EventProvider, events []*pdu.PDU) ([]*pdu.PDU, error) {
	r := newResolution(ver, provider)
	for _, evt := range events {
		if _, err := r.register(evt); err != nil {
			return nil, err
		}
	}
	chain, err := r.authChain(ctx, events)
	if err != nil {
		return nil, err
	}
	ids := make([]id.EventID, 0, len(chain))
	for eid := range chain {
		ids = append(ids, eid)
	}
	slices.Sort(ids)
	out := make([]*pdu.PDU, len(ids))
	for i, eid := range ids {
		out[i] = r.events[eid]
	}
	return out, nil
}

// authChain walks auth_events references breadth-first from the seeds until
// closure, loading unknown events in batches. The seeds themselves are not
// part of the chain unless another event references them.
func (r *resolution) authChain(ctx context.Context, seeds []*pdu.PDU) (map[id.EventID]struct{}, error) {
	chain := make(map[id.EventID]struct{})
	var frontier []id.EventID
	for _, evt := range seeds {
		frontier = append(frontier, evt.AuthEvents...)
	}
	for len(frontier) > 0 {
		added := frontier[:0]
		for _, eid := range frontier {
			if _, seen := chain[eid]; !seen {
				chain[eid] = struct{}{}
				added = append(added, eid)
			}
		}
		if err := r.load(ctx, added); err != nil {
			return nil, err
		}
		var next []id.EventID
		for _, eid := range added {
			next = append(next, r.events[eid].AuthEvents...)
		}
		frontier = next
	}
	return chain, nil
}

// authDifference returns the events present in at least one chain but not
// in all of them. This is the part of the auth history the branches
// disagree about, which state resolution must re-evaluate.
func authDifference(chains []map[id.EventID]struct{}) map[id.EventID]struct{} {
	union := make(map[id.EventID]struct{})
	for _, chain := range chains {
		for eid := range chain {
			union[eid] = struct{}{}
		}
	}
	diff := make(map[id.EventID]struct{})
	for eid := range union {
		for _, chain := range chains {
			if _, ok := chain[eid]; !ok {
				diff[eid] = struct{}{}
				break
			}
		}
	}
	return diff
}
