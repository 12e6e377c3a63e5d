package stateres

import (
	"bytes"
	"cmp"
	"context"
	"crypto/sha1"
	"maps"
	"slices"
	"strings"

	"go.mau.fi/meowserv/eventauth"
	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

// resolveV1 is the original resolution algorithm, kept for room versions 1
// and 2. Conflicts are settled position by position in class order (power
// levels, then join rules, then memberships, then the rest), with each
// class checked against the winners of the previous ones.
func resolveV1(ctx context.Context, ver *roomversion.Version, branches []StateMap, provider EventProvider) (StateMap, error) {
	r := newResolution(ver, provider)
	resolved, conflicted, err := r.partitionV1(branches)
	if err != nil {
		return nil, err
	}
	if len(conflicted) == 0 {
		return resolved, nil
	}

	// Auth context: whatever the unconflicted state offers for the
	// positions the conflicted events name.
	authCtx := make(StateMap)
	for _, candidates := range conflicted {
		for _, evt := range candidates {
			for _, tuple := range eventauth.ExpectedAuthTuples(evt, ver) {
				if _, have := authCtx[tuple]; !have {
					if ue, ok := resolved[tuple]; ok {
						authCtx[tuple] = ue
					}
				}
			}
		}
	}

	tuples := make([]pdu.StateTuple, 0, len(conflicted))
	for tuple := range conflicted {
		tuples = append(tuples, tuple)
	}
	slices.SortFunc(tuples, func(a, b pdu.StateTuple) int {
		if c := strings.Compare(a.Type, b.Type); c != 0 {
			return c
		}
		return strings.Compare(a.StateKey, b.StateKey)
	})

	settled := make(map[pdu.StateTuple]bool)
	settle := func(tuple pdu.StateTuple, winner *pdu.PDU) {
		resolved[tuple] = winner
		settled[tuple] = true
	}
	syncAuthCtx := func() {
		for tuple := range settled {
			authCtx[tuple] = resolved[tuple]
		}
	}

	plTuple := pdu.StateTuple{Type: pdu.TypePowerLevels}
	if candidates, ok := conflicted[plTuple]; ok {
		settle(plTuple, r.resolveWithAuth(candidates, authCtx))
	}
	syncAuthCtx()
	for _, classType := range []string{pdu.TypeJoinRules, pdu.TypeMember} {
		for _, tuple := range tuples {
			if tuple.Type == classType && !settled[tuple] {
				settle(tuple, r.resolveWithAuth(conflicted[tuple], authCtx))
			}
		}
		syncAuthCtx()
	}
	for _, tuple := range tuples {
		if !settled[tuple] {
			settle(tuple, r.resolveNormal(conflicted[tuple], authCtx))
		}
	}
	return resolved, nil
}

// partitionV1 implements the original split, under which a position seen in
// only one branch stays unconflicted. Only positions the branches actively
// disagree on become conflicts.
func (r *resolution) partitionV1(branches []StateMap) (StateMap, map[pdu.StateTuple][]*pdu.PDU, error) {
	for _, branch := range branches {
		for _, evt := range branch {
			if _, err := r.register(evt); err != nil {
				return nil, nil, err
			}
		}
	}
	unconflicted := maps.Clone(branches[0])
	conflicted := make(map[pdu.StateTuple][]*pdu.PDU)
	addCandidate := func(tuple pdu.StateTuple, evt *pdu.PDU) {
		for _, existing := range conflicted[tuple] {
			if r.ids[existing] == r.ids[evt] {
				return
			}
		}
		conflicted[tuple] = append(conflicted[tuple], evt)
	}
	for _, branch := range branches[1:] {
		for tuple, evt := range branch {
			existing, ok := unconflicted[tuple]
			switch {
			case !ok:
				if _, contested := conflicted[tuple]; contested {
					addCandidate(tuple, evt)
				} else {
					unconflicted[tuple] = evt
				}
			case r.ids[existing] != r.ids[evt]:
				delete(unconflicted, tuple)
				addCandidate(tuple, existing)
				addCandidate(tuple, evt)
			}
		}
	}
	return unconflicted, conflicted, nil
}

// resolveWithAuth settles one contested position by replaying the
// candidates oldest first: each challenger must pass auth against the
// context with the current winner holding the position, and the first
// failure ends the contest.
func (r *resolution) resolveWithAuth(candidates []*pdu.PDU, authCtx StateMap) *pdu.PDU {
	ordered := r.orderV1(candidates)
	slices.Reverse(ordered)

	// Restrict the context to the positions the candidates actually name.
	needed := make(StateMap)
	for _, evt := range ordered {
		for _, tuple := range eventauth.ExpectedAuthTuples(evt, r.ver) {
			if ce, ok := authCtx[tuple]; ok {
				needed[tuple] = ce
			}
		}
	}

	winner := ordered[0]
	for _, challenger := range ordered[1:] {
		if tuple, ok := winner.StateTuple(); ok {
			needed[tuple] = winner
		}
		if r.checkV1(challenger, needed) != nil {
			return winner
		}
		winner = challenger
	}
	return winner
}

// resolveNormal settles a non-auth position: the highest ranked candidate
// that passes auth against the context wins, and the lowest ranked one if
// none do.
func (r *resolution) resolveNormal(candidates []*pdu.PDU, authCtx StateMap) *pdu.PDU {
	ordered := r.orderV1(candidates)
	for _, evt := range ordered {
		if r.checkV1(evt, authCtx) == nil {
			return evt
		}
	}
	return ordered[len(ordered)-1]
}

func (r *resolution) checkV1(evt *pdu.PDU, authCtx StateMap) error {
	events := make([]*pdu.PDU, 0, len(authCtx))
	for _, ae := range authCtx {
		events = append(events, ae)
	}
	state, err := eventauth.NewAuthState(events...)
	if err != nil {
		return err
	}
	return eventauth.Check(evt, state, r.ver)
}

// orderV1 ranks candidates the way the original algorithm did: highest
// depth first, ties broken by the SHA-1 digest of the event ID.
func (r *resolution) orderV1(candidates []*pdu.PDU) []*pdu.PDU {
	type ranked struct {
		evt   *pdu.PDU
		depth int64
		hash  [sha1.Size]byte
	}
	rank := make([]ranked, len(candidates))
	for i, evt := range candidates {
		rank[i] = ranked{evt: evt, depth: evt.Depth, hash: sha1.Sum([]byte(r.ids[evt]))}
	}
	slices.SortFunc(rank, func(a, b ranked) int {
		if c := cmp.Compare(b.depth, a.depth); c != 0 {
			return c
		}
		return bytes.Compare(a.hash[:], b.hash[:])
	})
	out := make([]*pdu.PDU, len(rank))
	for i, rk := range rank {
		out[i] = rk.evt
	}
	return out
}
