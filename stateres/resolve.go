// Package stateres implements the two Matrix state resolution algorithms:
// the original resolution used by room versions 1 and 2, and the v2
// mainline resolution used by every later version. Resolution is a pure
// computation over event data; it reads from the store through
// EventProvider and never writes.
package stateres

import (
	"context"
	"fmt"
	"maps"

	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/eventauth"
	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

// StateMap maps state positions to the event currently occupying them.
type StateMap map[pdu.StateTuple]*pdu.PDU

// EventProvider supplies stored events during auth chain walks. Events
// missing from the store are simply absent from the returned map.
type EventProvider interface {
	EventsByID(ctx context.Context, eventIDs []id.EventID) (map[id.EventID]*pdu.PDU, error)
}

// ErrMissingEvent is returned when resolution needs an event the store
// doesn't hold. The caller is expected to fetch the missing events over
// federation and retry.
var ErrMissingEvent = fmt.Errorf("event not found in store")

// Resolve computes the single state map the given branches converge on,
// using the algorithm of the room version. The result only depends on the
// set of branches, never on their order or on previous resolutions.
func Resolve(ctx context.Context, ver *roomversion.Version, branches []StateMap, provider EventProvider) (StateMap, error) {
	switch len(branches) {
	case 0:
		return StateMap{}, nil
	case 1:
		return maps.Clone(branches[0]), nil
	}
	if ver.StateRes == roomversion.StateResV1 {
		return resolveV1(ctx, ver, branches, provider)
	}
	return resolveV2(ctx, ver, branches, provider)
}

// resolution carries the event data shared by both algorithms: every event
// seen so far keyed by ID, plus memoized IDs for the content-addressed room
// versions where computing one means hashing the event.
type resolution struct {
	ver      *roomversion.Version
	provider EventProvider

	events map[id.EventID]*pdu.PDU
	ids    map[*pdu.PDU]id.EventID
}

func newResolution(ver *roomversion.Version, provider EventProvider) *resolution {
	return &resolution{
		ver:      ver,
		provider: provider,
		events:   make(map[id.EventID]*pdu.PDU),
		ids:      make(map[*pdu.PDU]id.EventID),
	}
}

// register memoizes the event's ID and makes it available for lookups.
func (r *resolution) register(evt *pdu.PDU) (id.EventID, error) {
	if eid, ok := r.ids[evt]; ok {
		return eid, nil
	}
	eid, err := evt.GetEventID(r.ver)
	if err != nil {
		return "", fmt.Errorf("computing event ID: %w", err)
	}
	r.ids[evt] = eid
	if _, ok := r.events[eid]; !ok {
		r.events[eid] = evt
	}
	return eid, nil
}

// load fetches the given events into the resolution, skipping ones already
// known. Every requested ID must exist.
func (r *resolution) load(ctx context.Context, eventIDs []id.EventID) error {
	var wanted []id.EventID
	for _, eid := range eventIDs {
		if _, ok := r.events[eid]; !ok {
			wanted = append(wanted, eid)
		}
	}
	if len(wanted) == 0 {
		return nil
	}
	fetched, err := r.provider.EventsByID(ctx, wanted)
	if err != nil {
		return fmt.Errorf("loading events: %w", err)
	}
	for _, eid := range wanted {
		evt, ok := fetched[eid]
		if !ok {
			return fmt.Errorf("%w: %s", ErrMissingEvent, eid)
		}
		r.events[eid] = evt
		r.ids[evt] = eid
	}
	return nil
}

// event returns a single event by ID, loading it if needed.
func (r *resolution) event(ctx context.Context, eventID id.EventID) (*pdu.PDU, error) {
	if evt, ok := r.events[eventID]; ok {
		return evt, nil
	}
	if err := r.load(ctx, []id.EventID{eventID}); err != nil {
		return nil, err
	}
	return r.events[eventID], nil
}

// partition splits the branch state maps into the entries every branch
// agrees on and the events competing for the remaining positions. A
// position missing from any branch counts as conflicted.
func (r *resolution) partition(branches []StateMap) (StateMap, map[id.EventID]*pdu.PDU, error) {
	tuples := make(map[pdu.StateTuple]struct{})
	for _, branch := range branches {
		for tuple, evt := range branch {
			if _, err := r.register(evt); err != nil {
				return nil, nil, err
			}
			tuples[tuple] = struct{}{}
		}
	}

	unconflicted := make(StateMap)
	conflicted := make(map[id.EventID]*pdu.PDU)
	for tuple := range tuples {
		agreed := true
		var firstID id.EventID
		for i, branch := range branches {
			evt, ok := branch[tuple]
			if !ok {
				agreed = false
				break
			}
			if i == 0 {
				firstID = r.ids[evt]
			} else if r.ids[evt] != firstID {
				agreed = false
				break
			}
		}
		if agreed {
			unconflicted[tuple] = branches[0][tuple]
			continue
		}
		for _, branch := range branches {
			if evt, ok := branch[tuple]; ok {
				conflicted[r.ids[evt]] = evt
			}
		}
	}
	return unconflicted, conflicted, nil
}

// authStateFor assembles the auth events for evt during replay: positions
// come from the partially resolved state when present, and from the event's
// own declared auth_events otherwise.
func (r *resolution) authStateFor(ctx context.Context, evt *pdu.PDU, partial StateMap) (*eventauth.AuthState, error) {
	var authEvents []*pdu.PDU
	for _, tuple := range eventauth.ExpectedAuthTuples(evt, r.ver) {
		if se, ok := partial[tuple]; ok {
			authEvents = append(authEvents, se)
			continue
		}
		for _, authID := range evt.AuthEvents {
			ae, err := r.event(ctx, authID)
			if err != nil {
				return nil, err
			}
			if t, ok := ae.StateTuple(); ok && t == tuple {
				authEvents = append(authEvents, ae)
				break
			}
		}
	}
	return eventauth.NewAuthState(authEvents...)
}
