package eventauth

import (
	"fmt"
	"slices"

	"maunium.net/go/mautrix/event"

	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

// ExpectedAuthTuples returns the state positions the auth events selection
// algorithm names for evt, in a stable order. Positions may be vacant in a
// young room; the declared auth_events must simply contain nothing outside
// this set. Create events select nothing.
func ExpectedAuthTuples(evt *pdu.PDU, ver *roomversion.Version) []pdu.StateTuple {
	if evt.Type == pdu.TypeCreate {
		return nil
	}
	tuples := []pdu.StateTuple{
		{Type: pdu.TypeCreate},
		{Type: pdu.TypePowerLevels},
		{Type: pdu.TypeMember, StateKey: string(evt.Sender)},
	}
	if evt.Type != pdu.TypeMember || evt.StateKey == nil {
		return tuples
	}
	if *evt.StateKey != string(evt.Sender) {
		tuples = append(tuples, pdu.StateTuple{Type: pdu.TypeMember, StateKey: *evt.StateKey})
	}
	switch membership := evt.Membership(); membership {
	case event.MembershipJoin, event.MembershipInvite, event.MembershipKnock:
		if membership != event.MembershipKnock || ver.AllowKnocking {
			tuples = append(tuples, pdu.StateTuple{Type: pdu.TypeJoinRules})
		}
		if membership == event.MembershipInvite {
			if token := evt.ThirdPartyInviteToken(); token != "" {
				tuples = append(tuples, pdu.StateTuple{Type: pdu.TypeThirdPartyInvite, StateKey: token})
			}
		}
		if ver.RestrictedJoins && membership == event.MembershipJoin {
			if authoriser := evt.JoinAuthorisedVia(); authoriser != "" && string(authoriser) != string(evt.Sender) && string(authoriser) != *evt.StateKey {
				tuples = append(tuples, pdu.StateTuple{Type: pdu.TypeMember, StateKey: string(authoriser)})
			}
		}
	}
	return tuples
}

// SelectAuthEvents picks the auth events for a new event out of a state
// view, skipping vacant positions. Used when building local events.
func SelectAuthEvents(evt *pdu.PDU, state *AuthState, ver *roomversion.Version) []*pdu.PDU {
	tuples := ExpectedAuthTuples(evt, ver)
	selected := make([]*pdu.PDU, 0, len(tuples))
	for _, tuple := range tuples {
		if se := state.Get(tuple); se != nil {
			selected = append(selected, se)
		}
	}
	return selected
}

// CheckAuthEventSelection validates an event's declared auth events as a
// set: no duplicate positions, no events from other rooms, nothing outside
// the selection algorithm's output and the create event always referenced.
// It returns the events as an AuthState ready for Check.
func CheckAuthEventSelection(evt *pdu.PDU, authEvents []*pdu.PDU, ver *roomversion.Version) (*AuthState, error) {
	state, err := NewAuthState(authEvents...)
	if err != nil {
		return nil, err
	}
	expected := ExpectedAuthTuples(evt, ver)
	for _, authEvt := range authEvents {
		if authEvt.RoomID != evt.RoomID {
			return nil, fmt.Errorf("%w: auth event from different room %s", ErrNotAuthorized, authEvt.RoomID)
		}
		tuple, _ := authEvt.StateTuple()
		if !slices.Contains(expected, tuple) {
			return nil, fmt.Errorf("%w: %s is not a valid auth event for this event", ErrNotAuthorized, tuple)
		}
	}
	if evt.Type != pdu.TypeCreate && state.Create() == nil {
		return nil, fmt.Errorf("%w: auth_events does not reference the create event", ErrNotAuthorized)
	}
	return state, nil
}
