// Package eventauth implements the event authorization rules: the required
// auth event selection, power level evaluation and the membership transition
// matrix, with per-room-version variants.
package eventauth

import (
	"fmt"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

// AuthState is the set of state events an authorization decision reads. The
// same checks run against three different views during validation: the
// event's declared auth_events, the resolved state before the event and the
// room's current state.
type AuthState struct {
	events map[pdu.StateTuple]*pdu.PDU
}

// NewAuthState builds an AuthState from state events. Non-state events and
// duplicate (type, state_key) pairs are rejected, which doubles as the
// duplicate check on declared auth_events.
func NewAuthState(events ...*pdu.PDU) (*AuthState, error) {
	as := &AuthState{events: make(map[pdu.StateTuple]*pdu.PDU, len(events))}
	for _, evt := range events {
		tuple, ok := evt.StateTuple()
		if !ok {
			return nil, fmt.Errorf("%w: auth event of type %s has no state key", ErrNotAuthorized, evt.Type)
		}
		if _, dup := as.events[tuple]; dup {
			return nil, fmt.Errorf("%w: duplicate auth event for %s", ErrNotAuthorized, tuple)
		}
		as.events[tuple] = evt
	}
	return as, nil
}

// Get returns the state event at the given position, or nil.
func (as *AuthState) Get(tuple pdu.StateTuple) *pdu.PDU {
	return as.events[tuple]
}

// Set replaces the entry at the event's own state position. Used by state
// resolution to accumulate state incrementally during replay.
func (as *AuthState) Set(evt *pdu.PDU) {
	tuple, ok := evt.StateTuple()
	if !ok {
		return
	}
	as.events[tuple] = evt
}

// Len returns the number of state entries.
func (as *AuthState) Len() int {
	return len(as.events)
}

func (as *AuthState) Create() *pdu.PDU {
	return as.events[pdu.StateTuple{Type: pdu.TypeCreate}]
}

func (as *AuthState) PowerLevels() *pdu.PDU {
	return as.events[pdu.StateTuple{Type: pdu.TypePowerLevels}]
}

func (as *AuthState) JoinRulesEvent() *pdu.PDU {
	return as.events[pdu.StateTuple{Type: pdu.TypeJoinRules}]
}

func (as *AuthState) Member(user id.UserID) *pdu.PDU {
	return as.events[pdu.StateTuple{Type: pdu.TypeMember, StateKey: string(user)}]
}

func (as *AuthState) ThirdPartyInvite(token string) *pdu.PDU {
	return as.events[pdu.StateTuple{Type: pdu.TypeThirdPartyInvite, StateKey: token}]
}

// Membership returns the user's membership, defaulting to leave when the
// user has no member event.
func (as *AuthState) Membership(user id.UserID) event.Membership {
	member := as.Member(user)
	if member == nil {
		return event.MembershipLeave
	}
	return member.Membership()
}

// JoinRule returns the room's join rule, defaulting to invite when the room
// has no join rules event.
func (as *AuthState) JoinRule() event.JoinRule {
	jr := as.JoinRulesEvent()
	if jr == nil {
		return event.JoinRuleInvite
	}
	return jr.JoinRule()
}

// Creator returns the room creator according to the create event, or "".
func (as *AuthState) Creator(ver *roomversion.Version) id.UserID {
	create := as.Create()
	if create == nil {
		return ""
	}
	return create.RoomCreator(ver)
}
