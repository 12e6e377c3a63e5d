package eventauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

func TestExpectedAuthTuples(t *testing.T) {
	tuple := func(evtType, stateKey string) pdu.StateTuple {
		return pdu.StateTuple{Type: evtType, StateKey: stateKey}
	}
	inviteVia3PI := stateEvent(t, pdu.TypeMember, string(dave), alice, map[string]any{
		"membership": "invite",
		"third_party_invite": map[string]any{
			"display_name": "d...@e...",
			"signed":       map[string]any{"mxid": dave, "token": "tok123"},
		},
	})
	restrictedJoin := stateEvent(t, pdu.TypeMember, string(dave), dave, map[string]any{
		"membership":                       "join",
		"join_authorised_via_users_server": bob,
	})

	cases := []struct {
		name string
		evt  *pdu.PDU
		ver  *roomversion.Version
		want []pdu.StateTuple
	}{{
		name: "create selects nothing",
		evt:  stateEvent(t, pdu.TypeCreate, "", alice, map[string]any{"creator": alice, "room_version": "10"}),
		ver:  roomversion.V10,
		want: nil,
	}, {
		name: "message",
		evt:  messageEvent(t, bob),
		ver:  roomversion.V10,
		want: []pdu.StateTuple{
			tuple(pdu.TypeCreate, ""),
			tuple(pdu.TypePowerLevels, ""),
			tuple(pdu.TypeMember, string(bob)),
		},
	}, {
		name: "own join",
		evt:  memberEvent(t, bob, bob, "join"),
		ver:  roomversion.V10,
		want: []pdu.StateTuple{
			tuple(pdu.TypeCreate, ""),
			tuple(pdu.TypePowerLevels, ""),
			tuple(pdu.TypeMember, string(bob)),
			tuple(pdu.TypeJoinRules, ""),
		},
	}, {
		name: "invite",
		evt:  memberEvent(t, alice, dave, "invite"),
		ver:  roomversion.V10,
		want: []pdu.StateTuple{
			tuple(pdu.TypeCreate, ""),
			tuple(pdu.TypePowerLevels, ""),
			tuple(pdu.TypeMember, string(alice)),
			tuple(pdu.TypeMember, string(dave)),
			tuple(pdu.TypeJoinRules, ""),
		},
	}, {
		name: "third party invite adds the token position",
		evt:  inviteVia3PI,
		ver:  roomversion.V10,
		want: []pdu.StateTuple{
			tuple(pdu.TypeCreate, ""),
			tuple(pdu.TypePowerLevels, ""),
			tuple(pdu.TypeMember, string(alice)),
			tuple(pdu.TypeMember, string(dave)),
			tuple(pdu.TypeJoinRules, ""),
			tuple(pdu.TypeThirdPartyInvite, "tok123"),
		},
	}, {
		name: "restricted join adds the authorising user",
		evt:  restrictedJoin,
		ver:  roomversion.V10,
		want: []pdu.StateTuple{
			tuple(pdu.TypeCreate, ""),
			tuple(pdu.TypePowerLevels, ""),
			tuple(pdu.TypeMember, string(dave)),
			tuple(pdu.TypeJoinRules, ""),
			tuple(pdu.TypeMember, string(bob)),
		},
	}, {
		name: "authorising user ignored before restricted joins existed",
		evt:  restrictedJoin,
		ver:  roomversion.V7,
		want: []pdu.StateTuple{
			tuple(pdu.TypeCreate, ""),
			tuple(pdu.TypePowerLevels, ""),
			tuple(pdu.TypeMember, string(dave)),
			tuple(pdu.TypeJoinRules, ""),
		},
	}, {
		name: "knock",
		evt:  memberEvent(t, eve, eve, "knock"),
		ver:  roomversion.V10,
		want: []pdu.StateTuple{
			tuple(pdu.TypeCreate, ""),
			tuple(pdu.TypePowerLevels, ""),
			tuple(pdu.TypeMember, string(eve)),
			tuple(pdu.TypeJoinRules, ""),
		},
	}, {
		name: "knock needs no join rules before v7",
		evt:  memberEvent(t, eve, eve, "knock"),
		ver:  roomversion.V6,
		want: []pdu.StateTuple{
			tuple(pdu.TypeCreate, ""),
			tuple(pdu.TypePowerLevels, ""),
			tuple(pdu.TypeMember, string(eve)),
		},
	}, {
		name: "ban",
		evt:  memberEvent(t, alice, eve, "ban"),
		ver:  roomversion.V10,
		want: []pdu.StateTuple{
			tuple(pdu.TypeCreate, ""),
			tuple(pdu.TypePowerLevels, ""),
			tuple(pdu.TypeMember, string(alice)),
			tuple(pdu.TypeMember, string(eve)),
		},
	}, {
		name: "own leave",
		evt:  memberEvent(t, bob, bob, "leave"),
		ver:  roomversion.V10,
		want: []pdu.StateTuple{
			tuple(pdu.TypeCreate, ""),
			tuple(pdu.TypePowerLevels, ""),
			tuple(pdu.TypeMember, string(bob)),
		},
	}}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ExpectedAuthTuples(tc.evt, tc.ver))
		})
	}
}

func TestSelectAuthEvents(t *testing.T) {
	state := fixtureState(t)

	selected := SelectAuthEvents(messageEvent(t, bob), state, roomversion.V10)
	require.Len(t, selected, 3)
	assert.Same(t, state.Create(), selected[0])
	assert.Same(t, state.PowerLevels(), selected[1])
	assert.Same(t, state.Member(bob), selected[2])

	selected = SelectAuthEvents(memberEvent(t, charlie, charlie, "join"), state, roomversion.V10)
	require.Len(t, selected, 4)
	assert.Same(t, state.JoinRulesEvent(), selected[3])
}

func TestSelectAuthEvents_VacantPositions(t *testing.T) {
	// A room fresh off its create event has no power levels or join rules
	// yet, so those positions simply go unreferenced.
	create := stateEvent(t, pdu.TypeCreate, "", alice, map[string]any{"creator": alice, "room_version": "10"})
	state, err := NewAuthState(create, memberEvent(t, alice, alice, "join"))
	require.NoError(t, err)

	selected := SelectAuthEvents(messageEvent(t, alice), state, roomversion.V10)
	require.Len(t, selected, 2)
	assert.Same(t, create, selected[0])
	assert.Same(t, state.Member(alice), selected[1])
}

func TestCheckAuthEventSelection(t *testing.T) {
	full := fixtureState(t)
	create := full.Create()
	powerLevels := full.PowerLevels()
	bobMember := full.Member(bob)

	msg := messageEvent(t, bob)

	state, err := CheckAuthEventSelection(msg, []*pdu.PDU{create, powerLevels, bobMember}, roomversion.V10)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, 3, state.Len())
	assert.NoError(t, Check(msg, state, roomversion.V10), "the returned state feeds straight into Check")

	t.Run("duplicate position", func(t *testing.T) {
		dup := memberEvent(t, bob, bob, "join")
		_, err := CheckAuthEventSelection(msg, []*pdu.PDU{create, bobMember, dup}, roomversion.V10)
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("position outside the selection", func(t *testing.T) {
		_, err := CheckAuthEventSelection(msg, []*pdu.PDU{create, bobMember, full.JoinRulesEvent()}, roomversion.V10)
		assert.ErrorIs(t, err, ErrNotAuthorized, "messages never reference join rules")
	})

	t.Run("auth event from another room", func(t *testing.T) {
		foreign := makeEvent(t, map[string]any{
			"room_id":   "!elsewhere:one.example",
			"type":      pdu.TypeMember,
			"state_key": string(bob),
			"sender":    bob,
			"content":   map[string]any{"membership": "join"},
		})
		_, err := CheckAuthEventSelection(msg, []*pdu.PDU{create, foreign}, roomversion.V10)
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("create event never referenced", func(t *testing.T) {
		_, err := CheckAuthEventSelection(msg, []*pdu.PDU{powerLevels, bobMember}, roomversion.V10)
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("non-state auth event", func(t *testing.T) {
		_, err := CheckAuthEventSelection(msg, []*pdu.PDU{create, messageEvent(t, alice)}, roomversion.V10)
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})

	t.Run("create events declare nothing", func(t *testing.T) {
		state, err := CheckAuthEventSelection(create, nil, roomversion.V10)
		require.NoError(t, err)
		assert.Equal(t, 0, state.Len())

		_, err = CheckAuthEventSelection(create, []*pdu.PDU{powerLevels}, roomversion.V10)
		assert.ErrorIs(t, err, ErrNotAuthorized)
	})
}
