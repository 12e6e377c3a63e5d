package eventauth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

func TestParsePowerLevels_NoEvent(t *testing.T) {
	pl, err := ParsePowerLevels(nil, alice, roomversion.V10)
	require.NoError(t, err)

	assert.EqualValues(t, 100, pl.UserLevel(alice), "creator gets 100 in a room without power levels")
	assert.EqualValues(t, 0, pl.UserLevel(bob))
	assert.EqualValues(t, 0, pl.RequiredLevel("m.room.name", true), "state_default is 0 without an event")
	assert.EqualValues(t, 0, pl.RequiredLevel("m.room.message", false))
	assert.EqualValues(t, 50, pl.Ban)
	assert.EqualValues(t, 50, pl.Kick)
	assert.EqualValues(t, 50, pl.Redact)
	assert.EqualValues(t, 0, pl.Invite)
}

func TestParsePowerLevels_Event(t *testing.T) {
	evt := stateEvent(t, pdu.TypePowerLevels, "", alice, map[string]any{
		"users":          map[string]any{string(alice): 100, string(bob): 50},
		"users_default":  5,
		"events":         map[string]any{"m.room.name": 75},
		"events_default": 10,
		"ban":            60,
		"invite":         25,
	})
	pl, err := ParsePowerLevels(evt, alice, roomversion.V10)
	require.NoError(t, err)

	assert.EqualValues(t, 100, pl.UserLevel(alice))
	assert.EqualValues(t, 50, pl.UserLevel(bob))
	assert.EqualValues(t, 5, pl.UserLevel(eve), "unknown users get users_default")
	assert.EqualValues(t, 75, pl.RequiredLevel("m.room.name", true))
	assert.EqualValues(t, 50, pl.RequiredLevel("m.room.topic", true), "state_default is 50 when the event exists")
	assert.EqualValues(t, 10, pl.RequiredLevel("m.room.message", false))
	assert.EqualValues(t, 60, pl.Ban)
	assert.EqualValues(t, 50, pl.Kick)
	assert.EqualValues(t, 25, pl.Invite)
}

func TestParsePowerLevels_StringLevels(t *testing.T) {
	evt := stateEvent(t, pdu.TypePowerLevels, "", alice, map[string]any{
		"users":         map[string]any{string(bob): "75"},
		"users_default": "5",
	})

	pl, err := ParsePowerLevels(evt, alice, roomversion.V9)
	require.NoError(t, err, "old versions tolerate stringy levels")
	assert.EqualValues(t, 75, pl.UserLevel(bob))
	assert.EqualValues(t, 5, pl.UserLevel(eve))

	_, err = ParsePowerLevels(evt, alice, roomversion.V10)
	assert.Error(t, err, "room v10 requires plain integers")
}

func TestParsePowerLevels_MalformedLevels(t *testing.T) {
	for _, content := range []map[string]any{
		{"users_default": []int{5}},
		{"users": map[string]any{string(bob): "not a number"}},
		{"events": map[string]any{"m.room.name": map[string]any{}}},
	} {
		evt := stateEvent(t, pdu.TypePowerLevels, "", alice, content)
		_, err := ParsePowerLevels(evt, alice, roomversion.V9)
		assert.Error(t, err, "content %v", content)
	}
}

func TestCheck_PowerLevels_GrantWithinOwn(t *testing.T) {
	state := fixtureState(t)

	grant := func(sender id.UserID, users map[string]any) *pdu.PDU {
		return stateEvent(t, pdu.TypePowerLevels, "", sender, map[string]any{
			"users": users,
		})
	}

	assert.NoError(t, Check(grant(bob, map[string]any{
		string(alice): 100, string(bob): 50, string(charlie): 25,
	}), state, roomversion.V10))

	err := Check(grant(bob, map[string]any{
		string(alice): 100, string(bob): 50, string(charlie): 75,
	}), state, roomversion.V10)
	assert.ErrorIs(t, err, ErrNotAuthorized, "cannot grant above own level")

	err = Check(grant(bob, map[string]any{
		string(alice): 100, string(bob): 75,
	}), state, roomversion.V10)
	assert.ErrorIs(t, err, ErrNotAuthorized, "cannot raise own level either")

	assert.NoError(t, Check(grant(bob, map[string]any{
		string(alice): 100, string(bob): 25,
	}), state, roomversion.V10), "lowering own level is allowed")
}

func TestCheck_PowerLevels_PeerProtection(t *testing.T) {
	state := fixtureState(t)
	state.Set(fixturePowerLevels(t, map[string]any{
		"users": map[string]any{string(alice): 100, string(bob): 50, string(charlie): 50},
	}))

	// bob and charlie sit at the same level: neither may touch the other.
	err := Check(stateEvent(t, pdu.TypePowerLevels, "", bob, map[string]any{
		"users": map[string]any{string(alice): 100, string(bob): 50, string(charlie): 25},
	}), state, roomversion.V10)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	err = Check(stateEvent(t, pdu.TypePowerLevels, "", bob, map[string]any{
		"users": map[string]any{string(alice): 100, string(bob): 50},
	}), state, roomversion.V10)
	assert.ErrorIs(t, err, ErrNotAuthorized, "removal counts as a change")

	// alice outranks both and may demote freely.
	assert.NoError(t, Check(stateEvent(t, pdu.TypePowerLevels, "", alice, map[string]any{
		"users": map[string]any{string(alice): 100, string(bob): 25},
	}), state, roomversion.V10))
}

func TestCheck_PowerLevels_UnchangedEntriesIgnored(t *testing.T) {
	state := fixtureState(t)

	// Resending the identical table only alters nothing, so even entries
	// above the sender's level pass.
	assert.NoError(t, Check(fixturePowerLevels(t, nil), state, roomversion.V10))

	resentByBob := stateEvent(t, pdu.TypePowerLevels, "", bob, map[string]any{
		"users":          map[string]any{string(alice): 100, string(bob): 50},
		"users_default":  0,
		"events_default": 0,
		"state_default":  50,
		"ban":            50,
		"kick":           50,
		"redact":         50,
		"invite":         0,
	})
	assert.NoError(t, Check(resentByBob, state, roomversion.V10))
}

func TestCheck_PowerLevels_NamedKeys(t *testing.T) {
	state := fixtureState(t)

	raise := func(sender id.UserID, key string, value int) *pdu.PDU {
		return stateEvent(t, pdu.TypePowerLevels, "", sender, map[string]any{
			"users": map[string]any{string(alice): 100, string(bob): 50},
			key:     value,
		})
	}

	assert.ErrorIs(t, Check(raise(bob, "ban", 75), state, roomversion.V10), ErrNotAuthorized,
		"cannot push a named level above own")
	assert.NoError(t, Check(raise(bob, "ban", 25), state, roomversion.V10))
	assert.NoError(t, Check(raise(alice, "ban", 75), state, roomversion.V10))

	// Dropping a key held above the sender's level counts as a change too.
	// The events override keeps bob allowed to send the event at all.
	state.Set(fixturePowerLevels(t, map[string]any{
		"state_default": 75,
		"events":        map[string]any{pdu.TypePowerLevels: 0},
	}))
	lowered := stateEvent(t, pdu.TypePowerLevels, "", bob, map[string]any{
		"users":  map[string]any{string(alice): 100, string(bob): 50},
		"events": map[string]any{pdu.TypePowerLevels: 0},
	})
	assert.ErrorIs(t, Check(lowered, state, roomversion.V10), ErrNotAuthorized)
}

func TestCheck_PowerLevels_EventOverrides(t *testing.T) {
	state := fixtureState(t)

	err := Check(stateEvent(t, pdu.TypePowerLevels, "", bob, map[string]any{
		"users":  map[string]any{string(alice): 100, string(bob): 50},
		"events": map[string]any{"m.room.name": 75},
	}), state, roomversion.V10)
	assert.ErrorIs(t, err, ErrNotAuthorized)

	assert.NoError(t, Check(stateEvent(t, pdu.TypePowerLevels, "", bob, map[string]any{
		"users":  map[string]any{string(alice): 100, string(bob): 50},
		"events": map[string]any{"m.room.name": 50},
	}), state, roomversion.V10))
}

func TestCheck_PowerLevels_Notifications(t *testing.T) {
	state := fixtureState(t)

	raiseRoom := stateEvent(t, pdu.TypePowerLevels, "", bob, map[string]any{
		"users":         map[string]any{string(alice): 100, string(bob): 50},
		"notifications": map[string]any{"room": 75},
	})
	assert.ErrorIs(t, Check(raiseRoom, state, roomversion.V10), ErrNotAuthorized)

	okRoom := stateEvent(t, pdu.TypePowerLevels, "", bob, map[string]any{
		"users":         map[string]any{string(alice): 100, string(bob): 50},
		"notifications": map[string]any{"room": 25},
	})
	assert.NoError(t, Check(okRoom, state, roomversion.V10))

	// Notification levels are only constrained from room v6 on.
	assert.NoError(t, Check(raiseRoom, state, roomversion.V5))
}

func TestCheck_PowerLevels_FirstEventExempt(t *testing.T) {
	// No power levels event yet: alice is creator with implicit 100.
	state, err := NewAuthState(
		stateEvent(t, pdu.TypeCreate, "", alice, map[string]any{"creator": alice, "room_version": "10"}),
		memberEvent(t, alice, alice, "join"),
	)
	require.NoError(t, err)

	first := stateEvent(t, pdu.TypePowerLevels, "", alice, map[string]any{
		"users": map[string]any{string(alice): 150, string(bob): 50},
	})
	assert.NoError(t, Check(first, state, roomversion.V10),
		"the first power levels event skips the alteration constraints")
}

func TestCheck_PowerLevels_Structure(t *testing.T) {
	state := fixtureState(t)

	badUser := stateEvent(t, pdu.TypePowerLevels, "", alice, map[string]any{
		"users": map[string]any{"bob": 50},
	})
	assert.ErrorIs(t, Check(badUser, state, roomversion.V10), ErrNotAuthorized,
		"users keys must be user IDs")

	stringLevel := stateEvent(t, pdu.TypePowerLevels, "", alice, map[string]any{
		"users": map[string]any{string(alice): 100, string(bob): 50},
		"ban":   "75",
	})
	assert.ErrorIs(t, Check(stringLevel, state, roomversion.V10), ErrNotAuthorized)

	badEvents := stateEvent(t, pdu.TypePowerLevels, "", alice, map[string]any{
		"users":  map[string]any{string(alice): 100, string(bob): 50},
		"events": []string{"m.room.name"},
	})
	assert.ErrorIs(t, Check(badEvents, state, roomversion.V10), ErrNotAuthorized)

	// The same string level sails through in an old room.
	state.Set(stateEvent(t, pdu.TypeCreate, "", alice, map[string]any{"creator": alice, "room_version": "9"}))
	assert.NoError(t, Check(stringLevel, state, roomversion.V9))
}
