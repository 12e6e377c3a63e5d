package pdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"go.mau.fi/meowserv/roomversion"
)

func TestRedact_MessageContentDropped(t *testing.T) {
	raw := rawEvent(t, map[string]any{"unsigned": map[string]any{"age": 100}})
	redacted, err := Redact(raw, roomversion.V10)
	require.NoError(t, err)
	assert.Equal(t, "{}", gjson.GetBytes(redacted, "content").Raw)
	assert.False(t, gjson.GetBytes(redacted, "unsigned").Exists())
	assert.Equal(t, "m.room.message", gjson.GetBytes(redacted, "type").Str)
	assert.Equal(t, int64(5), gjson.GetBytes(redacted, "depth").Int())
}

func TestRedact_MemberEvent(t *testing.T) {
	raw := rawEvent(t, map[string]any{
		"type": "m.room.member", "state_key": "@bob:example.com",
		"content": map[string]any{
			"membership":                       "join",
			"displayname":                      "Bob",
			"join_authorised_via_users_server": "@admin:example.com",
		},
	})
	v8, err := Redact(raw, roomversion.V8)
	require.NoError(t, err)
	assert.Equal(t, "join", gjson.GetBytes(v8, "content.membership").Str)
	assert.False(t, gjson.GetBytes(v8, "content.displayname").Exists())
	assert.False(t, gjson.GetBytes(v8, "content.join_authorised_via_users_server").Exists())

	v9, err := Redact(raw, roomversion.V9)
	require.NoError(t, err)
	assert.Equal(t, "@admin:example.com", gjson.GetBytes(v9, "content.join_authorised_via_users_server").Str)
}

func TestRedact_MemberThirdPartyInviteSigned(t *testing.T) {
	raw := rawEvent(t, map[string]any{
		"type": "m.room.member", "state_key": "@bob:example.com",
		"content": map[string]any{
			"membership": "invite",
			"third_party_invite": map[string]any{
				"display_name": "b...@example.com",
				"signed":       map[string]any{"token": "abc123", "mxid": "@bob:example.com"},
			},
		},
	})
	v10, err := Redact(raw, roomversion.V10)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(v10, "content.third_party_invite").Exists())

	v11, err := Redact(raw, roomversion.V11)
	require.NoError(t, err)
	assert.Equal(t, "abc123", gjson.GetBytes(v11, "content.third_party_invite.signed.token").Str)
	assert.False(t, gjson.GetBytes(v11, "content.third_party_invite.display_name").Exists())
}

func TestRedact_CreateEvent(t *testing.T) {
	raw := rawEvent(t, map[string]any{
		"type": "m.room.create", "state_key": "", "prev_events": nil, "auth_events": nil,
		"content": map[string]any{"room_version": "11", "custom_field": "custom"},
	})
	v10, err := Redact(raw, roomversion.V10)
	require.NoError(t, err)
	assert.Equal(t, "11", gjson.GetBytes(v10, "content.room_version").Str)
	assert.False(t, gjson.GetBytes(v10, "content.custom_field").Exists())

	v11, err := Redact(raw, roomversion.V11)
	require.NoError(t, err)
	assert.Equal(t, "custom", gjson.GetBytes(v11, "content.custom_field").Str)
}

func TestRedact_PowerLevels(t *testing.T) {
	raw := rawEvent(t, map[string]any{
		"type": "m.room.power_levels", "state_key": "",
		"content": map[string]any{
			"users":          map[string]any{"@alice:example.com": 100},
			"events_default": 0,
			"invite":         50,
			"notifications":  map[string]any{"room": 50},
		},
	})
	v10, err := Redact(raw, roomversion.V10)
	require.NoError(t, err)
	assert.Equal(t, int64(100), gjson.GetBytes(v10, `content.users.@alice:example\.com`).Int())
	assert.True(t, gjson.GetBytes(v10, "content.events_default").Exists())
	assert.False(t, gjson.GetBytes(v10, "content.invite").Exists())
	assert.False(t, gjson.GetBytes(v10, "content.notifications").Exists())

	v11, err := Redact(raw, roomversion.V11)
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(v11, "content.invite").Exists())
	assert.False(t, gjson.GetBytes(v11, "content.notifications").Exists())
}

func TestRedact_AliasesOnlyInOldVersions(t *testing.T) {
	raw := rawEvent(t, map[string]any{
		"type": "m.room.aliases", "state_key": "example.com",
		"content": map[string]any{"aliases": []string{"#room:example.com"}},
	})
	v5, err := Redact(raw, roomversion.V5)
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(v5, "content.aliases").Exists())

	v6, err := Redact(raw, roomversion.V6)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(v6, "content.aliases").Exists())
}

func TestRedact_LegacyTopLevelFields(t *testing.T) {
	raw := rawEvent(t, map[string]any{
		"event_id":   "$legacy:example.com",
		"origin":     "example.com",
		"membership": "join",
		"prev_state": []any{},
	})
	v10, err := Redact(raw, roomversion.V10)
	require.NoError(t, err)
	assert.Equal(t, "example.com", gjson.GetBytes(v10, "origin").Str)
	assert.True(t, gjson.GetBytes(v10, "membership").Exists())
	assert.True(t, gjson.GetBytes(v10, "event_id").Exists())

	v11, err := Redact(raw, roomversion.V11)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(v11, "origin").Exists())
	assert.False(t, gjson.GetBytes(v11, "membership").Exists())
	assert.False(t, gjson.GetBytes(v11, "event_id").Exists())
}

func TestRedact_RedactionEvent(t *testing.T) {
	raw := rawEvent(t, map[string]any{
		"type":    "m.room.redaction",
		"redacts": "$target:example.com",
		"content": map[string]any{"redacts": "$target:example.com", "reason": "spam"},
	})
	v10, err := Redact(raw, roomversion.V10)
	require.NoError(t, err)
	assert.False(t, gjson.GetBytes(v10, "redacts").Exists())
	assert.False(t, gjson.GetBytes(v10, "content.redacts").Exists())

	v11, err := Redact(raw, roomversion.V11)
	require.NoError(t, err)
	assert.Equal(t, "$target:example.com", gjson.GetBytes(v11, "content.redacts").Str)
	assert.False(t, gjson.GetBytes(v11, "content.reason").Exists())
}
