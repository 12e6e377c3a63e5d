package pdu

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/roomversion"
)

func generateTestKey(t *testing.T) (ed25519.PrivateKey, id.SigningKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return priv, id.SigningKey(base64.RawStdEncoding.EncodeToString(pub))
}

func staticKeys(keys map[string]id.SigningKey) GetKeyFunc {
	return func(_ context.Context, serverName string, _ id.KeyID, _ time.Time) (id.SigningKey, time.Time, error) {
		return keys[serverName], time.Now().Add(24 * time.Hour), nil
	}
}

func TestContentHash_RoundTrip(t *testing.T) {
	evt := testEvent(t, nil)
	require.NoError(t, evt.FillContentHash())
	require.NotNil(t, evt.Hashes)
	assert.NoError(t, VerifyContentHash(evt.Raw()))
}

func TestContentHash_DetectsTampering(t *testing.T) {
	evt := testEvent(t, nil)
	require.NoError(t, evt.FillContentHash())
	tampered, err := sjson.SetBytes(evt.Raw(), "content.body", "tampered")
	require.NoError(t, err)
	assert.ErrorIs(t, VerifyContentHash(tampered), ErrHashMismatch)
}

func TestContentHash_IgnoresUnsigned(t *testing.T) {
	evt := testEvent(t, nil)
	require.NoError(t, evt.FillContentHash())
	withUnsigned, err := sjson.SetBytes(evt.Raw(), "unsigned.age", 12345)
	require.NoError(t, err)
	assert.NoError(t, VerifyContentHash(withUnsigned))
}

func TestContentHash_Missing(t *testing.T) {
	evt := testEvent(t, nil)
	assert.ErrorIs(t, VerifyContentHash(evt.Raw()), ErrHashMismatch)
}

func TestCalculateEventID_Formats(t *testing.T) {
	raw := rawEvent(t, nil)
	v3ID, err := CalculateEventID(raw, roomversion.V3)
	require.NoError(t, err)
	v4ID, err := CalculateEventID(raw, roomversion.V4)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(string(v3ID), "$"))
	assert.Len(t, string(v3ID), 44)
	assert.Len(t, string(v4ID), 44)
	assert.NotContains(t, string(v4ID), "+")
	assert.NotContains(t, string(v4ID), "/")

	v3Hash, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(string(v3ID), "$"))
	require.NoError(t, err)
	v4Hash, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(string(v4ID), "$"))
	require.NoError(t, err)
	assert.Equal(t, v3Hash, v4Hash, "same reference hash under both alphabets")
}

func TestCalculateEventID_KeyOrderInvariant(t *testing.T) {
	a := []byte(`{"type":"m.room.message","room_id":"!r:example.com","sender":"@a:example.com","depth":1,"origin_server_ts":1700000000000,"prev_events":["$p"],"auth_events":[],"content":{"body":"hi","msgtype":"m.text"}}`)
	b := []byte(`{"content":{"msgtype":"m.text","body":"hi"},"sender":"@a:example.com","room_id":"!r:example.com","type":"m.room.message","origin_server_ts":1700000000000,"depth":1,"auth_events":[],"prev_events":["$p"]}`)
	idA, err := CalculateEventID(a, roomversion.V10)
	require.NoError(t, err)
	idB, err := CalculateEventID(b, roomversion.V10)
	require.NoError(t, err)
	assert.Equal(t, idA, idB)
}

func TestCalculateEventID_IgnoresSignaturesAndUnsigned(t *testing.T) {
	base, err := CalculateEventID(rawEvent(t, nil), roomversion.V10)
	require.NoError(t, err)
	withExtras := rawEvent(t, map[string]any{
		"unsigned":   map[string]any{"age": 5},
		"signatures": map[string]any{"example.com": map[string]any{"ed25519:a": "fakesig"}},
	})
	got, err := CalculateEventID(withExtras, roomversion.V10)
	require.NoError(t, err)
	assert.Equal(t, base, got)
}

func TestCalculateEventID_Opaque(t *testing.T) {
	raw := rawEvent(t, map[string]any{"event_id": "$legacy:example.com"})
	got, err := CalculateEventID(raw, roomversion.V1)
	require.NoError(t, err)
	assert.Equal(t, id.EventID("$legacy:example.com"), got)
}

func TestPDU_SignAndVerify(t *testing.T) {
	priv, pub := generateTestKey(t)
	evt := testEvent(t, nil)
	require.NoError(t, evt.FillContentHash())
	require.NoError(t, evt.Sign(roomversion.V10, "example.com", "ed25519:test", priv))
	getKey := staticKeys(map[string]id.SigningKey{"example.com": pub})
	assert.NoError(t, evt.VerifySignatures(context.Background(), roomversion.V10, getKey))
}

func TestPDU_VerifySignature_TamperedProtectedField(t *testing.T) {
	priv, pub := generateTestKey(t)
	evt := testEvent(t, map[string]any{
		"type": "m.room.member", "state_key": "@alice:example.com",
		"content": map[string]any{"membership": "join", "displayname": "Alice"},
	})
	require.NoError(t, evt.FillContentHash())
	require.NoError(t, evt.Sign(roomversion.V10, "example.com", "ed25519:test", priv))
	getKey := staticKeys(map[string]id.SigningKey{"example.com": pub})

	tampered, err := sjson.SetBytes(evt.Raw(), "content.membership", "ban")
	require.NoError(t, err)
	tamperedEvt, err := Parse(tampered)
	require.NoError(t, err)
	assert.ErrorIs(t, tamperedEvt.VerifySignatures(context.Background(), roomversion.V10, getKey), ErrInvalidSignature)
}

func TestPDU_VerifySignature_RedactedFieldTamperBreaksOnlyHash(t *testing.T) {
	// Signatures cover the redacted event, so fields redaction strips are
	// only protected by the content hash.
	priv, pub := generateTestKey(t)
	evt := testEvent(t, map[string]any{
		"type": "m.room.member", "state_key": "@alice:example.com",
		"content": map[string]any{"membership": "join", "displayname": "Alice"},
	})
	require.NoError(t, evt.FillContentHash())
	require.NoError(t, evt.Sign(roomversion.V10, "example.com", "ed25519:test", priv))
	getKey := staticKeys(map[string]id.SigningKey{"example.com": pub})

	tampered, err := sjson.SetBytes(evt.Raw(), "content.displayname", "Mallory")
	require.NoError(t, err)
	tamperedEvt, err := Parse(tampered)
	require.NoError(t, err)
	assert.NoError(t, tamperedEvt.VerifySignatures(context.Background(), roomversion.V10, getKey))
	assert.ErrorIs(t, VerifyContentHash(tampered), ErrHashMismatch)
}

func TestPDU_VerifySignature_KeyValidity(t *testing.T) {
	priv, pub := generateTestKey(t)
	evt := testEvent(t, nil)
	require.NoError(t, evt.FillContentHash())
	require.NoError(t, evt.Sign(roomversion.V4, "example.com", "ed25519:test", priv))
	expired := func(_ context.Context, _ string, _ id.KeyID, _ time.Time) (id.SigningKey, time.Time, error) {
		return pub, time.UnixMilli(1690000000000), nil
	}
	ctx := context.Background()
	assert.ErrorIs(t, evt.VerifySignature(ctx, roomversion.V5, "example.com", expired), ErrInvalidSignature)
	assert.NoError(t, evt.VerifySignature(ctx, roomversion.V4, "example.com", expired))
}

func TestPDU_VerifySignatures_LegacyEventIDDomain(t *testing.T) {
	senderPriv, senderPub := generateTestKey(t)
	originPriv, originPub := generateTestKey(t)
	evt := testEvent(t, map[string]any{"event_id": "$legacy:origin.example.org"})
	require.NoError(t, evt.FillContentHash())
	require.NoError(t, evt.Sign(roomversion.V1, "example.com", "ed25519:test", senderPriv))
	keys := staticKeys(map[string]id.SigningKey{
		"example.com":        senderPub,
		"origin.example.org": originPub,
	})
	err := evt.VerifySignatures(context.Background(), roomversion.V1, keys)
	require.ErrorIs(t, err, ErrSignatureNotFound)

	require.NoError(t, evt.Sign(roomversion.V1, "origin.example.org", "ed25519:test", originPriv))
	assert.NoError(t, evt.VerifySignatures(context.Background(), roomversion.V1, keys))
}

func TestPDU_VerifySignatures_RestrictedJoinNeedsAuthorisingServer(t *testing.T) {
	senderPriv, senderPub := generateTestKey(t)
	residentPriv, residentPub := generateTestKey(t)
	evt := testEvent(t, map[string]any{
		"type": "m.room.member", "state_key": "@alice:example.com",
		"content": map[string]any{
			"membership":                       "join",
			"join_authorised_via_users_server": "@admin:resident.example.org",
		},
	})
	require.NoError(t, evt.FillContentHash())
	require.NoError(t, evt.Sign(roomversion.V10, "example.com", "ed25519:test", senderPriv))
	keys := staticKeys(map[string]id.SigningKey{
		"example.com":          senderPub,
		"resident.example.org": residentPub,
	})
	err := evt.VerifySignatures(context.Background(), roomversion.V10, keys)
	require.ErrorIs(t, err, ErrSignatureNotFound)

	require.NoError(t, evt.Sign(roomversion.V10, "resident.example.org", "ed25519:test", residentPriv))
	assert.NoError(t, evt.VerifySignatures(context.Background(), roomversion.V10, keys))
}
