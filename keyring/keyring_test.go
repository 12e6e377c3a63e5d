package keyring

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"
)

func TestLocalKeyRoundTrip(t *testing.T) {
	key, err := GenerateLocalKey("one.example")
	require.NoError(t, err)
	parsed, err := ParseLocalKey("one.example", []byte(key.String()))
	require.NoError(t, err)
	assert.Equal(t, key.ID, parsed.ID)
	assert.Equal(t, key.Pub, parsed.Pub)
	assert.Equal(t, key.Priv, parsed.Priv)
}

func TestParseLocalKey_Malformed(t *testing.T) {
	_, err := ParseLocalKey("one.example", []byte("ed25519 a"))
	assert.Error(t, err)
	_, err = ParseLocalKey("one.example", []byte("rsa a bm90IGEga2V5"))
	assert.Error(t, err)
	_, err = ParseLocalKey("one.example", []byte("ed25519 a dG9vc2hvcnQ"))
	assert.Error(t, err)
}

func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.key")
	key, err := LoadOrGenerateKey("one.example", path)
	require.NoError(t, err)
	again, err := LoadOrGenerateKey("one.example", path)
	require.NoError(t, err)
	assert.Equal(t, key.ID, again.ID)
	assert.Equal(t, key.Priv, again.Priv)
}

func TestSignVerifyJSON(t *testing.T) {
	key, err := GenerateLocalKey("one.example")
	require.NoError(t, err)
	signed, err := key.SignJSON([]byte(`{"hello":"world","unsigned":{"ignored":true}}`))
	require.NoError(t, err)
	require.NoError(t, VerifyJSON(signed, "one.example", key.ID, key.Pub))

	// The unsigned key is outside the signature.
	var obj map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(signed, &obj))
	obj["unsigned"] = json.RawMessage(`{"other":1}`)
	modified, err := json.Marshal(obj)
	require.NoError(t, err)
	assert.NoError(t, VerifyJSON(modified, "one.example", key.ID, key.Pub))

	// Signed content is not.
	obj["hello"] = json.RawMessage(`"tampered"`)
	modified, err = json.Marshal(obj)
	require.NoError(t, err)
	assert.Error(t, VerifyJSON(modified, "one.example", key.ID, key.Pub))
}

type memKeyStore map[string]*StoredKey

func (m memKeyStore) GetServerKey(_ context.Context, serverName string, keyID id.KeyID) (*StoredKey, error) {
	return m[serverName+"|"+string(keyID)], nil
}

func (m memKeyStore) PutServerKey(_ context.Context, key *StoredKey) error {
	m[key.ServerName+"|"+string(key.KeyID)] = key
	return nil
}

type fakeFetcher struct {
	key     *LocalKey
	fetches int
}

func (f *fakeFetcher) FetchServerKeys(_ context.Context, serverName string) (*ServerKeysResponse, error) {
	f.fetches++
	resp := &ServerKeysResponse{
		ServerName:   serverName,
		ValidUntilTS: time.Now().Add(48 * time.Hour).UnixMilli(),
		VerifyKeys:   map[id.KeyID]VerifyKey{f.key.ID: {Key: f.key.Pub}},
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	signed, err := f.key.SignJSON(raw)
	if err != nil {
		return nil, err
	}
	return ParseServerKeysResponse(signed)
}

func TestKeyring_GetKey(t *testing.T) {
	local, err := GenerateLocalKey("one.example")
	require.NoError(t, err)
	remote, err := GenerateLocalKey("two.example")
	require.NoError(t, err)
	fetcher := &fakeFetcher{key: remote}
	kr := NewKeyring(local, make(memKeyStore), fetcher)
	ctx := context.Background()

	// Own key never hits the fetcher.
	key, _, err := kr.GetKey(ctx, "one.example", local.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, local.Pub, key)
	assert.Zero(t, fetcher.fetches)

	// First remote lookup fetches, second one is served from cache.
	key, validUntil, err := kr.GetKey(ctx, "two.example", remote.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, remote.Pub, key)
	assert.True(t, validUntil.After(time.Now()))
	assert.Equal(t, 1, fetcher.fetches)

	_, _, err = kr.GetKey(ctx, "two.example", remote.ID, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.fetches)

	// Unknown key IDs resolve to an empty key without an error.
	key, _, err = kr.GetKey(ctx, "two.example", "ed25519:other", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, key)
}

func TestKeyring_RejectsUnsignedResponse(t *testing.T) {
	local, err := GenerateLocalKey("one.example")
	require.NoError(t, err)
	remote, err := GenerateLocalKey("two.example")
	require.NoError(t, err)
	kr := NewKeyring(local, make(memKeyStore), nil)

	resp := &ServerKeysResponse{
		ServerName:   "two.example",
		ValidUntilTS: time.Now().Add(time.Hour).UnixMilli(),
		VerifyKeys:   map[id.KeyID]VerifyKey{remote.ID: {Key: remote.Pub}},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	parsed, err := ParseServerKeysResponse(raw)
	require.NoError(t, err)
	_, err = kr.checkKeyResponse("two.example", parsed)
	assert.ErrorContains(t, err, "not signed")
}

func TestKeyring_ClampsValidity(t *testing.T) {
	local, err := GenerateLocalKey("one.example")
	require.NoError(t, err)
	remote, err := GenerateLocalKey("two.example")
	require.NoError(t, err)
	kr := NewKeyring(local, make(memKeyStore), nil)

	resp := &ServerKeysResponse{
		ServerName:   "two.example",
		ValidUntilTS: time.Now().Add(365 * 24 * time.Hour).UnixMilli(),
		VerifyKeys:   map[id.KeyID]VerifyKey{remote.ID: {Key: remote.Pub}},
	}
	raw, err := json.Marshal(resp)
	require.NoError(t, err)
	signed, err := remote.SignJSON(raw)
	require.NoError(t, err)
	parsed, err := ParseServerKeysResponse(signed)
	require.NoError(t, err)
	keys, err := kr.checkKeyResponse("two.example", parsed)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.LessOrEqual(t, keys[0].ValidUntil.Sub(time.Now()), maxKeyLifetime+time.Minute)
}
