package keyring

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"
)

// maxKeyLifetime caps how far into the future a remote server may claim its
// keys stay valid.
const maxKeyLifetime = 7 * 24 * time.Hour

// ServerKeysResponse is the body of GET /_matrix/key/v2/server.
type ServerKeysResponse struct {
	ServerName    string                         `json:"server_name"`
	ValidUntilTS  int64                          `json:"valid_until_ts"`
	VerifyKeys    map[id.KeyID]VerifyKey         `json:"verify_keys"`
	OldVerifyKeys map[id.KeyID]OldVerifyKey      `json:"old_verify_keys,omitempty"`
	Signatures    map[string]map[id.KeyID]string `json:"signatures,omitempty"`

	raw json.RawMessage
}

type VerifyKey struct {
	Key id.SigningKey `json:"key"`
}

type OldVerifyKey struct {
	Key       id.SigningKey `json:"key"`
	ExpiredTS int64         `json:"expired_ts"`
}

// ParseServerKeysResponse decodes a key response while retaining the raw
// JSON for signature verification.
func ParseServerKeysResponse(raw []byte) (*ServerKeysResponse, error) {
	var resp ServerKeysResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse key response: %w", err)
	}
	resp.raw = raw
	return &resp, nil
}

// StoredKey is one cached remote verify key. ExpiresAt is when the cache
// entry must be refetched, which is earlier than ValidUntil: entries live
// for half the key's remaining lifetime.
type StoredKey struct {
	ServerName string
	KeyID      id.KeyID
	Key        id.SigningKey
	ValidUntil time.Time
	ExpiresAt  time.Time
}

// KeyStore persists fetched remote keys across restarts.
type KeyStore interface {
	GetServerKey(ctx context.Context, serverName string, keyID id.KeyID) (*StoredKey, error)
	PutServerKey(ctx context.Context, key *StoredKey) error
}

// KeyFetcher retrieves a remote server's published keys.
type KeyFetcher interface {
	FetchServerKeys(ctx context.Context, serverName string) (*ServerKeysResponse, error)
}

// Keyring resolves verify keys for signature checks: the local key for the
// own server, and fetched-and-cached keys for everyone else. Its GetKey
// method satisfies pdu.GetKeyFunc.
type Keyring struct {
	Local   *LocalKey
	Store   KeyStore
	Fetcher KeyFetcher

	fetchLocks sync.Map // serverName -> *sync.Mutex
}

func NewKeyring(local *LocalKey, store KeyStore, fetcher KeyFetcher) *Keyring {
	return &Keyring{Local: local, Store: store, Fetcher: fetcher}
}

// GetKey returns the verify key of the given server, fetching it over
// federation when the cache has nothing fresh enough. An empty key with a
// nil error means the server doesn't publish that key.
func (kr *Keyring) GetKey(ctx context.Context, serverName string, keyID id.KeyID, minValidUntil time.Time) (id.SigningKey, time.Time, error) {
	if serverName == kr.Local.ServerName {
		if keyID == kr.Local.ID {
			return kr.Local.Pub, time.Now().Add(maxKeyLifetime), nil
		}
		return "", time.Time{}, nil
	}
	cached, err := kr.Store.GetServerKey(ctx, serverName, keyID)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to read key cache: %w", err)
	}
	if cached != nil && time.Now().Before(cached.ExpiresAt) && !cached.ValidUntil.Before(minValidUntil) {
		return cached.Key, cached.ValidUntil, nil
	}
	if kr.Fetcher == nil {
		if cached != nil {
			return cached.Key, cached.ValidUntil, nil
		}
		return "", time.Time{}, fmt.Errorf("no cached key %s for %s and no fetcher configured", keyID, serverName)
	}
	fetched, err := kr.fetchAndCache(ctx, serverName)
	if err != nil {
		// A stale cached key is better than no key at all; the caller
		// decides whether its validity window is acceptable.
		if cached != nil {
			zerolog.Ctx(ctx).Warn().Err(err).
				Str("server_name", serverName).
				Msg("Key refetch failed, using cached copy")
			return cached.Key, cached.ValidUntil, nil
		}
		return "", time.Time{}, err
	}
	for _, key := range fetched {
		if key.KeyID == keyID {
			return key.Key, key.ValidUntil, nil
		}
	}
	return "", time.Time{}, nil
}

// fetchAndCache fetches a server's keys, verifies the response's
// self-signature and writes every published key into the store. Concurrent
// fetches for the same server are collapsed.
func (kr *Keyring) fetchAndCache(ctx context.Context, serverName string) ([]*StoredKey, error) {
	lockAny, _ := kr.fetchLocks.LoadOrStore(serverName, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	resp, err := kr.Fetcher.FetchServerKeys(ctx, serverName)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch keys for %s: %w", serverName, err)
	}
	keys, err := kr.checkKeyResponse(serverName, resp)
	if err != nil {
		return nil, err
	}
	for _, key := range keys {
		if err = kr.Store.PutServerKey(ctx, key); err != nil {
			return nil, fmt.Errorf("failed to cache key %s for %s: %w", key.KeyID, serverName, err)
		}
	}
	zerolog.Ctx(ctx).Debug().
		Str("server_name", serverName).
		Int("key_count", len(keys)).
		Msg("Fetched and cached server keys")
	return keys, nil
}

// checkKeyResponse validates a key response: the server name must match,
// the response must be signed by one of the keys it publishes, and the
// claimed validity is clamped to a week out.
func (kr *Keyring) checkKeyResponse(serverName string, resp *ServerKeysResponse) ([]*StoredKey, error) {
	if resp.ServerName != serverName {
		return nil, fmt.Errorf("key response claims to be for %q, expected %q", resp.ServerName, serverName)
	}
	selfSigned := false
	for keyID, key := range resp.VerifyKeys {
		if VerifyJSON(resp.raw, serverName, keyID, key.Key) == nil {
			selfSigned = true
			break
		}
	}
	if !selfSigned {
		return nil, fmt.Errorf("key response for %s is not signed by any of its own keys", serverName)
	}
	now := time.Now()
	validUntil := time.UnixMilli(resp.ValidUntilTS)
	if clamp := now.Add(maxKeyLifetime); validUntil.After(clamp) {
		validUntil = clamp
	}
	expiresAt := now.Add(validUntil.Sub(now) / 2)
	if expiresAt.Before(now) {
		expiresAt = now
	}
	keys := make([]*StoredKey, 0, len(resp.VerifyKeys)+len(resp.OldVerifyKeys))
	for keyID, key := range resp.VerifyKeys {
		keys = append(keys, &StoredKey{
			ServerName: serverName,
			KeyID:      keyID,
			Key:        key.Key,
			ValidUntil: validUntil,
			ExpiresAt:  expiresAt,
		})
	}
	for keyID, key := range resp.OldVerifyKeys {
		keys = append(keys, &StoredKey{
			ServerName: serverName,
			KeyID:      keyID,
			Key:        key.Key,
			ValidUntil: time.UnixMilli(key.ExpiredTS),
			ExpiresAt:  expiresAt,
		})
	}
	return keys, nil
}

// LocalKeyResponse builds the own server's /_matrix/key/v2/server body,
// self-signed and valid for a day.
func (kr *Keyring) LocalKeyResponse() (json.RawMessage, error) {
	resp := &ServerKeysResponse{
		ServerName:   kr.Local.ServerName,
		ValidUntilTS: time.Now().Add(24 * time.Hour).UnixMilli(),
		VerifyKeys: map[id.KeyID]VerifyKey{
			kr.Local.ID: {Key: kr.Local.Pub},
		},
		OldVerifyKeys: map[id.KeyID]OldVerifyKey{},
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal key response: %w", err)
	}
	return kr.Local.SignJSON(raw)
}
