// Package keyring manages the server's ed25519 signing key and a cache of
// remote servers' verify keys.
//
// The local key has an explicit load/generate lifecycle: it is read from a
// Synapse-format key file at startup and handed to the components that sign
// things. Remote keys are fetched over federation, checked against their own
// self-signature and cached for half their remaining lifetime.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/id"
)

// LocalKey is the server's own signing key.
type LocalKey struct {
	ServerName string
	ID         id.KeyID
	Priv       ed25519.PrivateKey
	Pub        id.SigningKey
}

// GenerateLocalKey creates a fresh signing key with a random version string.
func GenerateLocalKey(serverName string) (*LocalKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	version := base64.RawURLEncoding.EncodeToString(pub[:6])
	return &LocalKey{
		ServerName: serverName,
		ID:         id.KeyID("ed25519:" + version),
		Priv:       priv,
		Pub:        id.SigningKey(base64.RawStdEncoding.EncodeToString(pub)),
	}, nil
}

// ParseLocalKey reads a Synapse-format signing key: a single
// "ed25519 <version> <base64 seed>" line.
func ParseLocalKey(serverName string, data []byte) (*LocalKey, error) {
	fields := strings.Fields(strings.TrimSpace(string(data)))
	if len(fields) != 3 {
		return nil, fmt.Errorf("signing key file must contain exactly `ed25519 <version> <key>`")
	} else if fields[0] != "ed25519" {
		return nil, fmt.Errorf("unsupported signing key algorithm %q", fields[0])
	}
	seed, err := base64.RawStdEncoding.DecodeString(fields[2])
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing key: %w", err)
	} else if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing key has wrong length %d", len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &LocalKey{
		ServerName: serverName,
		ID:         id.KeyID("ed25519:" + fields[1]),
		Priv:       priv,
		Pub:        id.SigningKey(base64.RawStdEncoding.EncodeToString(pub)),
	}, nil
}

// String encodes the key in the Synapse key file format.
func (lk *LocalKey) String() string {
	_, version, _ := strings.Cut(string(lk.ID), ":")
	return fmt.Sprintf("ed25519 %s %s", version, base64.RawStdEncoding.EncodeToString(lk.Priv.Seed()))
}

// LoadOrGenerateKey reads the signing key from path, generating and writing
// a new one when the file doesn't exist yet.
func LoadOrGenerateKey(serverName, path string) (*LocalKey, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		return ParseLocalKey(serverName, data)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	key, err := GenerateLocalKey(serverName)
	if err != nil {
		return nil, err
	}
	if err = os.WriteFile(path, []byte(key.String()+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("failed to write new signing key: %w", err)
	}
	return key, nil
}

// SignJSON adds the server's signature to a JSON object, covering its
// canonical form without the signatures and unsigned keys.
func (lk *LocalKey) SignJSON(raw []byte) ([]byte, error) {
	sig, err := lk.signRaw(raw)
	if err != nil {
		return nil, err
	}
	// Server names and key IDs contain dots, which sjson treats as path
	// separators unless escaped.
	path := "signatures." + escapeSJSON(lk.ServerName) + "." + escapeSJSON(string(lk.ID))
	out, err := sjson.SetBytes(raw, path, sig)
	if err != nil {
		return nil, fmt.Errorf("failed to set signature: %w", err)
	}
	return out, nil
}

func escapeSJSON(key string) string {
	return strings.ReplaceAll(key, ".", `\.`)
}

func (lk *LocalKey) signRaw(raw []byte) (string, error) {
	stripped, err := sjson.DeleteBytes(raw, "signatures")
	if err == nil {
		stripped, err = sjson.DeleteBytes(stripped, "unsigned")
	}
	if err != nil {
		return "", fmt.Errorf("failed to strip signable JSON: %w", err)
	}
	canonical, err := canonicaljson.CanonicalJSON(stripped)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize signable JSON: %w", err)
	}
	return base64.RawStdEncoding.EncodeToString(ed25519.Sign(lk.Priv, canonical)), nil
}

// VerifyJSON checks an object's signature from the given server and key.
func VerifyJSON(raw []byte, serverName string, keyID id.KeyID, key id.SigningKey) error {
	sigs := gjson.GetBytes(raw, "signatures")
	sig := sigs.Get(escapeSJSON(serverName)).Get(escapeSJSON(string(keyID))).Str
	if sig == "" {
		return fmt.Errorf("no signature from %s with %s", serverName, keyID)
	}
	sigBytes, err := base64.RawStdEncoding.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("signature from %s is not valid base64: %w", serverName, err)
	}
	pubBytes, err := base64.RawStdEncoding.DecodeString(string(key))
	if err != nil || len(pubBytes) != ed25519.PublicKeySize {
		return fmt.Errorf("verify key for %s is not a valid ed25519 key", serverName)
	}
	stripped, err := sjson.DeleteBytes(raw, "signatures")
	if err == nil {
		stripped, err = sjson.DeleteBytes(stripped, "unsigned")
	}
	if err != nil {
		return fmt.Errorf("failed to strip signable JSON: %w", err)
	}
	canonical, err := canonicaljson.CanonicalJSON(stripped)
	if err != nil {
		return fmt.Errorf("failed to canonicalize signable JSON: %w", err)
	}
	if !ed25519.Verify(pubBytes, canonical, sigBytes) {
		return fmt.Errorf("signature from %s with %s does not match", serverName, keyID)
	}
	return nil
}
