package pdu

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/roomversion"
)

// GetKeyFunc resolves a server's ed25519 verify key. minValidUntil tells the
// implementation how fresh the key must be, so cached copies that expired
// earlier can be refetched. Returning an empty key with a nil error means
// the key could not be found.
type GetKeyFunc func(ctx context.Context, serverName string, keyID id.KeyID, minValidUntil time.Time) (id.SigningKey, time.Time, error)

var (
	ErrInvalidSignature  = errors.New("signature verification failed")
	ErrSignatureNotFound = fmt.Errorf("%w: no signature found", ErrInvalidSignature)
)

// signableBytes produces the canonical JSON that event signatures cover:
// the redacted event with signatures and unsigned removed.
func signableBytes(raw []byte, ver *roomversion.Version) ([]byte, error) {
	redacted, err := Redact(raw, ver)
	if err != nil {
		return nil, err
	}
	stripped, err := stripKeys(redacted, "signatures", "unsigned")
	if err != nil {
		return nil, err
	}
	canonical, err := canonicaljson.CanonicalJSON(stripped)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize redacted event: %w", err)
	}
	return canonical, nil
}

// Sign adds serverName's signature to the event and updates the retained
// wire JSON in place.
func (p *PDU) Sign(ver *roomversion.Version, serverName string, keyID id.KeyID, priv ed25519.PrivateKey) error {
	signable, err := signableBytes(p.raw, ver)
	if err != nil {
		return err
	}
	sigs := p.Signatures
	if sigs == nil {
		sigs = make(map[string]map[id.KeyID]string)
	}
	if sigs[serverName] == nil {
		sigs[serverName] = make(map[id.KeyID]string)
	}
	sigs[serverName][keyID] = base64.RawStdEncoding.EncodeToString(ed25519.Sign(priv, signable))
	sigJSON, err := json.Marshal(sigs)
	if err != nil {
		return fmt.Errorf("failed to marshal signatures: %w", err)
	}
	// Server names contain dots, which sjson would treat as path separators,
	// so the whole signatures object is replaced instead.
	raw, err := sjson.SetRawBytes(p.raw, "signatures", sigJSON)
	if err != nil {
		return fmt.Errorf("failed to set signatures: %w", err)
	}
	return p.SetRaw(raw)
}

func (p *PDU) minKeyValidity(ver *roomversion.Version) time.Time {
	if ver.EnforceKeyValidity {
		return time.UnixMilli(p.OriginServerTS)
	}
	return time.Time{}
}

// VerifySignature checks that serverName has a valid ed25519 signature on
// the event. Any one valid signature from the server passes, regardless of
// how many keys it signed with.
func (p *PDU) VerifySignature(ctx context.Context, ver *roomversion.Version, serverName string, getKey GetKeyFunc) error {
	sigs := p.Signatures[serverName]
	if len(sigs) == 0 {
		return fmt.Errorf("%w from %s", ErrSignatureNotFound, serverName)
	}
	signable, err := signableBytes(p.raw, ver)
	if err != nil {
		return err
	}
	minValidUntil := p.minKeyValidity(ver)
	var lastErr error
	for keyID, sig := range sigs {
		if alg, _, _ := strings.Cut(string(keyID), ":"); alg != "ed25519" {
			continue
		}
		key, validUntil, err := getKey(ctx, serverName, keyID, minValidUntil)
		if err != nil {
			lastErr = fmt.Errorf("failed to get key %s for %s: %w", keyID, serverName, err)
			continue
		} else if key == "" {
			lastErr = fmt.Errorf("%w: key %s for %s not available", ErrInvalidSignature, keyID, serverName)
			continue
		} else if !minValidUntil.IsZero() && validUntil.Before(minValidUntil) {
			lastErr = fmt.Errorf("%w: key %s for %s expired at %s, event needs %s", ErrInvalidSignature, keyID, serverName, validUntil, minValidUntil)
			continue
		}
		pubKey, err := base64.RawStdEncoding.DecodeString(string(key))
		if err != nil || len(pubKey) != ed25519.PublicKeySize {
			lastErr = fmt.Errorf("%w: key %s for %s is not a valid ed25519 key", ErrInvalidSignature, keyID, serverName)
			continue
		}
		sigBytes, err := base64.RawStdEncoding.DecodeString(sig)
		if err != nil {
			lastErr = fmt.Errorf("%w: signature with %s from %s is not valid base64", ErrInvalidSignature, keyID, serverName)
			continue
		}
		if ed25519.Verify(pubKey, signable, sigBytes) {
			return nil
		}
		lastErr = fmt.Errorf("%w: signature with %s from %s does not match", ErrInvalidSignature, keyID, serverName)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("%w: no ed25519 signatures from %s", ErrSignatureNotFound, serverName)
	}
	return lastErr
}

// VerifySignatures checks every server whose signature the event requires:
// the sender's server, the event_id domain in rooms with opaque event IDs,
// and the authorising server of a restricted join. Invites created through
// a third-party invite exchange are exempt from the sender check, as they
// are signed by the server that performed the exchange instead.
func (p *PDU) VerifySignatures(ctx context.Context, ver *roomversion.Version, getKey GetKeyFunc) error {
	required := make([]string, 0, 3)
	senderExempt := p.Type == TypeMember &&
		p.Membership() == event.MembershipInvite &&
		gjson.GetBytes(p.Content, "third_party_invite.signed").Exists()
	if !senderExempt {
		required = append(required, p.Sender.Homeserver())
	}
	if ver.EventID == roomversion.EventIDFormatOpaque {
		if domain := p.OriginServer(ver); domain != "" && !slices.Contains(required, domain) {
			required = append(required, domain)
		}
	}
	if ver.RestrictedJoins && p.Type == TypeMember && p.Membership() == event.MembershipJoin {
		if authVia := p.JoinAuthorisedVia(); authVia != "" {
			if domain := authVia.Homeserver(); domain != "" && !slices.Contains(required, domain) {
				required = append(required, domain)
			}
		}
	}
	for _, server := range required {
		if err := p.VerifySignature(ctx, ver, server, getKey); err != nil {
			return err
		}
	}
	return nil
}
