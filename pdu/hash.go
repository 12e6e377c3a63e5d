package pdu

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/roomversion"
)

func stripKeys(raw []byte, keys ...string) ([]byte, error) {
	var err error
	for _, key := range keys {
		raw, err = sjson.DeleteBytes(raw, key)
		if err != nil {
			return nil, fmt.Errorf("failed to strip %s: %w", key, err)
		}
	}
	return raw, nil
}

// ContentHash computes the SHA-256 content hash: the canonical JSON of the
// event with unsigned, signatures and hashes removed.
func ContentHash(raw []byte) ([sha256.Size]byte, error) {
	stripped, err := stripKeys(raw, "unsigned", "signatures", "hashes")
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	canonical, err := canonicaljson.CanonicalJSON(stripped)
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("failed to canonicalize event: %w", err)
	}
	return sha256.Sum256(canonical), nil
}

// FillContentHash computes the content hash and writes it as the event's
// hashes object, updating the retained wire JSON.
func (p *PDU) FillContentHash() error {
	hash, err := ContentHash(p.raw)
	if err != nil {
		return err
	}
	hashJSON, err := json.Marshal(&Hashes{SHA256: base64.RawStdEncoding.EncodeToString(hash[:])})
	if err != nil {
		return err
	}
	raw, err := sjson.SetRawBytes(p.raw, "hashes", hashJSON)
	if err != nil {
		return fmt.Errorf("failed to set content hash: %w", err)
	}
	return p.SetRaw(raw)
}

// VerifyContentHash recomputes the content hash and compares it against the
// hashes.sha256 field. A failure is ErrHashMismatch, which the pipeline
// treats as an implicit redaction rather than a rejection.
func VerifyContentHash(raw []byte) error {
	declared := gjson.GetBytes(raw, "hashes.sha256").Str
	if declared == "" {
		return fmt.Errorf("%w: event carries no sha256 content hash", ErrHashMismatch)
	}
	hash, err := ContentHash(raw)
	if err != nil {
		return err
	}
	if base64.RawStdEncoding.EncodeToString(hash[:]) != declared {
		return ErrHashMismatch
	}
	return nil
}

// ReferenceHash computes the SHA-256 reference hash: the canonical JSON of
// the redacted event with signatures and unsigned removed. Content-addressed
// event IDs are derived from it.
func ReferenceHash(raw []byte, ver *roomversion.Version) ([sha256.Size]byte, error) {
	redacted, err := Redact(raw, ver)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	stripped, err := stripKeys(redacted, "signatures", "unsigned")
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	canonical, err := canonicaljson.CanonicalJSON(stripped)
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("failed to canonicalize redacted event: %w", err)
	}
	return sha256.Sum256(canonical), nil
}

// CalculateEventID derives the event ID from raw event JSON per the room
// version's format. For opaque formats it reads the literal field.
func CalculateEventID(raw []byte, ver *roomversion.Version) (id.EventID, error) {
	if ver.EventID == roomversion.EventIDFormatOpaque {
		evtID := gjson.GetBytes(raw, "event_id").Str
		if evtID == "" {
			return "", fmt.Errorf("%w: missing event_id", ErrBadFormat)
		}
		return id.EventID(evtID), nil
	}
	hash, err := ReferenceHash(raw, ver)
	if err != nil {
		return "", err
	}
	switch ver.EventID {
	case roomversion.EventIDFormatBase64:
		return id.EventID("$" + base64.RawStdEncoding.EncodeToString(hash[:])), nil
	case roomversion.EventIDFormatURLSafeBase64:
		return id.EventID("$" + base64.RawURLEncoding.EncodeToString(hash[:])), nil
	default:
		return "", fmt.Errorf("unknown event ID format %d", ver.EventID)
	}
}
