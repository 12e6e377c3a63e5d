// Package pdu implements the federation event format: parsing, canonical
// hashing, redaction, event ID calculation and signatures.
//
// All cryptographic operations work on the verbatim wire JSON rather than
// re-marshaled structs, because hashes and signatures cover top-level keys
// this package doesn't model.
package pdu

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/roomversion"
)

// MaxPDUSize is the federation limit on a single event's JSON encoding.
const MaxPDUSize = 64 * 1024

// Room event types the engine gives special treatment.
const (
	TypeCreate            = "m.room.create"
	TypeMember            = "m.room.member"
	TypePowerLevels       = "m.room.power_levels"
	TypeJoinRules         = "m.room.join_rules"
	TypeHistoryVisibility = "m.room.history_visibility"
	TypeAliases           = "m.room.aliases"
	TypeRedaction         = "m.room.redaction"
	TypeThirdPartyInvite  = "m.room.third_party_invite"
	TypeName              = "m.room.name"
	TypeTopic             = "m.room.topic"
	TypeAvatar            = "m.room.avatar"
	TypeCanonicalAlias    = "m.room.canonical_alias"
	TypeGuestAccess       = "m.room.guest_access"
	TypeEncryption        = "m.room.encryption"
)

const (
	maxPrevEvents = 50
	maxAuthEvents = 50
)

// Hashes holds the content hash carried on the wire.
type Hashes struct {
	SHA256 string `json:"sha256"`
}

// EventIDList is a list of event references. Room versions 1 and 2 encode
// these as [event_id, {"sha256": ...}] pairs; the hash halves were never
// verified by anything and are dropped on parse. Marshaling always produces
// the flat form, so this type must not be re-serialized into v1/v2 events.
type EventIDList []id.EventID

func (l *EventIDList) UnmarshalJSON(data []byte) error {
	var flat []id.EventID
	if err := json.Unmarshal(data, &flat); err == nil {
		*l = flat
		return nil
	}
	var pairs [][]json.RawMessage
	if err := json.Unmarshal(data, &pairs); err != nil {
		return fmt.Errorf("event references are neither a flat list nor pairs: %w", err)
	}
	out := make(EventIDList, len(pairs))
	for i, pair := range pairs {
		if len(pair) == 0 {
			return errors.New("empty entry in event reference pair list")
		}
		if err := json.Unmarshal(pair[0], &out[i]); err != nil {
			return fmt.Errorf("bad event reference pair: %w", err)
		}
	}
	*l = out
	return nil
}

// PDU is a parsed view of a federation event. The zero-value fields mirror
// the wire format; the original bytes are retained alongside and must be
// used for anything hashed or signed.
type PDU struct {
	EventID        id.EventID                     `json:"event_id,omitempty"`
	AuthEvents     EventIDList                    `json:"auth_events"`
	Content        json.RawMessage                `json:"content"`
	Depth          int64                          `json:"depth"`
	Hashes         *Hashes                        `json:"hashes,omitempty"`
	Origin         string                         `json:"origin,omitempty"`
	OriginServerTS int64                          `json:"origin_server_ts"`
	PrevEvents     EventIDList                    `json:"prev_events"`
	Redacts        id.EventID                     `json:"redacts,omitempty"`
	RoomID         id.RoomID                      `json:"room_id"`
	Sender         id.UserID                      `json:"sender"`
	Signatures     map[string]map[id.KeyID]string `json:"signatures,omitempty"`
	StateKey       *string                        `json:"state_key,omitempty"`
	Type           string                         `json:"type"`
	Unsigned       json.RawMessage                `json:"unsigned,omitempty"`

	raw []byte
}

// StateTuple is the (event type, state key) pair that a state event claims.
type StateTuple struct {
	Type     string
	StateKey string
}

func (st StateTuple) String() string {
	return st.Type + "/" + st.StateKey
}

var (
	ErrNotJSON      = errors.New("event is not valid JSON")
	ErrTooLarge     = fmt.Errorf("event exceeds %d bytes", MaxPDUSize)
	ErrBadFormat    = errors.New("event failed format checks")
	ErrHashMismatch = errors.New("content hash does not match")
)

// Parse decodes raw event JSON and retains the original bytes for hashing
// and signing. It does not validate the event beyond JSON well-formedness;
// call ValidateFormat for the format gate.
func Parse(raw []byte) (*PDU, error) {
	if len(raw) > MaxPDUSize {
		return nil, ErrTooLarge
	}
	var p PDU
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotJSON, err)
	}
	p.raw = bytes.Clone(raw)
	return &p, nil
}

// Raw returns the verbatim wire JSON the PDU was parsed from (or built as).
func (p *PDU) Raw() []byte {
	return p.raw
}

// SetRaw replaces the retained wire JSON and reparses the struct view.
func (p *PDU) SetRaw(raw []byte) error {
	np, err := Parse(raw)
	if err != nil {
		return err
	}
	*p = *np
	return nil
}

// ValidateFormat applies the structural checks of the validation pipeline's
// first gate. For room versions with content-addressed IDs the event_id
// field is cleared rather than rejected, since some implementations echo it.
func (p *PDU) ValidateFormat(ver *roomversion.Version) error {
	switch {
	case p.Type == "":
		return fmt.Errorf("%w: missing type", ErrBadFormat)
	case len(p.Type) > 255:
		return fmt.Errorf("%w: type too long", ErrBadFormat)
	case p.RoomID == "":
		return fmt.Errorf("%w: missing room_id", ErrBadFormat)
	case !strings.HasPrefix(string(p.RoomID), "!") || !strings.ContainsRune(string(p.RoomID), ':'):
		return fmt.Errorf("%w: malformed room_id %q", ErrBadFormat, p.RoomID)
	case p.Sender.Homeserver() == "":
		return fmt.Errorf("%w: malformed sender %q", ErrBadFormat, p.Sender)
	case p.Depth < 0:
		return fmt.Errorf("%w: negative depth", ErrBadFormat)
	case len(p.PrevEvents) > maxPrevEvents:
		return fmt.Errorf("%w: too many prev_events (%d)", ErrBadFormat, len(p.PrevEvents))
	case len(p.AuthEvents) > maxAuthEvents:
		return fmt.Errorf("%w: too many auth_events (%d)", ErrBadFormat, len(p.AuthEvents))
	case p.Content != nil && !gjson.ValidBytes(p.Content):
		return fmt.Errorf("%w: content is not valid JSON", ErrBadFormat)
	case p.StateKey != nil && len(*p.StateKey) > 255:
		return fmt.Errorf("%w: state_key too long", ErrBadFormat)
	}
	if ver.EventID == roomversion.EventIDFormatOpaque {
		if p.EventID == "" {
			return fmt.Errorf("%w: missing event_id", ErrBadFormat)
		} else if !strings.HasPrefix(string(p.EventID), "$") || !strings.ContainsRune(string(p.EventID), ':') {
			return fmt.Errorf("%w: malformed event_id %q", ErrBadFormat, p.EventID)
		}
	} else {
		p.EventID = ""
	}
	if p.Type == TypeCreate {
		if len(p.PrevEvents) != 0 || len(p.AuthEvents) != 0 {
			return fmt.Errorf("%w: create event references parents", ErrBadFormat)
		}
	} else if len(p.PrevEvents) == 0 {
		return fmt.Errorf("%w: missing prev_events", ErrBadFormat)
	}
	return nil
}

// IsState reports whether the event carries a state key.
func (p *PDU) IsState() bool {
	return p.StateKey != nil
}

// StateTuple returns the event's state position, if it is a state event.
func (p *PDU) StateTuple() (StateTuple, bool) {
	if p.StateKey == nil {
		return StateTuple{}, false
	}
	return StateTuple{Type: p.Type, StateKey: *p.StateKey}, true
}

// GetEventID returns the event's ID under the given room version, computing
// the reference-hash form for content-addressed versions.
func (p *PDU) GetEventID(ver *roomversion.Version) (id.EventID, error) {
	if ver.EventID == roomversion.EventIDFormatOpaque {
		if p.EventID == "" {
			return "", fmt.Errorf("%w: missing event_id", ErrBadFormat)
		}
		return p.EventID, nil
	}
	return CalculateEventID(p.raw, ver)
}

// OriginServer returns the server that created the event: the sender's
// server, except for v1/v2 rooms where the event_id domain wins.
func (p *PDU) OriginServer(ver *roomversion.Version) string {
	if ver.EventID == roomversion.EventIDFormatOpaque && p.EventID != "" {
		if _, server, found := strings.Cut(string(p.EventID), ":"); found {
			return server
		}
	}
	return p.Sender.Homeserver()
}

// Membership returns content.membership for member events, or "".
func (p *PDU) Membership() event.Membership {
	return event.Membership(gjson.GetBytes(p.Content, "membership").Str)
}

// JoinRule returns content.join_rule for join rules events, or "".
func (p *PDU) JoinRule() event.JoinRule {
	return event.JoinRule(gjson.GetBytes(p.Content, "join_rule").Str)
}

// JoinAuthorisedVia returns the user named in
// content.join_authorised_via_users_server for restricted joins, or "".
func (p *PDU) JoinAuthorisedVia() id.UserID {
	return id.UserID(gjson.GetBytes(p.Content, "join_authorised_via_users_server").Str)
}

// ThirdPartyInviteToken returns content.third_party_invite.signed.token for
// invites created through a third-party invite, or "".
func (p *PDU) ThirdPartyInviteToken() string {
	return gjson.GetBytes(p.Content, "third_party_invite.signed.token").Str
}

// RedactsID returns the redaction target, reading content.redacts for room
// versions that moved it there and the top-level field otherwise.
func (p *PDU) RedactsID(ver *roomversion.Version) id.EventID {
	if ver.UpdatedRedactionRules {
		if target := gjson.GetBytes(p.Content, "redacts").Str; target != "" {
			return id.EventID(target)
		}
	}
	return p.Redacts
}

// RoomCreator returns the room creator according to the given version's
// create event semantics.
func (p *PDU) RoomCreator(ver *roomversion.Version) id.UserID {
	if p.Type != TypeCreate {
		return ""
	}
	if ver.ImplicitRoomCreator {
		return p.Sender
	}
	return id.UserID(gjson.GetBytes(p.Content, "creator").Str)
}

// RoomVersionOf reads the room version claimed by a create event's content,
// defaulting to "1" when absent.
func RoomVersionOf(createContent json.RawMessage) id.RoomVersion {
	if rv := gjson.GetBytes(createContent, "room_version").Str; rv != "" {
		return id.RoomVersion(rv)
	}
	return "1"
}
