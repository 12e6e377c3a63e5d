package pdu

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"

	"go.mau.fi/meowserv/roomversion"
)

var redactedTopLevelKeys = []string{
	"type", "room_id", "sender", "state_key", "content", "hashes",
	"signatures", "depth", "prev_events", "auth_events", "origin_server_ts",
}

// Rooms before v11 additionally keep these legacy top-level fields. Dropping
// them would change the signable bytes of events from servers that still
// populate them, so the full historical list matters.
var legacyRedactedTopLevelKeys = []string{"event_id", "origin", "membership", "prev_state"}

// Redact applies the room version's redaction algorithm to raw event JSON,
// keeping only the protocol-essential top-level keys and the per-event-type
// content subset. The result is not canonicalized.
func Redact(raw []byte, ver *roomversion.Version) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotJSON, err)
	}
	out := make(map[string]json.RawMessage, len(redactedTopLevelKeys)+1)
	for _, key := range redactedTopLevelKeys {
		if val, ok := fields[key]; ok {
			out[key] = val
		}
	}
	if !ver.UpdatedRedactionRules {
		for _, key := range legacyRedactedTopLevelKeys {
			if val, ok := fields[key]; ok {
				out[key] = val
			}
		}
	}

	var evtType string
	if err := json.Unmarshal(fields["type"], &evtType); err != nil {
		return nil, fmt.Errorf("%w: unreadable type: %w", ErrBadFormat, err)
	}
	content, err := redactContent(evtType, fields["content"], ver)
	if err != nil {
		return nil, err
	}
	out["content"] = content
	return json.Marshal(out)
}

var emptyObject = json.RawMessage("{}")

func redactContent(evtType string, content json.RawMessage, ver *roomversion.Version) (json.RawMessage, error) {
	if len(content) == 0 {
		return emptyObject, nil
	}
	var keep []string
	var keepSignedThirdPartyInvite bool
	switch evtType {
	case TypeMember:
		keep = []string{"membership"}
		if ver.KeepRestrictedJoinAuth {
			keep = append(keep, "join_authorised_via_users_server")
		}
		keepSignedThirdPartyInvite = ver.UpdatedRedactionRules
	case TypeCreate:
		if ver.UpdatedRedactionRules {
			return content, nil
		}
		keep = []string{"creator", "m.federate", "room_version"}
	case TypeJoinRules:
		keep = []string{"join_rule"}
		if ver.KeepRestrictedJoinAuth {
			keep = append(keep, "allow")
		}
	case TypePowerLevels:
		keep = []string{
			"ban", "events", "events_default", "kick", "redact",
			"state_default", "users", "users_default",
		}
		if ver.UpdatedRedactionRules {
			keep = append(keep, "invite")
		}
	case TypeHistoryVisibility:
		keep = []string{"history_visibility"}
	case TypeAliases:
		if ver.SpecialCaseAliases {
			keep = []string{"aliases"}
		}
	case TypeRedaction:
		if ver.UpdatedRedactionRules {
			keep = []string{"redacts"}
		}
	}
	if len(keep) == 0 {
		return emptyObject, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(content, &fields); err != nil {
		return nil, fmt.Errorf("%w: content is not an object: %w", ErrBadFormat, err)
	}
	out := make(map[string]json.RawMessage, len(keep))
	for _, key := range keep {
		if val, ok := fields[key]; ok {
			out[key] = val
		}
	}
	if keepSignedThirdPartyInvite {
		if signed := gjson.GetBytes(content, "third_party_invite.signed"); signed.Exists() {
			inner, err := json.Marshal(map[string]json.RawMessage{"signed": json.RawMessage(signed.Raw)})
			if err != nil {
				return nil, err
			}
			out["third_party_invite"] = inner
		}
	}
	return json.Marshal(out)
}
