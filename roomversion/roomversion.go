// Package roomversion describes the closed set of room version rulesets.
//
// A room's version is fixed at creation and selects the event ID format,
// the state resolution algorithm and a handful of authorization and
// redaction behaviors. The descriptors here are immutable and threaded
// explicitly through the validation pipeline and the resolver.
package roomversion

import (
	"fmt"

	"maunium.net/go/mautrix/id"
)

// EventIDFormat determines how an event's ID relates to its content.
type EventIDFormat int

const (
	// EventIDFormatOpaque is used by room versions 1 and 2: the event ID is
	// a `$localpart:servername` string minted by the origin server and
	// carried as a literal field on the event.
	EventIDFormatOpaque EventIDFormat = iota + 1
	// EventIDFormatBase64 is used by room version 3: the event ID is the
	// unpadded standard base64 encoding of the reference hash.
	EventIDFormatBase64
	// EventIDFormatURLSafeBase64 is used by room versions 4 and up: same as
	// EventIDFormatBase64 but with the URL-safe alphabet.
	EventIDFormatURLSafeBase64
)

// StateResAlgorithm selects the state resolution variant.
type StateResAlgorithm int

const (
	StateResV1 StateResAlgorithm = iota + 1
	StateResV2
)

// Version is an immutable descriptor of one room version's rule set.
type Version struct {
	ID       id.RoomVersion
	EventID  EventIDFormat
	StateRes StateResAlgorithm

	// EnforceKeyValidity requires signature verification keys to have been
	// valid at the event's origin_server_ts (room v5+).
	EnforceKeyValidity bool
	// SpecialCaseAliases keeps the dedicated m.room.aliases authorization
	// rule and preserves the aliases key on redaction (room v1-5).
	SpecialCaseAliases bool
	// CheckNotificationLevels includes the notifications key in power level
	// change authorization (room v6+).
	CheckNotificationLevels bool
	// AllowKnocking permits the knock membership and join rule (room v7+).
	AllowKnocking bool
	// RestrictedJoins permits the restricted join rule with allow
	// conditions (room v8+).
	RestrictedJoins bool
	// KnockRestricted permits the combined knock_restricted join rule
	// (room v10+).
	KnockRestricted bool
	// IntegerPowerLevels rejects power levels encoded as JSON strings
	// (room v10+). Older versions parse them tolerantly.
	IntegerPowerLevels bool
	// ImplicitRoomCreator takes the room creator from the create event's
	// sender instead of a content field (room v11+).
	ImplicitRoomCreator bool
	// KeepRestrictedJoinAuth preserves join_authorised_via_users_server in
	// member events and allow in join rules across redaction (room v9+).
	KeepRestrictedJoinAuth bool
	// UpdatedRedactionRules applies the v11 redaction changes: the full
	// m.room.create content, the invite power level key and the redacts
	// key on m.room.redaction events all survive redaction.
	UpdatedRedactionRules bool
}

var (
	V1 = &Version{ID: "1", EventID: EventIDFormatOpaque, StateRes: StateResV1, SpecialCaseAliases: true}
	V2 = &Version{ID: "2", EventID: EventIDFormatOpaque, StateRes: StateResV2, SpecialCaseAliases: true}
	V3 = &Version{ID: "3", EventID: EventIDFormatBase64, StateRes: StateResV2, SpecialCaseAliases: true}
	V4 = &Version{ID: "4", EventID: EventIDFormatURLSafeBase64, StateRes: StateResV2, SpecialCaseAliases: true}
	V5 = &Version{ID: "5", EventID: EventIDFormatURLSafeBase64, StateRes: StateResV2, SpecialCaseAliases: true, EnforceKeyValidity: true}
	V6 = &Version{ID: "6", EventID: EventIDFormatURLSafeBase64, StateRes: StateResV2, EnforceKeyValidity: true,
		CheckNotificationLevels: true}
	V7 = &Version{ID: "7", EventID: EventIDFormatURLSafeBase64, StateRes: StateResV2, EnforceKeyValidity: true,
		CheckNotificationLevels: true, AllowKnocking: true}
	V8 = &Version{ID: "8", EventID: EventIDFormatURLSafeBase64, StateRes: StateResV2, EnforceKeyValidity: true,
		CheckNotificationLevels: true, AllowKnocking: true, RestrictedJoins: true}
	V9 = &Version{ID: "9", EventID: EventIDFormatURLSafeBase64, StateRes: StateResV2, EnforceKeyValidity: true,
		CheckNotificationLevels: true, AllowKnocking: true, RestrictedJoins: true, KeepRestrictedJoinAuth: true}
	V10 = &Version{ID: "10", EventID: EventIDFormatURLSafeBase64, StateRes: StateResV2, EnforceKeyValidity: true,
		CheckNotificationLevels: true, AllowKnocking: true, RestrictedJoins: true, KeepRestrictedJoinAuth: true,
		KnockRestricted: true, IntegerPowerLevels: true}
	V11 = &Version{ID: "11", EventID: EventIDFormatURLSafeBase64, StateRes: StateResV2, EnforceKeyValidity: true,
		CheckNotificationLevels: true, AllowKnocking: true, RestrictedJoins: true, KeepRestrictedJoinAuth: true,
		KnockRestricted: true, IntegerPowerLevels: true,
		ImplicitRoomCreator: true, UpdatedRedactionRules: true}
)

// All lists every supported version in ascending order.
var All = []*Version{V1, V2, V3, V4, V5, V6, V7, V8, V9, V10, V11}

var byID = func() map[id.RoomVersion]*Version {
	m := make(map[id.RoomVersion]*Version, len(All))
	for _, v := range All {
		m[v.ID] = v
	}
	return m
}()

// Default is the version used for locally created rooms when the config
// doesn't specify one.
var Default = V10

// Get returns the descriptor for the given room version string.
func Get(rv id.RoomVersion) (*Version, bool) {
	v, ok := byID[rv]
	return v, ok
}

// MustGet is Get for version strings already known to be supported.
func MustGet(rv id.RoomVersion) *Version {
	v, ok := byID[rv]
	if !ok {
		panic(fmt.Errorf("unsupported room version %q", rv))
	}
	return v
}

// IDs returns the supported version strings in ascending order.
func IDs() []string {
	ids := make([]string, len(All))
	for i, v := range All {
		ids[i] = string(v.ID)
	}
	return ids
}
