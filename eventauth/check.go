package eventauth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

// ErrNotAuthorized wraps every rejection the rule checker produces. Whether
// a failed check rejects the event outright or merely soft-fails it depends
// on which state view the caller ran the check against.
var ErrNotAuthorized = errors.New("event not authorized")

// Check runs the authorization rules for evt against a view of room state.
// The same function serves all three checkpoints of the validation
// pipeline: the event's declared auth_events, the resolved state before
// the event and the room's current state. The state view is assumed to
// belong to evt's room; CheckAuthEventSelection verifies that for declared
// auth events.
//
// The rule order is load-bearing. Several rules are terminal (membership
// events, third party invites, power level and old-style redaction events
// never fall through to later rules) and reordering them changes verdicts.
func Check(evt *pdu.PDU, state *AuthState, ver *roomversion.Version) error {
	if evt.Type == pdu.TypeCreate {
		return checkCreateEvent(evt, ver)
	}

	create := state.Create()
	if create == nil {
		return fmt.Errorf("%w: no create event in auth state", ErrNotAuthorized)
	}
	if fed := gjson.GetBytes(create.Content, `m\.federate`); fed.Type == gjson.False {
		if evt.Sender.Homeserver() != create.Sender.Homeserver() {
			return fmt.Errorf("%w: room is unfederated and %s is remote", ErrNotAuthorized, evt.Sender)
		}
	}

	if ver.SpecialCaseAliases && evt.Type == pdu.TypeAliases {
		if evt.StateKey == nil {
			return fmt.Errorf("%w: aliases event without state_key", ErrNotAuthorized)
		}
		if evt.Sender.Homeserver() != *evt.StateKey {
			return fmt.Errorf("%w: aliases for %s sent from %s", ErrNotAuthorized, *evt.StateKey, evt.Sender.Homeserver())
		}
		return nil
	}

	if evt.Type == pdu.TypeMember {
		return checkMemberEvent(evt, state, ver)
	}

	if membership := state.Membership(evt.Sender); membership != event.MembershipJoin {
		return fmt.Errorf("%w: sender %s is not in the room (%s)", ErrNotAuthorized, evt.Sender, membership)
	}

	pl, err := statePowerLevels(state, ver)
	if err != nil {
		return err
	}
	senderLevel := pl.UserLevel(evt.Sender)

	if evt.Type == pdu.TypeThirdPartyInvite {
		if senderLevel < pl.Invite {
			return fmt.Errorf("%w: issuing invites requires level %d, %s has %d",
				ErrNotAuthorized, pl.Invite, evt.Sender, senderLevel)
		}
		return nil
	}

	if required := pl.RequiredLevel(evt.Type, evt.IsState()); senderLevel < required {
		return fmt.Errorf("%w: sending %s requires level %d, %s has %d",
			ErrNotAuthorized, evt.Type, required, evt.Sender, senderLevel)
	}

	if evt.StateKey != nil && strings.HasPrefix(*evt.StateKey, "@") && *evt.StateKey != string(evt.Sender) {
		return fmt.Errorf("%w: state_key %s belongs to another user", ErrNotAuthorized, *evt.StateKey)
	}

	if evt.Type == pdu.TypePowerLevels {
		return checkPowerLevelsEvent(evt, state, senderLevel, ver)
	}

	if evt.Type == pdu.TypeRedaction && ver.EventID == roomversion.EventIDFormatOpaque {
		return checkLegacyRedaction(evt, pl, senderLevel, ver)
	}

	return nil
}

// checkCreateEvent validates the event that roots a room. It is the one
// event checked without any auth state.
func checkCreateEvent(evt *pdu.PDU, ver *roomversion.Version) error {
	if len(evt.PrevEvents) > 0 {
		return fmt.Errorf("%w: create event has prev_events", ErrNotAuthorized)
	}
	if _, roomDomain, _ := strings.Cut(string(evt.RoomID), ":"); roomDomain != evt.Sender.Homeserver() {
		return fmt.Errorf("%w: room domain %q does not match creator's server %q",
			ErrNotAuthorized, roomDomain, evt.Sender.Homeserver())
	}
	if rv := gjson.GetBytes(evt.Content, "room_version"); rv.Exists() {
		if rv.Type != gjson.String {
			return fmt.Errorf("%w: room_version is not a string", ErrNotAuthorized)
		}
		if _, ok := roomversion.Get(id.RoomVersion(rv.Str)); !ok {
			return fmt.Errorf("%w: unrecognised room version %q", ErrNotAuthorized, rv.Str)
		}
	}
	if !ver.ImplicitRoomCreator && !gjson.GetBytes(evt.Content, "creator").Exists() {
		return fmt.Errorf("%w: create event without creator", ErrNotAuthorized)
	}
	return nil
}

// checkLegacyRedaction is the room v1/v2 redaction rule. Event IDs carry
// their origin server in these versions, so a server may redact its own
// users' events without holding the redact level. Content-addressed room
// versions drop this rule and defer the sender check to application time.
func checkLegacyRedaction(evt *pdu.PDU, pl *PowerLevels, senderLevel int64, ver *roomversion.Version) error {
	if senderLevel >= pl.Redact {
		return nil
	}
	_, ownDomain, _ := strings.Cut(string(evt.EventID), ":")
	_, targetDomain, found := strings.Cut(string(evt.RedactsID(ver)), ":")
	if found && ownDomain != "" && ownDomain == targetDomain {
		return nil
	}
	return fmt.Errorf("%w: redacting requires level %d, %s has %d",
		ErrNotAuthorized, pl.Redact, evt.Sender, senderLevel)
}

// statePowerLevels evaluates the power levels in a state view, feeding the
// creator in for rooms that predate their first power levels event.
func statePowerLevels(state *AuthState, ver *roomversion.Version) (*PowerLevels, error) {
	pl, err := ParsePowerLevels(state.PowerLevels(), state.Creator(ver), ver)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	return pl, nil
}
