package eventauth

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix/crypto/canonicaljson"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

// checkMemberEvent applies the membership transition rules. Member events
// are terminal in the rule order: the verdict here is final and the
// remaining power level rules never run for them.
func checkMemberEvent(evt *pdu.PDU, state *AuthState, ver *roomversion.Version) error {
	if evt.StateKey == nil || *evt.StateKey == "" {
		return fmt.Errorf("%w: membership event without state_key", ErrNotAuthorized)
	}
	if !gjson.GetBytes(evt.Content, "membership").Exists() {
		return fmt.Errorf("%w: membership event without membership", ErrNotAuthorized)
	}
	target := id.UserID(*evt.StateKey)
	switch evt.Membership() {
	case event.MembershipJoin:
		return checkJoin(evt, state, target, ver)
	case event.MembershipInvite:
		return checkInvite(evt, state, target, ver)
	case event.MembershipLeave:
		return checkLeave(evt, state, target, ver)
	case event.MembershipBan:
		return checkBan(evt, state, target, ver)
	case event.MembershipKnock:
		if !ver.AllowKnocking {
			return fmt.Errorf("%w: room version %s does not support knocking", ErrNotAuthorized, ver.ID)
		}
		return checkKnock(evt, state, target, ver)
	default:
		return fmt.Errorf("%w: unknown membership %q", ErrNotAuthorized, evt.Membership())
	}
}

func checkJoin(evt *pdu.PDU, state *AuthState, target id.UserID, ver *roomversion.Version) error {
	// The creator's first join rides on the create event alone: it is the
	// only parent and there is no other state to consult yet.
	create := state.Create()
	if create != nil && len(evt.PrevEvents) == 1 {
		createID, err := create.GetEventID(ver)
		if err == nil && createID == evt.PrevEvents[0] && create.RoomCreator(ver) == target {
			return nil
		}
	}
	if evt.Sender != target {
		return fmt.Errorf("%w: cannot join as somebody else", ErrNotAuthorized)
	}
	senderMembership := state.Membership(evt.Sender)
	if senderMembership == event.MembershipBan {
		return fmt.Errorf("%w: %s is banned from the room", ErrNotAuthorized, evt.Sender)
	}
	joinRule := state.JoinRule()
	switch {
	case joinRule == event.JoinRuleInvite,
		ver.AllowKnocking && joinRule == event.JoinRuleKnock:
		if senderMembership == event.MembershipInvite || senderMembership == event.MembershipJoin {
			return nil
		}
	case ver.RestrictedJoins && (joinRule == event.JoinRuleRestricted ||
		(ver.KnockRestricted && joinRule == event.JoinRuleKnockRestricted)):
		if senderMembership == event.MembershipInvite || senderMembership == event.MembershipJoin {
			return nil
		}
		return checkRestrictedJoin(evt, state, ver)
	case joinRule == event.JoinRulePublic:
		return nil
	}
	return fmt.Errorf("%w: %s may not join under the %s join rule", ErrNotAuthorized, evt.Sender, joinRule)
}

// checkRestrictedJoin verifies the authorising user named in the join
// event: they must be in the room and hold enough power to invite. The
// matching server signature requirement is enforced separately during
// signature verification.
func checkRestrictedJoin(evt *pdu.PDU, state *AuthState, ver *roomversion.Version) error {
	authoriser := evt.JoinAuthorisedVia()
	if authoriser == "" {
		return fmt.Errorf("%w: restricted join without join_authorised_via_users_server", ErrNotAuthorized)
	}
	if state.Membership(authoriser) != event.MembershipJoin {
		return fmt.Errorf("%w: authorising user %s is not in the room", ErrNotAuthorized, authoriser)
	}
	pl, err := statePowerLevels(state, ver)
	if err != nil {
		return err
	}
	if level := pl.UserLevel(authoriser); level < pl.Invite {
		return fmt.Errorf("%w: authorising user %s has level %d, needs %d to grant joins",
			ErrNotAuthorized, authoriser, level, pl.Invite)
	}
	return nil
}

func checkInvite(evt *pdu.PDU, state *AuthState, target id.UserID, ver *roomversion.Version) error {
	if gjson.GetBytes(evt.Content, "third_party_invite").Exists() {
		return checkThirdPartyInvite(evt, state, target)
	}
	if state.Membership(evt.Sender) != event.MembershipJoin {
		return fmt.Errorf("%w: inviter %s is not in the room", ErrNotAuthorized, evt.Sender)
	}
	targetMembership := state.Membership(target)
	if targetMembership == event.MembershipJoin || targetMembership == event.MembershipBan {
		return fmt.Errorf("%w: cannot invite %s in membership state %s", ErrNotAuthorized, target, targetMembership)
	}
	pl, err := statePowerLevels(state, ver)
	if err != nil {
		return err
	}
	if level := pl.UserLevel(evt.Sender); level < pl.Invite {
		return fmt.Errorf("%w: inviting requires level %d, %s has %d", ErrNotAuthorized, pl.Invite, evt.Sender, level)
	}
	return nil
}

func checkLeave(evt *pdu.PDU, state *AuthState, target id.UserID, ver *roomversion.Version) error {
	if evt.Sender == target {
		switch current := state.Membership(evt.Sender); current {
		case event.MembershipInvite, event.MembershipJoin:
			return nil
		case event.MembershipKnock:
			if ver.AllowKnocking {
				return nil
			}
			return fmt.Errorf("%w: cannot retract knock in room version %s", ErrNotAuthorized, ver.ID)
		default:
			return fmt.Errorf("%w: cannot leave from membership state %s", ErrNotAuthorized, current)
		}
	}
	if state.Membership(evt.Sender) != event.MembershipJoin {
		return fmt.Errorf("%w: kicker %s is not in the room", ErrNotAuthorized, evt.Sender)
	}
	pl, err := statePowerLevels(state, ver)
	if err != nil {
		return err
	}
	senderLevel := pl.UserLevel(evt.Sender)
	if state.Membership(target) == event.MembershipBan && senderLevel < pl.Ban {
		return fmt.Errorf("%w: unbanning requires level %d, %s has %d", ErrNotAuthorized, pl.Ban, evt.Sender, senderLevel)
	}
	if senderLevel < pl.Kick {
		return fmt.Errorf("%w: kicking requires level %d, %s has %d", ErrNotAuthorized, pl.Kick, evt.Sender, senderLevel)
	}
	if targetLevel := pl.UserLevel(target); targetLevel >= senderLevel {
		return fmt.Errorf("%w: cannot kick %s with level %d >= own %d", ErrNotAuthorized, target, targetLevel, senderLevel)
	}
	return nil
}

func checkBan(evt *pdu.PDU, state *AuthState, target id.UserID, ver *roomversion.Version) error {
	if state.Membership(evt.Sender) != event.MembershipJoin {
		return fmt.Errorf("%w: banner %s is not in the room", ErrNotAuthorized, evt.Sender)
	}
	pl, err := statePowerLevels(state, ver)
	if err != nil {
		return err
	}
	senderLevel := pl.UserLevel(evt.Sender)
	if senderLevel < pl.Ban {
		return fmt.Errorf("%w: banning requires level %d, %s has %d", ErrNotAuthorized, pl.Ban, evt.Sender, senderLevel)
	}
	if targetLevel := pl.UserLevel(target); targetLevel >= senderLevel {
		return fmt.Errorf("%w: cannot ban %s with level %d >= own %d", ErrNotAuthorized, target, targetLevel, senderLevel)
	}
	return nil
}

func checkKnock(evt *pdu.PDU, state *AuthState, target id.UserID, ver *roomversion.Version) error {
	joinRule := state.JoinRule()
	if joinRule != event.JoinRuleKnock && !(ver.KnockRestricted && joinRule == event.JoinRuleKnockRestricted) {
		return fmt.Errorf("%w: the %s join rule does not allow knocking", ErrNotAuthorized, joinRule)
	}
	if evt.Sender != target {
		return fmt.Errorf("%w: cannot knock on behalf of somebody else", ErrNotAuthorized)
	}
	switch current := state.Membership(evt.Sender); current {
	case event.MembershipBan, event.MembershipInvite, event.MembershipJoin:
		return fmt.Errorf("%w: cannot knock from membership state %s", ErrNotAuthorized, current)
	default:
		return nil
	}
}

// checkThirdPartyInvite turns an identity-server-mediated invite into a room
// invite. The invited user proves ownership of the third party identifier
// with a signature from the identity server, which must match a public key
// published in the m.room.third_party_invite event the token refers to.
func checkThirdPartyInvite(evt *pdu.PDU, state *AuthState, target id.UserID) error {
	if state.Membership(target) == event.MembershipBan {
		return fmt.Errorf("%w: %s is banned from the room", ErrNotAuthorized, target)
	}
	signed := gjson.GetBytes(evt.Content, "third_party_invite.signed")
	if !signed.IsObject() {
		return fmt.Errorf("%w: third_party_invite has no signed object", ErrNotAuthorized)
	}
	mxid := signed.Get("mxid").Str
	token := signed.Get("token").Str
	if mxid == "" || token == "" {
		return fmt.Errorf("%w: third_party_invite signed object lacks mxid or token", ErrNotAuthorized)
	}
	if id.UserID(mxid) != target {
		return fmt.Errorf("%w: third_party_invite is for %s, not %s", ErrNotAuthorized, mxid, target)
	}
	tpi := state.ThirdPartyInvite(token)
	if tpi == nil {
		return fmt.Errorf("%w: no pending third party invite with token %q", ErrNotAuthorized, token)
	}
	if tpi.Sender != evt.Sender {
		return fmt.Errorf("%w: third party invite was issued by %s, not %s", ErrNotAuthorized, tpi.Sender, evt.Sender)
	}
	ok, err := verifyThirdPartySignature(signed, tpi)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAuthorized, err)
	}
	if !ok {
		return fmt.Errorf("%w: third party invite signature does not match any published key", ErrNotAuthorized)
	}
	return nil
}

// verifyThirdPartySignature checks the signed object against the public
// keys published in the third party invite event, both the legacy
// public_key field and the public_keys list.
func verifyThirdPartySignature(signed gjson.Result, tpi *pdu.PDU) (bool, error) {
	var pubkeys [][]byte
	appendKey := func(encoded string) {
		if key, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(encoded, "=")); err == nil && len(key) == ed25519.PublicKeySize {
			pubkeys = append(pubkeys, key)
		}
	}
	if pk := gjson.GetBytes(tpi.Content, "public_key"); pk.Exists() {
		appendKey(pk.Str)
	}
	gjson.GetBytes(tpi.Content, "public_keys").ForEach(func(_, entry gjson.Result) bool {
		if pk := entry.Get("public_key"); pk.Exists() {
			appendKey(pk.Str)
		}
		return true
	})
	if len(pubkeys) == 0 {
		return false, fmt.Errorf("third party invite event publishes no usable keys")
	}

	stripped, err := sjson.DeleteBytes([]byte(signed.Raw), "signatures")
	if err != nil {
		return false, err
	}
	payload, err := canonicaljson.CanonicalJSON(stripped)
	if err != nil {
		return false, err
	}

	matched := false
	signed.Get("signatures").ForEach(func(_, sigs gjson.Result) bool {
		sigs.ForEach(func(keyID, sig gjson.Result) bool {
			if !strings.HasPrefix(keyID.Str, "ed25519:") {
				return true
			}
			sigBytes, err := base64.RawStdEncoding.DecodeString(strings.TrimRight(sig.Str, "="))
			if err != nil || len(sigBytes) != ed25519.SignatureSize {
				return true
			}
			for _, key := range pubkeys {
				if ed25519.Verify(key, payload, sigBytes) {
					matched = true
					return false
				}
			}
			return true
		})
		return !matched
	})
	return matched, nil
}
