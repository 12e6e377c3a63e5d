package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"slices"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/eventauth"
	"go.mau.fi/meowserv/ingest"
	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/stateres"
)

// MakeJoin builds the join event template for a remote user. In restricted
// rooms the template carries join_authorised_via_users_server when a local
// user can vouch for the join.
func (o *Orchestrator) MakeJoin(ctx context.Context, roomID id.RoomID, userID id.UserID, compat []id.RoomVersion) (*Template, error) {
	room, state, err := o.room(ctx, roomID, compat)
	if err != nil {
		return nil, err
	}
	content := map[string]any{"membership": event.MembershipJoin}
	joinRules := state[pdu.StateTuple{Type: pdu.TypeJoinRules}]
	if room.Version.RestrictedJoins && joinRules != nil {
		switch joinRules.JoinRule() {
		case event.JoinRuleRestricted, event.JoinRuleKnockRestricted:
			authoriser, err := o.restrictedAuthoriser(ctx, room, state, joinRules, userID)
			if err != nil {
				return nil, err
			}
			if authoriser != "" {
				content["join_authorised_via_users_server"] = authoriser
			}
		}
	}
	return o.makeTemplate(ctx, room, userID, content)
}

// restrictedAuthoriser evaluates a restricted room's allow conditions for
// userID and picks the local user whose server will vouch for the join. An
// empty result with no error means the joiner is already invited or joined
// and needs no authorisation.
func (o *Orchestrator) restrictedAuthoriser(ctx context.Context, room *ingest.RoomMeta, state stateres.StateMap, joinRules *pdu.PDU, userID id.UserID) (id.UserID, error) {
	if member := state[pdu.StateTuple{Type: pdu.TypeMember, StateKey: string(userID)}]; member != nil {
		switch member.Membership() {
		case event.MembershipJoin, event.MembershipInvite:
			return "", nil
		}
	}

	evaluable, satisfied := false, false
	for _, entry := range gjson.GetBytes(joinRules.Content, "allow").Array() {
		if entry.Get("type").Str != "m.room_membership" {
			continue
		}
		allowedRoom := id.RoomID(entry.Get("room_id").Str)
		if allowedRoom == "" {
			continue
		}
		_, allowedState, err := o.Engine.CurrentState(ctx, allowedRoom)
		if errors.Is(err, ingest.ErrRoomUnknown) {
			continue
		} else if err != nil {
			return "", err
		}
		evaluable = true
		member := allowedState[pdu.StateTuple{Type: pdu.TypeMember, StateKey: string(userID)}]
		if member != nil && member.Membership() == event.MembershipJoin {
			satisfied = true
			break
		}
	}
	if !evaluable {
		return "", errUnableToAuthoriseJoin
	}
	if !satisfied {
		return "", mautrix.MForbidden.WithMessage("You are not joined to any of the rooms that would allow you to join this one")
	}

	// The authorising user must be a local member able to invite.
	var creator id.UserID
	if create := state[pdu.StateTuple{Type: pdu.TypeCreate}]; create != nil {
		creator = create.RoomCreator(room.Version)
	}
	pls, err := eventauth.ParsePowerLevels(state[pdu.StateTuple{Type: pdu.TypePowerLevels}], creator, room.Version)
	if err != nil {
		return "", err
	}
	candidates := o.Engine.LocalMembers(state, event.MembershipJoin)
	slices.Sort(candidates)
	for _, candidate := range candidates {
		if pls.UserLevel(candidate) >= pls.Invite {
			return candidate, nil
		}
	}
	return "", errUnableToGrantJoin
}

// SendJoin validates and accepts a signed join event from another server.
// Joins a local user authorised get the resident co-signature before the
// pipeline runs, as the auth rules demand it.
func (o *Orchestrator) SendJoin(ctx context.Context, origin string, roomID id.RoomID, eventID id.EventID, raw json.RawMessage) (*RespSendState, error) {
	room, _, err := o.room(ctx, roomID, nil)
	if err != nil {
		return nil, err
	}
	evt, err := o.checkMembershipEvent(origin, room, eventID, raw, event.MembershipJoin)
	if err != nil {
		return nil, err
	}
	if room.Version.RestrictedJoins {
		if authoriser := evt.JoinAuthorisedVia(); authoriser != "" && authoriser.Homeserver() == o.Engine.ServerName {
			if err = evt.Sign(room.Version, o.Key.ServerName, o.Key.ID, o.Key.Priv); err != nil {
				return nil, err
			}
			raw = evt.Raw()
		}
	}
	res, err := o.accept(ctx, origin, raw)
	if err != nil {
		return nil, err
	}
	resp, err := o.stateResponse(ctx, room, res.EventID)
	if err != nil {
		return nil, err
	}
	resp.Event = evt.Raw()
	o.propagate(ctx, roomID, raw, origin)
	return resp, nil
}
