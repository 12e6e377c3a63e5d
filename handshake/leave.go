package handshake

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
)

// MakeLeave builds the leave event template for a remote user rejecting an
// invite, retracting a knock or leaving outright.
func (o *Orchestrator) MakeLeave(ctx context.Context, roomID id.RoomID, userID id.UserID, compat []id.RoomVersion) (*Template, error) {
	room, state, err := o.room(ctx, roomID, compat)
	if err != nil {
		return nil, err
	}
	member := state[pdu.StateTuple{Type: pdu.TypeMember, StateKey: string(userID)}]
	if member == nil {
		return nil, mautrix.MForbidden.WithMessage("You are not in this room")
	}
	switch member.Membership() {
	case event.MembershipJoin, event.MembershipInvite, event.MembershipKnock:
	default:
		return nil, mautrix.MForbidden.WithMessage("You are not in this room")
	}
	return o.makeTemplate(ctx, room, userID, map[string]any{"membership": event.MembershipLeave})
}

// SendLeave validates and accepts a signed leave event from another server.
func (o *Orchestrator) SendLeave(ctx context.Context, origin string, roomID id.RoomID, eventID id.EventID, raw json.RawMessage) (*RespSendState, error) {
	room, _, err := o.room(ctx, roomID, nil)
	if err != nil {
		return nil, err
	}
	evt, err := o.checkMembershipEvent(origin, room, eventID, raw, event.MembershipLeave)
	if err != nil {
		return nil, err
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
