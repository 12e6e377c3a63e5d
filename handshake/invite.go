package handshake

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

// InviteRequest is the body of PUT /_matrix/federation/v2/invite.
type InviteRequest struct {
	Event           json.RawMessage   `json:"event"`
	RoomVersion     id.RoomVersion    `json:"room_version"`
	InviteRoomState []json.RawMessage `json:"invite_room_state,omitempty"`
}

// RespInvite returns the invite event with this server's signature added.
type RespInvite struct {
	Event json.RawMessage `json:"event"`
}

// Invite accepts an invite for a local user. The room version comes from
// the request since the room may be entirely unknown here; the co-signed
// event goes back for the inviting server to distribute. When the room is
// known locally the invite also runs through the pipeline so it lands in
// the room state.
func (o *Orchestrator) Invite(ctx context.Context, origin string, roomID id.RoomID, eventID id.EventID, req *InviteRequest) (*RespInvite, error) {
	ver, ok := roomversion.Get(req.RoomVersion)
	if !ok {
		respErr := errIncompatibleRoomVersion
		respErr.ExtraData = map[string]any{"room_version": req.RoomVersion}
		return nil, respErr
	}
	evt, err := pdu.Parse(req.Event)
	if err != nil {
		return nil, mautrix.MBadJSON.WithMessage(err.Error())
	}
	if err = evt.ValidateFormat(ver); err != nil {
		return nil, mautrix.MBadJSON.WithMessage(err.Error())
	}
	switch {
	case evt.RoomID != roomID:
		return nil, mautrix.MBadJSON.WithMessage("Event is for a different room")
	case evt.Type != pdu.TypeMember || evt.StateKey == nil:
		return nil, mautrix.MBadJSON.WithMessage("Event is not a membership event")
	case evt.Membership() != event.MembershipInvite:
		return nil, mautrix.MBadJSON.WithMessage("Event membership is not invite")
	case evt.Sender.Homeserver() != origin:
		return nil, mautrix.MForbidden.WithMessage("Event sender does not match request origin")
	case id.UserID(*evt.StateKey).Homeserver() != o.Engine.ServerName:
		return nil, mautrix.MForbidden.WithMessage("Invited user is not on this server")
	}
	realID, err := evt.GetEventID(ver)
	if err != nil {
		return nil, mautrix.MBadJSON.WithMessage(err.Error())
	}
	if realID != eventID {
		return nil, mautrix.MInvalidParam.WithMessage("Event ID does not match the request path")
	}
	if err = evt.VerifySignature(ctx, ver, origin, o.Engine.Keys.GetKey); err != nil {
		return nil, mautrix.MForbidden.WithMessage(err.Error())
	}
	if err = evt.Sign(ver, o.Key.ServerName, o.Key.ID, o.Key.Priv); err != nil {
		return nil, err
	}

	// Best effort: in rooms this server is in, the invite becomes part of
	// the state right away instead of waiting for the sender's transaction.
	if _, err = o.Engine.Room(ctx, roomID); err == nil {
		if _, err = o.Engine.HandlePDU(ctx, origin, evt.Raw()); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).
				Stringer("event_id", eventID).
				Str("room_id", string(roomID)).
				Msg("Failed to process invite through the pipeline")
		}
	}
	return &RespInvite{Event: evt.Raw()}, nil
}
