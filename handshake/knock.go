package handshake

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/ingest"
	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/stateres"
)

// RespSendKnock is the response to send_knock: a stripped preview of the
// room for the knocking user's client.
type RespSendKnock struct {
	KnockRoomState []StrippedEvent `json:"knock_room_state"`
}

// StrippedEvent is the reduced event form handed to users who are not in
// the room yet.
type StrippedEvent struct {
	Type     string          `json:"type"`
	StateKey string          `json:"state_key"`
	Sender   id.UserID       `json:"sender"`
	Content  json.RawMessage `json:"content"`
}

// MakeKnock builds the knock event template for a remote user.
func (o *Orchestrator) MakeKnock(ctx context.Context, roomID id.RoomID, userID id.UserID, compat []id.RoomVersion) (*Template, error) {
	room, state, err := o.room(ctx, roomID, compat)
	if err != nil {
		return nil, err
	}
	if !room.Version.AllowKnocking {
		return nil, mautrix.MForbidden.WithMessage("This room version does not support knocking")
	}
	if !knockableRule(room, state) {
		return nil, mautrix.MForbidden.WithMessage("This room does not accept knocks")
	}
	return o.makeTemplate(ctx, room, userID, map[string]any{"membership": event.MembershipKnock})
}

func knockableRule(room *ingest.RoomMeta, state stateres.StateMap) bool {
	joinRules := state[pdu.StateTuple{Type: pdu.TypeJoinRules}]
	if joinRules == nil {
		return false
	}
	switch joinRules.JoinRule() {
	case event.JoinRuleKnock:
		return true
	case event.JoinRuleKnockRestricted:
		return room.Version.KnockRestricted
	}
	return false
}

// SendKnock validates and accepts a signed knock event from another server.
func (o *Orchestrator) SendKnock(ctx context.Context, origin string, roomID id.RoomID, eventID id.EventID, raw json.RawMessage) (*RespSendKnock, error) {
	room, state, err := o.room(ctx, roomID, nil)
	if err != nil {
		return nil, err
	}
	if !room.Version.AllowKnocking {
		return nil, mautrix.MForbidden.WithMessage("This room version does not support knocking")
	}
	if _, err = o.checkMembershipEvent(origin, room, eventID, raw, event.MembershipKnock); err != nil {
		return nil, err
	}
	if _, err = o.accept(ctx, origin, raw); err != nil {
		return nil, err
	}
	o.propagate(ctx, roomID, raw, origin)
	return &RespSendKnock{KnockRoomState: strippedState(state)}, nil
}

// strippedStateTypes are the room-preview positions shared with knocking
// and invited users.
var strippedStateTypes = []string{
	pdu.TypeCreate,
	pdu.TypeJoinRules,
	pdu.TypeCanonicalAlias,
	pdu.TypeName,
	pdu.TypeAvatar,
	pdu.TypeTopic,
	pdu.TypeEncryption,
}

func strippedState(state stateres.StateMap) []StrippedEvent {
	stripped := make([]StrippedEvent, 0, len(strippedStateTypes))
	for _, evtType := range strippedStateTypes {
		evt := state[pdu.StateTuple{Type: evtType}]
		if evt == nil {
			continue
		}
		stripped = append(stripped, StrippedEvent{
			Type:     evt.Type,
			StateKey: *evt.StateKey,
			Sender:   evt.Sender,
			Content:  evt.Content,
		})
	}
	return stripped
}
