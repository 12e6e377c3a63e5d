// Package handshake orchestrates the federation membership handshakes from
// the resident server's side: the make_/send_ pairs for join, leave and
// knock, plus incoming invites, on top of the validation pipeline.
package handshake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/ingest"
	"go.mau.fi/meowserv/keyring"
	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/stateres"
)

var (
	errRoomNotFound            = mautrix.MNotFound.WithMessage("Unknown room")
	errIncompatibleRoomVersion = mautrix.RespError{
		ErrCode:    "M_INCOMPATIBLE_ROOM_VERSION",
		Err:        "Your homeserver does not support the room version",
		StatusCode: http.StatusBadRequest,
	}
	errUnableToAuthoriseJoin = mautrix.RespError{
		ErrCode:    "M_UNABLE_TO_AUTHORISE_JOIN",
		Err:        "Room membership in the allowed rooms cannot be verified from this server",
		StatusCode: http.StatusBadRequest,
	}
	errUnableToGrantJoin = mautrix.RespError{
		ErrCode:    "M_UNABLE_TO_GRANT_JOIN",
		Err:        "No resident user may authorise the join",
		StatusCode: http.StatusBadRequest,
	}
)

// Orchestrator runs the handshakes. Sender is optional: without one,
// accepted events are not propagated to other resident servers.
type Orchestrator struct {
	Engine *ingest.Engine
	Key    *keyring.LocalKey
	Sender TransactionSender

	sema *semaphore.Weighted
}

func NewOrchestrator(engine *ingest.Engine, key *keyring.LocalKey, sender TransactionSender) *Orchestrator {
	return &Orchestrator{
		Engine: engine,
		Key:    key,
		Sender: sender,
		sema:   semaphore.NewWeighted(propagateConcurrency),
	}
}

// Template is the response to a make_* request: an unsigned event for the
// requesting server to complete, sign and send back.
type Template struct {
	RoomVersion id.RoomVersion  `json:"room_version"`
	Event       json.RawMessage `json:"event"`
}

// RespSendState is the response to send_join and send_leave: the room state
// before the event and its auth chain, plus the event as this server
// accepted it (with the resident signature where one was added).
type RespSendState struct {
	Origin    string            `json:"origin"`
	AuthChain []json.RawMessage `json:"auth_chain"`
	State     []json.RawMessage `json:"state"`
	Event     json.RawMessage   `json:"event,omitempty"`
}

// room loads the room and its resolved current state, translating unknown
// rooms and version mismatches into the federation error codes.
func (o *Orchestrator) room(ctx context.Context, roomID id.RoomID, compat []id.RoomVersion) (*ingest.RoomMeta, stateres.StateMap, error) {
	room, state, err := o.Engine.CurrentState(ctx, roomID)
	if errors.Is(err, ingest.ErrRoomUnknown) {
		return nil, nil, errRoomNotFound
	} else if err != nil {
		return nil, nil, err
	}
	if len(compat) > 0 && !slices.Contains(compat, room.Version.ID) {
		respErr := errIncompatibleRoomVersion.WithMessage(fmt.Sprintf("Room is version %s", room.Version.ID))
		respErr.ExtraData = map[string]any{"room_version": room.Version.ID}
		return nil, nil, respErr
	}
	return room, state, nil
}

// makeTemplate builds the unsigned membership event every make_* endpoint
// hands out.
func (o *Orchestrator) makeTemplate(ctx context.Context, room *ingest.RoomMeta, userID id.UserID, content map[string]any) (*Template, error) {
	stateKey := string(userID)
	raw, err := o.Engine.BuildTemplate(ctx, &ingest.BuildRequest{
		RoomID:   room.ID,
		Sender:   userID,
		Type:     pdu.TypeMember,
		StateKey: &stateKey,
		Content:  content,
	})
	if err != nil {
		return nil, err
	}
	return &Template{RoomVersion: room.Version.ID, Event: raw}, nil
}

// checkMembershipEvent runs the static checks every send_* endpoint shares.
// Failures are returned as RespErrors and the event is never stored.
func (o *Orchestrator) checkMembershipEvent(origin string, room *ingest.RoomMeta, eventID id.EventID, raw json.RawMessage, membership event.Membership) (*pdu.PDU, error) {
	evt, err := pdu.Parse(raw)
	if err != nil {
		return nil, mautrix.MBadJSON.WithMessage(err.Error())
	}
	if err = evt.ValidateFormat(room.Version); err != nil {
		return nil, mautrix.MBadJSON.WithMessage(err.Error())
	}
	switch {
	case evt.RoomID != room.ID:
		return nil, mautrix.MBadJSON.WithMessage("Event is for a different room")
	case evt.Type != pdu.TypeMember || evt.StateKey == nil:
		return nil, mautrix.MBadJSON.WithMessage("Event is not a membership event")
	case *evt.StateKey != string(evt.Sender):
		return nil, mautrix.MBadJSON.WithMessage("Event state_key does not match sender")
	case evt.Membership() != membership:
		return nil, mautrix.MBadJSON.WithMessage(fmt.Sprintf("Event membership is not %s", membership))
	case evt.Sender.Homeserver() != origin:
		return nil, mautrix.MForbidden.WithMessage("Event sender does not match request origin")
	}
	realID, err := evt.GetEventID(room.Version)
	if err != nil {
		return nil, mautrix.MBadJSON.WithMessage(err.Error())
	}
	if realID != eventID {
		return nil, mautrix.MInvalidParam.WithMessage("Event ID does not match the request path")
	}
	return evt, nil
}

// accept runs a handshake event through the pipeline and requires a full
// accept: handshake events are the room's entry points, soft-failing them
// would let a server smuggle members past the current state.
func (o *Orchestrator) accept(ctx context.Context, origin string, raw json.RawMessage) (*ingest.Result, error) {
	res, err := o.Engine.HandlePDU(ctx, origin, raw)
	if err != nil {
		var missingErr *ingest.MissingEventsError
		if errors.As(err, &missingErr) {
			return nil, mautrix.MForbidden.WithMessage(missingErr.Error())
		}
		return nil, err
	}
	if res.Status != ingest.StatusAccepted {
		return nil, mautrix.MForbidden.WithMessage(res.Reason)
	}
	return res, nil
}

// stateResponse assembles the state-before snapshot and its auth chain for
// a freshly accepted handshake event.
func (o *Orchestrator) stateResponse(ctx context.Context, room *ingest.RoomMeta, eventID id.EventID) (*RespSendState, error) {
	state, err := o.Engine.StateBeforeEvent(ctx, eventID)
	if err != nil {
		return nil, err
	}
	stateEvents := sortedStateEvents(state)
	chain, err := stateres.AuthChain(ctx, room.Version, o.Engine, stateEvents)
	if err != nil {
		return nil, err
	}
	return &RespSendState{
		Origin:    o.Engine.ServerName,
		State:     rawEvents(stateEvents),
		AuthChain: rawEvents(chain),
	}, nil
}

// sortedStateEvents flattens a state map in a stable order, oldest first.
func sortedStateEvents(state stateres.StateMap) []*pdu.PDU {
	events := make([]*pdu.PDU, 0, len(state))
	for _, evt := range state {
		events = append(events, evt)
	}
	slices.SortFunc(events, func(a, b *pdu.PDU) int {
		if a.Depth != b.Depth {
			if a.Depth < b.Depth {
				return -1
			}
			return 1
		}
		return slices.Compare(a.Raw(), b.Raw())
	})
	return events
}

func rawEvents(events []*pdu.PDU) []json.RawMessage {
	out := make([]json.RawMessage, len(events))
	for i, evt := range events {
		out[i] = evt.Raw()
	}
	return out
}
