package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/sjson"
	"go.mau.fi/util/ptr"
	"go.mau.fi/util/random"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/eventauth"
	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

// BuildRequest describes an event to originate locally.
type BuildRequest struct {
	RoomID   id.RoomID
	Sender   id.UserID
	Type     string
	StateKey *string
	Content  any
	// Timestamp overrides origin_server_ts, zero means now.
	Timestamp time.Time
}

// BuildEvent constructs, signs and validates a local event: auth events are
// selected from current state, prev_events are the room's forward
// extremities and the depth extends the deepest parent. The event goes
// through the same pipeline as remote ones; if it fails its own
// authorization, nothing is stored and the error is returned.
func (e *Engine) BuildEvent(ctx context.Context, req *BuildRequest) (*pdu.PDU, *Result, error) {
	room, state, err := e.CurrentState(ctx, req.RoomID)
	if err != nil {
		return nil, nil, err
	}
	raw, err := e.assembleEvent(ctx, room, state, req)
	if err != nil {
		return nil, nil, err
	}
	return e.commitLocal(ctx, raw)
}

func (e *Engine) commitLocal(ctx context.Context, raw []byte) (*pdu.PDU, *Result, error) {
	evt, err := pdu.Parse(raw)
	if err != nil {
		return nil, nil, err
	}
	res, err := e.process(ctx, e.ServerName, raw, processOpts{local: true})
	if err != nil {
		return nil, nil, err
	}
	return evt, res, nil
}

// BuildTemplate assembles an unsigned event on top of the room's current
// state, for another server to sign. Used by the federation handshakes.
func (e *Engine) BuildTemplate(ctx context.Context, req *BuildRequest) (json.RawMessage, error) {
	room, state, err := e.CurrentState(ctx, req.RoomID)
	if err != nil {
		return nil, err
	}
	return e.assembleTemplate(ctx, room, state, req)
}

// assembleEvent builds the signed wire JSON for a local event on top of the
// given state snapshot.
func (e *Engine) assembleEvent(ctx context.Context, room *RoomMeta, state map[pdu.StateTuple]*pdu.PDU, req *BuildRequest) ([]byte, error) {
	raw, err := e.assembleTemplate(ctx, room, state, req)
	if err != nil {
		return nil, err
	}
	return e.sealEvent(room.Version, raw)
}

// assembleTemplate builds the unsigned form of a new event: everything but
// the event ID, content hash and signature.
func (e *Engine) assembleTemplate(ctx context.Context, room *RoomMeta, state map[pdu.StateTuple]*pdu.PDU, req *BuildRequest) ([]byte, error) {
	ver := room.Version
	content := req.Content
	if content == nil {
		content = struct{}{}
	}
	ts := req.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	fields := map[string]any{
		"room_id":          req.RoomID,
		"sender":           req.Sender,
		"type":             req.Type,
		"content":          content,
		"origin":           req.Sender.Homeserver(),
		"origin_server_ts": ts.UnixMilli(),
		"prev_events":      room.ForwardExtremities,
		"auth_events":      []id.EventID{},
		"depth":            int64(1),
	}
	if req.StateKey != nil {
		fields["state_key"] = *req.StateKey
	}
	if room.ForwardExtremities == nil {
		fields["prev_events"] = []id.EventID{}
	}

	if len(room.ForwardExtremities) > 0 {
		parents, err := e.Store.Events(ctx, room.ForwardExtremities)
		if err != nil {
			return nil, err
		}
		var maxDepth int64
		for _, eid := range room.ForwardExtremities {
			parent, ok := parents[eid]
			if !ok {
				return nil, fmt.Errorf("forward extremity %s not in store", eid)
			}
			if parent.PDU.Depth > maxDepth {
				maxDepth = parent.PDU.Depth
			}
		}
		fields["depth"] = maxDepth + 1
	}

	// The auth selection needs the event's parsed form (membership,
	// restricted-join fields), so build provisionally, select, rebuild.
	provisional, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	evt, err := pdu.Parse(provisional)
	if err != nil {
		return nil, err
	}
	authState, err := eventauth.NewAuthState(stateEvents(state)...)
	if err != nil {
		return nil, err
	}
	selected := eventauth.SelectAuthEvents(evt, authState, ver)
	authIDs := make([]id.EventID, len(selected))
	for i, authEvt := range selected {
		if authIDs[i], err = authEvt.GetEventID(ver); err != nil {
			return nil, err
		}
	}
	fields["auth_events"] = authIDs

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return raw, nil
}

// sealEvent finalizes an assembled event: the opaque event ID where the
// room version carries one, the content hash and this server's signature.
func (e *Engine) sealEvent(ver *roomversion.Version, raw []byte) ([]byte, error) {
	var err error
	if ver.EventID == roomversion.EventIDFormatOpaque {
		raw, err = sjson.SetBytes(raw, "event_id", "$"+random.String(18)+":"+e.ServerName)
		if err != nil {
			return nil, fmt.Errorf("failed to set event_id: %w", err)
		}
	}
	evt, err := pdu.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err = evt.FillContentHash(); err != nil {
		return nil, err
	}
	key := e.Keys.Local
	if err = evt.Sign(ver, key.ServerName, key.ID, key.Priv); err != nil {
		return nil, err
	}
	return evt.Raw(), nil
}

func stateEvents(state map[pdu.StateTuple]*pdu.PDU) []*pdu.PDU {
	events := make([]*pdu.PDU, 0, len(state))
	for _, evt := range state {
		events = append(events, evt)
	}
	return events
}

// CreateRoomRequest describes a locally originated room.
type CreateRoomRequest struct {
	Creator id.UserID
	// Version defaults to roomversion.Default.
	Version id.RoomVersion
	// JoinRule defaults to invite.
	JoinRule event.JoinRule
	// RestrictedAllow lists the rooms whose members may join, for the
	// restricted join rules.
	RestrictedAllow []id.RoomID
	// PowerLevelOverrides is merged over the default power levels content.
	PowerLevelOverrides map[string]any
	Name                string
}

// CreateRoom originates a new room: the create event, the creator's join,
// the initial power levels and the join rules, in that order.
func (e *Engine) CreateRoom(ctx context.Context, req *CreateRoomRequest) (id.RoomID, error) {
	version := req.Version
	if version == "" {
		version = roomversion.Default.ID
	}
	ver, ok := roomversion.Get(version)
	if !ok {
		return "", fmt.Errorf("unsupported room version %q", version)
	}
	if req.Creator.Homeserver() != e.ServerName {
		return "", fmt.Errorf("%s is not a local user", req.Creator)
	}
	roomID := id.RoomID("!" + random.String(18) + ":" + e.ServerName)

	createContent := map[string]any{"room_version": version}
	if !ver.ImplicitRoomCreator {
		createContent["creator"] = req.Creator
	}
	room := &RoomMeta{ID: roomID, Version: ver}
	state := map[pdu.StateTuple]*pdu.PDU{}
	emptyKey := ""

	steps := []*BuildRequest{
		{Type: pdu.TypeCreate, StateKey: &emptyKey, Content: createContent},
		{Type: pdu.TypeMember, StateKey: ptr.Ptr(string(req.Creator)), Content: map[string]any{"membership": "join"}},
		{Type: pdu.TypePowerLevels, StateKey: &emptyKey, Content: e.initialPowerLevels(req)},
		{Type: pdu.TypeJoinRules, StateKey: &emptyKey, Content: joinRulesContent(req)},
	}
	if req.Name != "" {
		steps = append(steps, &BuildRequest{Type: pdu.TypeName, StateKey: &emptyKey, Content: map[string]any{"name": req.Name}})
	}
	for _, step := range steps {
		step.RoomID = roomID
		step.Sender = req.Creator
		raw, err := e.assembleEvent(ctx, room, state, step)
		if err != nil {
			return "", fmt.Errorf("failed to build %s: %w", step.Type, err)
		}
		evt, res, err := e.commitLocal(ctx, raw)
		if err != nil {
			return "", fmt.Errorf("failed to commit %s: %w", step.Type, err)
		} else if res.Status != StatusAccepted {
			return "", fmt.Errorf("%s was not accepted: %s", step.Type, res.Reason)
		}
		if tuple, ok := evt.StateTuple(); ok {
			state[tuple] = evt
		}
		room.ForwardExtremities = []id.EventID{res.EventID}
	}
	return roomID, nil
}

func (e *Engine) initialPowerLevels(req *CreateRoomRequest) map[string]any {
	content := map[string]any{
		"users":          map[string]any{string(req.Creator): 100},
		"users_default":  0,
		"events":         map[string]any{},
		"events_default": 0,
		"state_default":  50,
		"ban":            50,
		"kick":           50,
		"redact":         50,
		"invite":         0,
		"notifications":  map[string]any{"room": 50},
	}
	for key, val := range req.PowerLevelOverrides {
		content[key] = val
	}
	return content
}

func joinRulesContent(req *CreateRoomRequest) map[string]any {
	rule := req.JoinRule
	if rule == "" {
		rule = event.JoinRuleInvite
	}
	content := map[string]any{"join_rule": rule}
	if len(req.RestrictedAllow) > 0 {
		allow := make([]map[string]any, len(req.RestrictedAllow))
		for i, allowedRoom := range req.RestrictedAllow {
			allow[i] = map[string]any{"type": "m.room_membership", "room_id": allowedRoom}
		}
		content["allow"] = allow
	}
	return content
}
