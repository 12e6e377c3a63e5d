package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.mau.fi/util/exhttp"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/ingest"
	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/stateres"
)

var errMissingEventIDParam = mautrix.RespError{
	ErrCode:    "M_MISSING_PARAM",
	Err:        "Missing event_id query parameter",
	StatusCode: http.StatusBadRequest,
}

type RespEvent struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
}

// GetEvent - GET /_matrix/federation/v1/event/{eventID}
//
// Rejected and soft-failed events stay fetchable by ID even though they
// never appear in state or backfill responses.
func (m *Meowserv) GetEvent(w http.ResponseWriter, r *http.Request) {
	se, err := m.Engine.Store.Event(r.Context(), id.EventID(r.PathValue("eventID")))
	if err != nil {
		writeError(w, r, err)
		return
	} else if se == nil {
		mautrix.MNotFound.WithMessage("Event not found").Write(w)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &RespEvent{
		Origin:         m.Engine.ServerName,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           []json.RawMessage{se.PDU.Raw()},
	})
}

// stateAtEvent loads the resolved state preceding an event along with the
// state's full auth chain.
func (m *Meowserv) stateAtEvent(w http.ResponseWriter, r *http.Request) ([]*pdu.PDU, []*pdu.PDU, bool) {
	roomID := id.RoomID(r.PathValue("roomID"))
	eventID := id.EventID(r.URL.Query().Get("event_id"))
	if eventID == "" {
		errMissingEventIDParam.Write(w)
		return nil, nil, false
	}
	room, err := m.Engine.Room(r.Context(), roomID)
	if err != nil {
		writeError(w, r, err)
		return nil, nil, false
	}
	se, err := m.Engine.Store.Event(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return nil, nil, false
	} else if se == nil || se.PDU.RoomID != roomID {
		mautrix.MNotFound.WithMessage("Event not found in room").Write(w)
		return nil, nil, false
	}
	state, err := m.Engine.StateBeforeEvent(r.Context(), eventID)
	if err != nil {
		writeError(w, r, err)
		return nil, nil, false
	}
	stateEvents := make([]*pdu.PDU, 0, len(state))
	for _, evt := range state {
		stateEvents = append(stateEvents, evt)
	}
	chain, err := stateres.AuthChain(r.Context(), room.Version, m.Engine, stateEvents)
	if err != nil {
		writeError(w, r, err)
		return nil, nil, false
	}
	return stateEvents, chain, true
}

type RespState struct {
	PDUs      []json.RawMessage `json:"pdus"`
	AuthChain []json.RawMessage `json:"auth_chain"`
}

// GetState - GET /_matrix/federation/v1/state/{roomID}?event_id=...
func (m *Meowserv) GetState(w http.ResponseWriter, r *http.Request) {
	state, chain, ok := m.stateAtEvent(w, r)
	if !ok {
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &RespState{
		PDUs:      rawEvents(state),
		AuthChain: rawEvents(chain),
	})
}

type RespStateIDs struct {
	PDUIDs       []id.EventID `json:"pdu_ids"`
	AuthChainIDs []id.EventID `json:"auth_chain_ids"`
}

// GetStateIDs - GET /_matrix/federation/v1/state_ids/{roomID}?event_id=...
func (m *Meowserv) GetStateIDs(w http.ResponseWriter, r *http.Request) {
	state, chain, ok := m.stateAtEvent(w, r)
	if !ok {
		return
	}
	room, err := m.Engine.Room(r.Context(), id.RoomID(r.PathValue("roomID")))
	if err != nil {
		writeError(w, r, err)
		return
	}
	resp := &RespStateIDs{
		PDUIDs:       make([]id.EventID, 0, len(state)),
		AuthChainIDs: make([]id.EventID, 0, len(chain)),
	}
	for _, evt := range state {
		eventID, err := evt.GetEventID(room.Version)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.PDUIDs = append(resp.PDUIDs, eventID)
	}
	for _, evt := range chain {
		eventID, err := evt.GetEventID(room.Version)
		if err != nil {
			writeError(w, r, err)
			return
		}
		resp.AuthChainIDs = append(resp.AuthChainIDs, eventID)
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}

type RespEventAuth struct {
	AuthChain []json.RawMessage `json:"auth_chain"`
}

// GetEventAuth - GET /_matrix/federation/v1/event_auth/{roomID}/{eventID}
func (m *Meowserv) GetEventAuth(w http.ResponseWriter, r *http.Request) {
	roomID := id.RoomID(r.PathValue("roomID"))
	room, err := m.Engine.Room(r.Context(), roomID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	se, err := m.Engine.Store.Event(r.Context(), id.EventID(r.PathValue("eventID")))
	if err != nil {
		writeError(w, r, err)
		return
	} else if se == nil || se.PDU.RoomID != roomID {
		mautrix.MNotFound.WithMessage("Event not found in room").Write(w)
		return
	}
	auth, err := m.Engine.EventsByID(r.Context(), se.PDU.AuthEvents)
	if err != nil {
		writeError(w, r, err)
		return
	}
	seeds := make([]*pdu.PDU, 0, len(auth))
	for _, evt := range auth {
		seeds = append(seeds, evt)
	}
	chain, err := stateres.AuthChain(r.Context(), room.Version, m.Engine, seeds)
	if err != nil {
		writeError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &RespEventAuth{AuthChain: rawEvents(chain)})
}

type ReqGetMissingEvents struct {
	Limit          int          `json:"limit"`
	MinDepth       int64        `json:"min_depth"`
	EarliestEvents []id.EventID `json:"earliest_events"`
	LatestEvents   []id.EventID `json:"latest_events"`
}

type RespMissingEvents struct {
	Events []json.RawMessage `json:"events"`
}

// PostGetMissingEvents - POST /_matrix/federation/v1/get_missing_events/{roomID}
func (m *Meowserv) PostGetMissingEvents(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req ReqGetMissingEvents
	if err := json.Unmarshal(body, &req); err != nil {
		mautrix.MBadJSON.WithMessage("Failed to parse request").Write(w)
		return
	}
	if req.Limit <= 0 {
		req.Limit = ingest.MissingEventsDefaultLimit
	} else if req.Limit > ingest.MissingEventsMaxLimit {
		req.Limit = ingest.MissingEventsMaxLimit
	}
	events, err := m.Engine.MissingEvents(r.Context(), id.RoomID(r.PathValue("roomID")), req.EarliestEvents, req.LatestEvents, req.Limit, req.MinDepth)
	if err != nil {
		writeError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &RespMissingEvents{Events: rawEvents(events)})
}

// GetBackfill - GET /_matrix/federation/v1/backfill/{roomID}?v=...&limit=...
func (m *Meowserv) GetBackfill(w http.ResponseWriter, r *http.Request) {
	from := make([]id.EventID, 0, len(r.URL.Query()["v"]))
	for _, v := range r.URL.Query()["v"] {
		from = append(from, id.EventID(v))
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	events, err := m.Engine.Backfill(r.Context(), id.RoomID(r.PathValue("roomID")), from, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, &RespEvent{
		Origin:         m.Engine.ServerName,
		OriginServerTS: time.Now().UnixMilli(),
		PDUs:           rawEvents(events),
	})
}

func rawEvents(events []*pdu.PDU) []json.RawMessage {
	out := make([]json.RawMessage, len(events))
	for i, evt := range events {
		out[i] = evt.Raw()
	}
	return out
}
