package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/handshake"
	"go.mau.fi/meowserv/ingest"
)

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var respErr mautrix.RespError
	if errors.As(err, &respErr) {
		respErr.Write(w)
		return
	}
	if errors.Is(err, ingest.ErrRoomUnknown) {
		mautrix.MNotFound.WithMessage("Unknown room").Write(w)
		return
	}
	hlog.FromRequest(r).Err(err).Msg("Unhandled error in federation handler")
	mautrix.MUnknown.WithMessage("Internal server error").Write(w)
}

func readBody(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, bodySizeLimit))
	if err != nil {
		mautrix.MUnknown.WithMessage("Failed to read request body").Write(w)
		return nil, false
	}
	if !json.Valid(body) {
		mautrix.MNotJSON.WithMessage("Request body is not valid JSON").Write(w)
		return nil, false
	}
	return body, true
}

func compatVersions(r *http.Request) []id.RoomVersion {
	vers := r.URL.Query()["ver"]
	out := make([]id.RoomVersion, len(vers))
	for i, ver := range vers {
		out[i] = id.RoomVersion(ver)
	}
	return out
}

// checkTemplateUser rejects make_* requests for users the requesting
// server doesn't own.
func checkTemplateUser(w http.ResponseWriter, r *http.Request) (id.UserID, bool) {
	userID := id.UserID(r.PathValue("userID"))
	if userID.Homeserver() != origin(r) {
		mautrix.MForbidden.WithMessage("Cannot create membership templates for users of other servers").Write(w)
		return "", false
	}
	return userID, true
}

// GetMakeJoin - GET /_matrix/federation/v1/make_join/{roomID}/{userID}
func (m *Meowserv) GetMakeJoin(w http.ResponseWriter, r *http.Request) {
	userID, ok := checkTemplateUser(w, r)
	if !ok {
		return
	}
	tpl, err := m.Orch.MakeJoin(r.Context(), id.RoomID(r.PathValue("roomID")), userID, compatVersions(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, tpl)
}

func (m *Meowserv) sendJoin(w http.ResponseWriter, r *http.Request) *handshake.RespSendState {
	body, ok := readBody(w, r)
	if !ok {
		return nil
	}
	resp, err := m.Orch.SendJoin(r.Context(), origin(r), id.RoomID(r.PathValue("roomID")), id.EventID(r.PathValue("eventID")), body)
	if err != nil {
		writeError(w, r, err)
		return nil
	}
	return resp
}

// PutSendJoinV1 - PUT /_matrix/federation/v1/send_join/{roomID}/{eventID}
func (m *Meowserv) PutSendJoinV1(w http.ResponseWriter, r *http.Request) {
	if resp := m.sendJoin(w, r); resp != nil {
		exhttp.WriteJSONResponse(w, http.StatusOK, []any{http.StatusOK, resp})
	}
}

// PutSendJoinV2 - PUT /_matrix/federation/v2/send_join/{roomID}/{eventID}
func (m *Meowserv) PutSendJoinV2(w http.ResponseWriter, r *http.Request) {
	if resp := m.sendJoin(w, r); resp != nil {
		exhttp.WriteJSONResponse(w, http.StatusOK, resp)
	}
}

// GetMakeLeave - GET /_matrix/federation/v1/make_leave/{roomID}/{userID}
func (m *Meowserv) GetMakeLeave(w http.ResponseWriter, r *http.Request) {
	userID, ok := checkTemplateUser(w, r)
	if !ok {
		return
	}
	tpl, err := m.Orch.MakeLeave(r.Context(), id.RoomID(r.PathValue("roomID")), userID, compatVersions(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, tpl)
}

func (m *Meowserv) sendLeave(w http.ResponseWriter, r *http.Request) bool {
	body, ok := readBody(w, r)
	if !ok {
		return false
	}
	_, err := m.Orch.SendLeave(r.Context(), origin(r), id.RoomID(r.PathValue("roomID")), id.EventID(r.PathValue("eventID")), body)
	if err != nil {
		writeError(w, r, err)
		return false
	}
	return true
}

// PutSendLeaveV1 - PUT /_matrix/federation/v1/send_leave/{roomID}/{eventID}
func (m *Meowserv) PutSendLeaveV1(w http.ResponseWriter, r *http.Request) {
	if m.sendLeave(w, r) {
		exhttp.WriteJSONResponse(w, http.StatusOK, []any{http.StatusOK, struct{}{}})
	}
}

// PutSendLeaveV2 - PUT /_matrix/federation/v2/send_leave/{roomID}/{eventID}
func (m *Meowserv) PutSendLeaveV2(w http.ResponseWriter, r *http.Request) {
	if m.sendLeave(w, r) {
		exhttp.WriteJSONResponse(w, http.StatusOK, struct{}{})
	}
}

// GetMakeKnock - GET /_matrix/federation/v1/make_knock/{roomID}/{userID}
func (m *Meowserv) GetMakeKnock(w http.ResponseWriter, r *http.Request) {
	userID, ok := checkTemplateUser(w, r)
	if !ok {
		return
	}
	tpl, err := m.Orch.MakeKnock(r.Context(), id.RoomID(r.PathValue("roomID")), userID, compatVersions(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, tpl)
}

// PutSendKnock - PUT /_matrix/federation/v1/send_knock/{roomID}/{eventID}
func (m *Meowserv) PutSendKnock(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	resp, err := m.Orch.SendKnock(r.Context(), origin(r), id.RoomID(r.PathValue("roomID")), id.EventID(r.PathValue("eventID")), body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}

// PutInvite - PUT /_matrix/federation/v2/invite/{roomID}/{eventID}
func (m *Meowserv) PutInvite(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req handshake.InviteRequest
	if err := json.Unmarshal(body, &req); err != nil {
		mautrix.MBadJSON.WithMessage("Failed to parse invite request").Write(w)
		return
	}
	resp, err := m.Orch.Invite(r.Context(), origin(r), id.RoomID(r.PathValue("roomID")), id.EventID(r.PathValue("eventID")), &req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}
