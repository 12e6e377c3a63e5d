package main

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
)

const (
	maxTransactionPDUs = 50
	maxTransactionEDUs = 100

	transactionCacheSize = 1024
)

type Transaction struct {
	Origin         string            `json:"origin"`
	OriginServerTS int64             `json:"origin_server_ts"`
	PDUs           []json.RawMessage `json:"pdus"`
	EDUs           []json.RawMessage `json:"edus,omitempty"`
}

type PDUResult struct {
	Error string `json:"error,omitempty"`
}

type RespTransaction struct {
	PDUs map[id.EventID]PDUResult `json:"pdus"`
}

// PutTransaction - PUT /_matrix/federation/v1/send/{txnID}
//
// Transactions are idempotent per (origin, txnID): a duplicate delivery
// replays the recorded response without reprocessing anything.
func (m *Meowserv) PutTransaction(w http.ResponseWriter, r *http.Request) {
	sender := origin(r)
	txnID := r.PathValue("txnID")
	cacheKey := sender + "|" + txnID
	if resp, ok := m.txnCache.Get(cacheKey); ok {
		exhttp.WriteJSONResponse(w, http.StatusOK, resp)
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var txn Transaction
	if err := json.Unmarshal(body, &txn); err != nil {
		mautrix.MBadJSON.WithMessage("Failed to parse transaction").Write(w)
		return
	}
	if len(txn.PDUs) > maxTransactionPDUs {
		mautrix.MBadJSON.WithMessage("Too many PDUs in transaction").Write(w)
		return
	}
	if len(txn.EDUs) > maxTransactionEDUs {
		mautrix.MBadJSON.WithMessage("Too many EDUs in transaction").Write(w)
		return
	}
	if len(txn.EDUs) > 0 {
		// EDUs are acknowledged but have no semantics here.
		hlog.FromRequest(r).Debug().Int("edu_count", len(txn.EDUs)).Msg("Ignoring EDUs in transaction")
	}

	resp := &RespTransaction{PDUs: make(map[id.EventID]PDUResult, len(txn.PDUs))}
	for _, raw := range txn.PDUs {
		res, err := m.Engine.HandlePDU(r.Context(), sender, raw)
		if err != nil {
			eventID := m.failedEventID(r, raw)
			hlog.FromRequest(r).Debug().Err(err).
				Stringer("event_id", eventID).
				Msg("Rejected PDU in transaction")
			if eventID != "" {
				resp.PDUs[eventID] = PDUResult{Error: err.Error()}
			}
			continue
		}
		// Soft-failed and rejected events still count as processed.
		resp.PDUs[res.EventID] = PDUResult{}
	}
	m.txnCache.Add(cacheKey, resp)
	exhttp.WriteJSONResponse(w, http.StatusOK, resp)
}

// failedEventID makes a best effort at naming an unprocessable PDU. Events
// from room versions with server-assigned IDs carry one in the JSON; for
// the rest the reference hash needs the room version, so events of unknown
// rooms stay anonymous.
func (m *Meowserv) failedEventID(r *http.Request, raw json.RawMessage) id.EventID {
	evt, err := pdu.Parse(raw)
	if err != nil {
		return ""
	}
	if evt.EventID != "" {
		return evt.EventID
	}
	room, err := m.Engine.Room(r.Context(), evt.RoomID)
	if err != nil || room == nil {
		return ""
	}
	eventID, err := evt.GetEventID(room.Version)
	if err != nil {
		return ""
	}
	return eventID
}
