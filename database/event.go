package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
)

const (
	getEventBaseQuery = `
		SELECT event_id, room_id, sender, type, state_key, depth, origin_server_ts,
		       raw, status, reason, state_before, received_at
		FROM event
	`
	getEventQuery      = getEventBaseQuery + `WHERE event_id=$1`
	getManyEventsQuery = getEventBaseQuery + `WHERE event_id IN (%s)`
	insertEventQuery   = `
		INSERT INTO event (event_id, room_id, sender, type, state_key, depth, origin_server_ts,
		                   raw, status, reason, state_before, received_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING
	`
)

type EventQuery struct {
	*dbutil.QueryHelper[*Event]
}

func newEvent(_ *dbutil.QueryHelper[*Event]) *Event {
	return &Event{}
}

func (eq *EventQuery) Get(ctx context.Context, eventID id.EventID) (*Event, error) {
	return eq.QueryOne(ctx, getEventQuery, eventID)
}

func (eq *EventQuery) GetMany(ctx context.Context, eventIDs []id.EventID) ([]*Event, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(eventIDs))
	args := make([]any, len(eventIDs))
	for i, eventID := range eventIDs {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = eventID
	}
	query := fmt.Sprintf(getManyEventsQuery, strings.Join(placeholders, ", "))
	return eq.QueryMany(ctx, query, args...)
}

func (eq *EventQuery) Put(ctx context.Context, evt *Event) error {
	return eq.Exec(ctx, insertEventQuery, evt.sqlVariables()...)
}

// Event is one stored PDU with the verdict it got from validation. Raw is
// the verbatim wire JSON; the indexed columns are denormalized from it.
type Event struct {
	EventID        id.EventID
	RoomID         id.RoomID
	Sender         id.UserID
	Type           string
	StateKey       *string
	Depth          int64
	OriginServerTS jsontime.UnixMilli
	Raw            json.RawMessage
	Status         string
	Reason         string
	StateBefore    string
	ReceivedAt     jsontime.UnixMilli

	parsed *pdu.PDU
}

// NewEvent denormalizes a validated PDU into a row.
func NewEvent(evt *pdu.PDU, eventID id.EventID, status, reason, stateBefore string) *Event {
	return &Event{
		EventID:        eventID,
		RoomID:         evt.RoomID,
		Sender:         evt.Sender,
		Type:           evt.Type,
		StateKey:       evt.StateKey,
		Depth:          evt.Depth,
		OriginServerTS: jsontime.UMInt(evt.OriginServerTS),
		Raw:            evt.Raw(),
		Status:         status,
		Reason:         reason,
		StateBefore:    stateBefore,
		ReceivedAt:     jsontime.UnixMilliNow(),
	}
}

// PDU parses the stored wire JSON, caching the result on the row.
func (e *Event) PDU() (*pdu.PDU, error) {
	if e.parsed == nil {
		evt, err := pdu.Parse(e.Raw)
		if err != nil {
			return nil, err
		}
		e.parsed = evt
	}
	return e.parsed, nil
}

func (e *Event) Scan(row dbutil.Scannable) (*Event, error) {
	var stateKey sql.NullString
	var raw string
	err := row.Scan(
		&e.EventID, &e.RoomID, &e.Sender, &e.Type, &stateKey, &e.Depth, &e.OriginServerTS,
		&raw, &e.Status, &e.Reason, &e.StateBefore, &e.ReceivedAt,
	)
	if err != nil {
		return nil, err
	}
	if stateKey.Valid {
		e.StateKey = &stateKey.String
	}
	e.Raw = json.RawMessage(raw)
	return e, nil
}

func (e *Event) sqlVariables() []any {
	return []any{
		e.EventID, e.RoomID, e.Sender, e.Type, e.StateKey, e.Depth, e.OriginServerTS,
		string(e.Raw), e.Status, e.Reason, e.StateBefore, e.ReceivedAt,
	}
}
