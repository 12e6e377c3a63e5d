package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
)

// historyFixture is a room with a linear message history on top of the
// creation events.
func historyFixture(t *testing.T) (*engineFixture, map[string]id.EventID) {
	t.Helper()
	f := newEngineFixture(t)
	f.createRoom(nil)
	ids := make(map[string]id.EventID)

	room, err := f.engine.Room(context.Background(), f.roomID)
	require.NoError(t, err)
	ids["create"] = room.CurrentState[pdu.StateTuple{Type: pdu.TypeCreate}]
	ids["join"] = room.CurrentState[pdu.StateTuple{Type: pdu.TypeMember, StateKey: string(igAlice)}]
	ids["power"] = room.CurrentState[pdu.StateTuple{Type: pdu.TypePowerLevels}]
	ids["rules"] = room.CurrentState[pdu.StateTuple{Type: pdu.TypeJoinRules}]

	for _, name := range []string{"m1", "m2", "m3"} {
		_, res := f.send(igAlice, "m.room.message", nil, map[string]any{"msgtype": "m.text", "body": name})
		ids[name] = res.EventID
	}
	return f, ids
}

func eventIDs(t *testing.T, f *engineFixture, events []*pdu.PDU) []id.EventID {
	t.Helper()
	room, err := f.engine.Room(context.Background(), f.roomID)
	require.NoError(t, err)
	out := make([]id.EventID, len(events))
	for i, evt := range events {
		var err error
		out[i], err = evt.GetEventID(room.Version)
		require.NoError(t, err)
	}
	return out
}

func TestMissingEvents(t *testing.T) {
	f, ids := historyFixture(t)
	ctx := context.Background()

	// Everything strictly between the create event and the newest message.
	got, err := f.engine.MissingEvents(ctx, f.roomID, []id.EventID{ids["create"]}, []id.EventID{ids["m3"]}, 20, 0)
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{ids["join"], ids["power"], ids["rules"], ids["m1"], ids["m2"]}, eventIDs(t, f, got))

	// The limit keeps the events closest to the latest point.
	got, err = f.engine.MissingEvents(ctx, f.roomID, []id.EventID{ids["create"]}, []id.EventID{ids["m3"]}, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{ids["m1"], ids["m2"]}, eventIDs(t, f, got))

	// min_depth cuts off the older part of the graph.
	m2, err := f.store.Event(ctx, ids["m2"])
	require.NoError(t, err)
	got, err = f.engine.MissingEvents(ctx, f.roomID, []id.EventID{ids["create"]}, []id.EventID{ids["m3"]}, 20, m2.PDU.Depth)
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{ids["m2"]}, eventIDs(t, f, got))
}

func TestBackfill(t *testing.T) {
	f, ids := historyFixture(t)
	ctx := context.Background()

	// A zero limit clamps to the maximum, returning the whole room newest
	// first, starting points included.
	got, err := f.engine.Backfill(ctx, f.roomID, []id.EventID{ids["m3"]}, 0)
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{
		ids["m3"], ids["m2"], ids["m1"], ids["rules"], ids["power"], ids["join"], ids["create"],
	}, eventIDs(t, f, got))

	got, err = f.engine.Backfill(ctx, f.roomID, []id.EventID{ids["m3"]}, 2)
	require.NoError(t, err)
	assert.Equal(t, []id.EventID{ids["m3"], ids["m2"]}, eventIDs(t, f, got))
}
