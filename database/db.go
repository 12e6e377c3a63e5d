package database

import (
	"context"
	"embed"
	"fmt"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
)

//go:embed upgrades/*.sql
var rawUpgrades embed.FS

var UpgradeTable dbutil.UpgradeTable

func init() {
	UpgradeTable.RegisterFS(rawUpgrades)
}

type Database struct {
	*dbutil.Database

	Event         *EventQuery
	Room          *RoomQuery
	StateSnapshot *StateSnapshotQuery
	ServerKey     *ServerKeyQuery
}

func New(db *dbutil.Database) *Database {
	db.UpgradeTable = UpgradeTable
	db.VersionTable = "meowserv_version"
	return &Database{
		Database:      db,
		Event:         &EventQuery{dbutil.MakeQueryHelper(db, newEvent)},
		Room:          &RoomQuery{dbutil.MakeQueryHelper(db, newRoom)},
		StateSnapshot: &StateSnapshotQuery{dbutil.MakeQueryHelper(db, newStateSnapshot)},
		ServerKey:     &ServerKeyQuery{dbutil.MakeQueryHelper(db, newServerKey)},
	}
}

// EventsByID implements the event lookup interface shared by the state
// resolution and validation packages. IDs not present in the store are
// left out of the returned map. A stored event that no longer parses is
// an error: nothing writes unparsed bytes, so it can only mean corruption.
func (db *Database) EventsByID(ctx context.Context, eventIDs []id.EventID) (map[id.EventID]*pdu.PDU, error) {
	rows, err := db.Event.GetMany(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	events := make(map[id.EventID]*pdu.PDU, len(rows))
	for _, row := range rows {
		evt, err := row.PDU()
		if err != nil {
			return nil, fmt.Errorf("failed to parse stored event %s: %w", row.EventID, err)
		}
		events[row.EventID] = evt
	}
	return events, nil
}

// GetCurrentState returns the state map the room's current snapshot
// describes. Rooms without a snapshot yield an empty map.
func (db *Database) GetCurrentState(ctx context.Context, roomID id.RoomID) (map[pdu.StateTuple]id.EventID, error) {
	room, err := db.Room.Get(ctx, roomID)
	if err != nil {
		return nil, err
	} else if room == nil || room.CurrentSnapshotID == "" {
		return map[pdu.StateTuple]id.EventID{}, nil
	}
	snapshot, err := db.StateSnapshot.Get(ctx, room.CurrentSnapshotID)
	if err != nil {
		return nil, err
	} else if snapshot == nil {
		return nil, fmt.Errorf("room %s points at missing state snapshot %s", roomID, room.CurrentSnapshotID)
	}
	return snapshot.StateMap(), nil
}

