package database

import (
	"context"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const (
	getRoomQuery = `
		SELECT room_id, version, current_snapshot_id, forward_extremities FROM room WHERE room_id=$1
	`
	insertRoomQuery = `
		INSERT INTO room (room_id, version, current_snapshot_id, forward_extremities)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id) DO NOTHING
	`
	setRoomSnapshotQuery = `
		UPDATE room SET current_snapshot_id=$2 WHERE room_id=$1
	`
	setRoomExtremitiesQuery = `
		UPDATE room SET forward_extremities=$2 WHERE room_id=$1
	`
)

type RoomQuery struct {
	*dbutil.QueryHelper[*Room]
}

func newRoom(_ *dbutil.QueryHelper[*Room]) *Room {
	return &Room{}
}

func (rq *RoomQuery) Get(ctx context.Context, roomID id.RoomID) (*Room, error) {
	return rq.QueryOne(ctx, getRoomQuery, roomID)
}

func (rq *RoomQuery) Put(ctx context.Context, room *Room) error {
	return rq.Exec(ctx, insertRoomQuery, room.sqlVariables()...)
}

func (rq *RoomQuery) SetCurrentSnapshot(ctx context.Context, roomID id.RoomID, snapshotID string) error {
	return rq.Exec(ctx, setRoomSnapshotQuery, roomID, snapshotID)
}

func (rq *RoomQuery) SetForwardExtremities(ctx context.Context, roomID id.RoomID, extremities []id.EventID) error {
	return rq.Exec(ctx, setRoomExtremitiesQuery, roomID, dbutil.JSON{Data: &extremities})
}

type Room struct {
	ID                 id.RoomID
	Version            id.RoomVersion
	CurrentSnapshotID  string
	ForwardExtremities []id.EventID
}

func (r *Room) Scan(row dbutil.Scannable) (*Room, error) {
	err := row.Scan(&r.ID, &r.Version, &r.CurrentSnapshotID, dbutil.JSON{Data: &r.ForwardExtremities})
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Room) sqlVariables() []any {
	return []any{r.ID, r.Version, r.CurrentSnapshotID, dbutil.JSON{Data: &r.ForwardExtremities}}
}
