package ingest

import (
	"context"
	"sync"

	"maunium.net/go/mautrix/id"
)

// stateCache keeps each room's metadata in memory so the hot path doesn't
// reload the current state snapshot per event. Entries are dropped on
// commit and lazily reloaded.
type stateCache struct {
	lock  sync.RWMutex
	rooms map[id.RoomID]*RoomMeta
}

func newStateCache() *stateCache {
	return &stateCache{rooms: make(map[id.RoomID]*RoomMeta)}
}

func (sc *stateCache) get(roomID id.RoomID) (*RoomMeta, bool) {
	sc.lock.RLock()
	defer sc.lock.RUnlock()
	room, ok := sc.rooms[roomID]
	return room, ok
}

func (sc *stateCache) put(room *RoomMeta) {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	sc.rooms[room.ID] = room
}

func (sc *stateCache) invalidate(roomID id.RoomID) {
	sc.lock.Lock()
	defer sc.lock.Unlock()
	delete(sc.rooms, roomID)
}

// roomMeta returns the room's metadata through the cache. A nil room with a
// nil error means the room is unknown; unknown rooms are not cached.
func (e *Engine) roomMeta(ctx context.Context, roomID id.RoomID) (*RoomMeta, error) {
	if room, ok := e.states.get(roomID); ok {
		return room, nil
	}
	room, err := e.Store.Room(ctx, roomID)
	if err != nil || room == nil {
		return nil, err
	}
	e.states.put(room)
	return room, nil
}
