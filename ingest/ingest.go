// Package ingest is the event validation pipeline: every event entering the
// server, locally created or delivered over federation, passes through it
// exactly once per event ID. The pipeline runs the format, signature, hash
// and authorization gates in order, keeps the room's current state map up to
// date and invokes state resolution when graph branches merge.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/semaphore"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/keyring"
	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
	"go.mau.fi/meowserv/stateres"
)

// Status is the terminal verdict for one event ID. Once stored it never
// changes: redelivery of a known event returns the recorded verdict.
type Status string

const (
	// StatusAccepted events are part of the graph and contribute to state.
	StatusAccepted Status = "accepted"
	// StatusRejected events are stored for reference but never contribute
	// to state and are never used as prev_events by local events.
	StatusRejected Status = "rejected"
	// StatusSoftFailed events failed authorization only against the
	// current state: stored, referenceable, excluded from state.
	StatusSoftFailed Status = "soft_failed"
)

// Result is the pipeline's verdict for one event.
type Result struct {
	EventID id.EventID
	Status  Status
	Reason  string
}

// StoredEvent is an event as the store holds it: the parsed PDU plus the
// verdict it got when it was first validated.
type StoredEvent struct {
	EventID id.EventID
	PDU     *pdu.PDU
	Status  Status
	Reason  string
}

// RoomMeta is the engine's view of one room. The maps and slices are shared
// snapshots: readers must not mutate them, commits replace them wholesale.
type RoomMeta struct {
	ID                 id.RoomID
	Version            *roomversion.Version
	CurrentState       map[pdu.StateTuple]id.EventID
	ForwardExtremities []id.EventID
}

// Commit is one atomic write: the event with its verdict, the state before
// it, and the room-level updates it causes. Either everything in it becomes
// visible or nothing does.
type Commit struct {
	RoomID  id.RoomID
	EventID id.EventID
	Event   *pdu.PDU
	Status  Status
	Reason  string

	// StateBefore is the resolved state immediately preceding the event.
	StateBefore map[pdu.StateTuple]id.EventID
	// NewRoomVersion is set when this commit creates the room.
	NewRoomVersion id.RoomVersion
	// CurrentState and ForwardExtremities are nil when the commit leaves
	// them untouched.
	CurrentState       map[pdu.StateTuple]id.EventID
	ForwardExtremities []id.EventID
}

// Store is the persistence interface the engine drives. Writes must be
// visible to subsequent reads on the same room immediately.
type Store interface {
	// Event returns a stored event, or nil when the ID is unknown.
	Event(ctx context.Context, eventID id.EventID) (*StoredEvent, error)
	// Events returns the requested events, with unknown IDs absent.
	Events(ctx context.Context, eventIDs []id.EventID) (map[id.EventID]*StoredEvent, error)
	// StateBeforeIDs returns the state snapshot preceding a stored event.
	StateBeforeIDs(ctx context.Context, eventID id.EventID) (map[pdu.StateTuple]id.EventID, error)
	// Room returns a room's metadata, or nil when the room is unknown.
	Room(ctx context.Context, roomID id.RoomID) (*RoomMeta, error)
	// Commit writes one validated event atomically.
	Commit(ctx context.Context, commit *Commit) error
}

// EventFetcher pulls events this server is missing from a remote server.
type EventFetcher interface {
	FetchEvent(ctx context.Context, serverName string, eventID id.EventID) (json.RawMessage, error)
}

// ErrRoomUnknown is returned for events in rooms this server isn't in.
var ErrRoomUnknown = fmt.Errorf("room is unknown to this server")

// MissingEventsError is returned when validation needs events that are
// neither stored nor fetchable. It is transient: the event may be
// redelivered after the gap is filled.
type MissingEventsError struct {
	RoomID   id.RoomID
	EventIDs []id.EventID
}

func (mee *MissingEventsError) Error() string {
	return fmt.Sprintf("missing %d events in %s", len(mee.EventIDs), mee.RoomID)
}

const resultCacheSize = 8192

// Engine orchestrates the validation pipeline for all rooms. Rooms are
// independent: only the current-state gate and the commit of a single room
// are serialized, everything else runs concurrently.
type Engine struct {
	ServerName string
	Store      Store
	Keys       *keyring.Keyring
	Fetcher    EventFetcher

	roomLocks map[id.RoomID]*sync.Mutex
	locksLock sync.Mutex

	results   *lru.Cache[id.EventID, *Result]
	states    *stateCache
	fetchSema *semaphore.Weighted
}

func NewEngine(serverName string, store Store, keys *keyring.Keyring, fetcher EventFetcher) *Engine {
	results, err := lru.New[id.EventID, *Result](resultCacheSize)
	if err != nil {
		panic(err)
	}
	return &Engine{
		ServerName: serverName,
		Store:      store,
		Keys:       keys,
		Fetcher:    fetcher,
		roomLocks:  make(map[id.RoomID]*sync.Mutex),
		results:    results,
		states:     newStateCache(),
		fetchSema:  semaphore.NewWeighted(fetchConcurrency),
	}
}

// roomLock returns the mutex serializing state commits for one room.
func (e *Engine) roomLock(roomID id.RoomID) *sync.Mutex {
	e.locksLock.Lock()
	defer e.locksLock.Unlock()
	lock, ok := e.roomLocks[roomID]
	if !ok {
		lock = &sync.Mutex{}
		e.roomLocks[roomID] = lock
	}
	return lock
}

// EventsByID implements stateres.EventProvider over the store.
func (e *Engine) EventsByID(ctx context.Context, eventIDs []id.EventID) (map[id.EventID]*pdu.PDU, error) {
	stored, err := e.Store.Events(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[id.EventID]*pdu.PDU, len(stored))
	for eid, se := range stored {
		out[eid] = se.PDU
	}
	return out, nil
}

// Room returns the room's metadata, or ErrRoomUnknown.
func (e *Engine) Room(ctx context.Context, roomID id.RoomID) (*RoomMeta, error) {
	room, err := e.roomMeta(ctx, roomID)
	if err != nil {
		return nil, err
	} else if room == nil {
		return nil, fmt.Errorf("%w: %s", ErrRoomUnknown, roomID)
	}
	return room, nil
}

// CurrentState loads the room's current state as full events.
func (e *Engine) CurrentState(ctx context.Context, roomID id.RoomID) (*RoomMeta, stateres.StateMap, error) {
	room, err := e.Room(ctx, roomID)
	if err != nil {
		return nil, nil, err
	}
	state, err := e.loadStateMap(ctx, room.CurrentState)
	if err != nil {
		return nil, nil, err
	}
	return room, state, nil
}

// StateBeforeEvent loads the resolved state immediately preceding a stored
// event as full events.
func (e *Engine) StateBeforeEvent(ctx context.Context, eventID id.EventID) (stateres.StateMap, error) {
	ids, err := e.Store.StateBeforeIDs(ctx, eventID)
	if err != nil {
		return nil, err
	}
	return e.loadStateMap(ctx, ids)
}

// loadStateMap resolves a snapshot of event IDs into full events.
func (e *Engine) loadStateMap(ctx context.Context, ids map[pdu.StateTuple]id.EventID) (stateres.StateMap, error) {
	if len(ids) == 0 {
		return stateres.StateMap{}, nil
	}
	wanted := make([]id.EventID, 0, len(ids))
	for _, eid := range ids {
		wanted = append(wanted, eid)
	}
	events, err := e.EventsByID(ctx, wanted)
	if err != nil {
		return nil, err
	}
	out := make(stateres.StateMap, len(ids))
	for tuple, eid := range ids {
		evt, ok := events[eid]
		if !ok {
			return nil, fmt.Errorf("%w: state event %s", stateres.ErrMissingEvent, eid)
		}
		out[tuple] = evt
	}
	return out, nil
}

// JoinedServers lists the servers with at least one joined user in the
// given state, excluding the ones named in exclude.
func JoinedServers(state stateres.StateMap, exclude ...string) []string {
	seen := make(map[string]struct{}, len(exclude))
	for _, server := range exclude {
		seen[server] = struct{}{}
	}
	var servers []string
	for tuple, evt := range state {
		if tuple.Type != pdu.TypeMember || evt.Membership() != event.MembershipJoin {
			continue
		}
		server := id.UserID(tuple.StateKey).Homeserver()
		if server == "" {
			continue
		}
		if _, ok := seen[server]; !ok {
			seen[server] = struct{}{}
			servers = append(servers, server)
		}
	}
	return servers
}

// LocalMembers lists this server's own users in the given state with the
// wanted membership.
func (e *Engine) LocalMembers(state stateres.StateMap, membership event.Membership) []id.UserID {
	var users []id.UserID
	suffix := ":" + e.ServerName
	for tuple, evt := range state {
		if tuple.Type == pdu.TypeMember && strings.HasSuffix(tuple.StateKey, suffix) && evt.Membership() == membership {
			users = append(users, id.UserID(tuple.StateKey))
		}
	}
	return users
}
