package database

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"
	"strings"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/pdu"
)

const (
	getStateSnapshotQuery = `
		SELECT hash, state FROM state_snapshot WHERE hash=$1
	`
	insertStateSnapshotQuery = `
		INSERT INTO state_snapshot (hash, state) VALUES ($1, $2)
		ON CONFLICT (hash) DO NOTHING
	`
)

type StateSnapshotQuery struct {
	*dbutil.QueryHelper[*StateSnapshot]
}

func newStateSnapshot(_ *dbutil.QueryHelper[*StateSnapshot]) *StateSnapshot {
	return &StateSnapshot{}
}

func (ssq *StateSnapshotQuery) Get(ctx context.Context, hash string) (*StateSnapshot, error) {
	return ssq.QueryOne(ctx, getStateSnapshotQuery, hash)
}

func (ssq *StateSnapshotQuery) Put(ctx context.Context, snapshot *StateSnapshot) error {
	return ssq.Exec(ctx, insertStateSnapshotQuery, snapshot.Hash, string(snapshot.State))
}

type stateEntry struct {
	Type     string     `json:"type"`
	StateKey string     `json:"state_key"`
	EventID  id.EventID `json:"event_id"`
}

// StateSnapshot is one full state map, stored once and shared by every
// event whose state-before resolves to it. The hash keys the row: two
// identical maps always produce the same encoding, so inserts of a known
// snapshot are no-ops.
type StateSnapshot struct {
	Hash  string
	State json.RawMessage

	entries []stateEntry
}

// NewStateSnapshot encodes a state map into its canonical row form:
// entries sorted by tuple, hashed with SHA-256.
func NewStateSnapshot(state map[pdu.StateTuple]id.EventID) *StateSnapshot {
	entries := make([]stateEntry, 0, len(state))
	for tuple, eventID := range state {
		entries = append(entries, stateEntry{Type: tuple.Type, StateKey: tuple.StateKey, EventID: eventID})
	}
	slices.SortFunc(entries, func(a, b stateEntry) int {
		if cmp := strings.Compare(a.Type, b.Type); cmp != 0 {
			return cmp
		}
		return strings.Compare(a.StateKey, b.StateKey)
	})
	encoded, err := json.Marshal(entries)
	if err != nil {
		panic(err)
	}
	hash := sha256.Sum256(encoded)
	return &StateSnapshot{
		Hash:    hex.EncodeToString(hash[:]),
		State:   encoded,
		entries: entries,
	}
}

// StateMap reconstructs the state map the snapshot encodes.
func (ss *StateSnapshot) StateMap() map[pdu.StateTuple]id.EventID {
	state := make(map[pdu.StateTuple]id.EventID, len(ss.entries))
	for _, entry := range ss.entries {
		state[pdu.StateTuple{Type: entry.Type, StateKey: entry.StateKey}] = entry.EventID
	}
	return state
}

func (ss *StateSnapshot) Scan(row dbutil.Scannable) (*StateSnapshot, error) {
	var state string
	if err := row.Scan(&ss.Hash, &state); err != nil {
		return nil, err
	}
	ss.State = json.RawMessage(state)
	if err := json.Unmarshal(ss.State, &ss.entries); err != nil {
		return nil, err
	}
	return ss, nil
}
