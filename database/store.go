package database

import (
	"context"
	"fmt"

	"go.mau.fi/util/jsontime"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/meowserv/ingest"
	"go.mau.fi/meowserv/keyring"
	"go.mau.fi/meowserv/pdu"
	"go.mau.fi/meowserv/roomversion"
)

// Store adapts the database to the persistence interfaces the validation
// engine and the keyring drive.
type Store struct {
	DB *Database
}

var (
	_ ingest.Store     = (*Store)(nil)
	_ keyring.KeyStore = (*Store)(nil)
)

func NewStore(db *Database) *Store {
	return &Store{DB: db}
}

func (s *Store) Event(ctx context.Context, eventID id.EventID) (*ingest.StoredEvent, error) {
	row, err := s.DB.Event.Get(ctx, eventID)
	if err != nil || row == nil {
		return nil, err
	}
	return storedEvent(row)
}

func (s *Store) Events(ctx context.Context, eventIDs []id.EventID) (map[id.EventID]*ingest.StoredEvent, error) {
	rows, err := s.DB.Event.GetMany(ctx, eventIDs)
	if err != nil {
		return nil, err
	}
	events := make(map[id.EventID]*ingest.StoredEvent, len(rows))
	for _, row := range rows {
		events[row.EventID], err = storedEvent(row)
		if err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *Store) StateBeforeIDs(ctx context.Context, eventID id.EventID) (map[pdu.StateTuple]id.EventID, error) {
	row, err := s.DB.Event.Get(ctx, eventID)
	if err != nil {
		return nil, err
	} else if row == nil {
		return nil, fmt.Errorf("no stored event %s", eventID)
	}
	snapshot, err := s.DB.StateSnapshot.Get(ctx, row.StateBefore)
	if err != nil {
		return nil, err
	} else if snapshot == nil {
		return nil, fmt.Errorf("event %s points at missing state snapshot %s", eventID, row.StateBefore)
	}
	return snapshot.StateMap(), nil
}

func (s *Store) Room(ctx context.Context, roomID id.RoomID) (*ingest.RoomMeta, error) {
	row, err := s.DB.Room.Get(ctx, roomID)
	if err != nil || row == nil {
		return nil, err
	}
	ver, ok := roomversion.Get(row.Version)
	if !ok {
		return nil, fmt.Errorf("room %s has unsupported version %s", roomID, row.Version)
	}
	state, err := s.DB.GetCurrentState(ctx, roomID)
	if err != nil {
		return nil, err
	}
	return &ingest.RoomMeta{
		ID:                 row.ID,
		Version:            ver,
		CurrentState:       state,
		ForwardExtremities: row.ForwardExtremities,
	}, nil
}

// Commit writes one validated event, its state-before snapshot and the
// room-level updates in a single transaction.
func (s *Store) Commit(ctx context.Context, c *ingest.Commit) error {
	return s.DB.DoTxn(ctx, nil, func(ctx context.Context) error {
		before := NewStateSnapshot(c.StateBefore)
		if err := s.DB.StateSnapshot.Put(ctx, before); err != nil {
			return fmt.Errorf("failed to store state snapshot: %w", err)
		}
		row := NewEvent(c.Event, c.EventID, string(c.Status), c.Reason, before.Hash)
		if err := s.DB.Event.Put(ctx, row); err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}
		if c.NewRoomVersion != "" {
			err := s.DB.Room.Put(ctx, &Room{ID: c.RoomID, Version: c.NewRoomVersion})
			if err != nil {
				return fmt.Errorf("failed to create room: %w", err)
			}
		}
		if c.CurrentState != nil {
			current := NewStateSnapshot(c.CurrentState)
			if err := s.DB.StateSnapshot.Put(ctx, current); err != nil {
				return fmt.Errorf("failed to store current state snapshot: %w", err)
			}
			if err := s.DB.Room.SetCurrentSnapshot(ctx, c.RoomID, current.Hash); err != nil {
				return fmt.Errorf("failed to update current state: %w", err)
			}
		}
		if c.ForwardExtremities != nil {
			if err := s.DB.Room.SetForwardExtremities(ctx, c.RoomID, c.ForwardExtremities); err != nil {
				return fmt.Errorf("failed to update forward extremities: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) GetServerKey(ctx context.Context, serverName string, keyID id.KeyID) (*keyring.StoredKey, error) {
	row, err := s.DB.ServerKey.Get(ctx, serverName, keyID)
	if err != nil || row == nil {
		return nil, err
	}
	return &keyring.StoredKey{
		ServerName: row.ServerName,
		KeyID:      row.KeyID,
		Key:        row.Key,
		ValidUntil: row.ValidUntil.Time,
		ExpiresAt:  row.ExpiresAt.Time,
	}, nil
}

func (s *Store) PutServerKey(ctx context.Context, key *keyring.StoredKey) error {
	return s.DB.ServerKey.Put(ctx, &ServerKey{
		ServerName: key.ServerName,
		KeyID:      key.KeyID,
		Key:        key.Key,
		ValidUntil: jsontime.UM(key.ValidUntil),
		ExpiresAt:  jsontime.UM(key.ExpiresAt),
	})
}

func storedEvent(row *Event) (*ingest.StoredEvent, error) {
	evt, err := row.PDU()
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored event %s: %w", row.EventID, err)
	}
	return &ingest.StoredEvent{
		EventID: row.EventID,
		PDU:     evt,
		Status:  ingest.Status(row.Status),
		Reason:  row.Reason,
	}, nil
}
