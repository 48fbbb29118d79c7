package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
)

const pebbleKeyPrefix = "snapshot/"

// PebbleStore keeps snapshots in a Pebble database, one JSON value per room
// under snapshot/<roomId>
type PebbleStore struct {
	db  *pebble.DB
	now func() time.Time
}

// NewPebbleStore opens (or creates) a Pebble database in dir
func NewPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble: %w", err)
	}
	return &PebbleStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *PebbleStore) Close() error {
	return s.db.Close()
}

// Load returns the snapshot of roomID, nil if none was saved
func (s *PebbleStore) Load(_ context.Context, roomID string) (*Snapshot, error) {
	data, closer, err := s.db.Get([]byte(pebbleKeyPrefix + roomID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	defer closer.Close()

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// Save upserts the snapshot of roomID with a synced write
func (s *PebbleStore) Save(_ context.Context, roomID, snapshotB64, updatedBy string) error {
	if snapshotB64 == "" {
		return ErrEmptySnapshot
	}
	data, err := json.Marshal(Snapshot{
		RoomID:      roomID,
		SnapshotB64: snapshotB64,
		UpdatedAt:   s.now().UTC(),
		UpdatedBy:   updatedBy,
	})
	if err != nil {
		return err
	}
	if err := s.db.Set([]byte(pebbleKeyPrefix+roomID), data, pebble.Sync); err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Rooms lists every room with a snapshot
func (s *PebbleStore) Rooms(_ context.Context) ([]string, error) {
	lo := []byte(pebbleKeyPrefix)
	hi := append([]byte(pebbleKeyPrefix[:len(pebbleKeyPrefix)-1]), pebbleKeyPrefix[len(pebbleKeyPrefix)-1]+1)
	it, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var rooms []string
	for it.First(); it.Valid(); it.Next() {
		rooms = append(rooms, string(it.Key()[len(lo):]))
	}
	return rooms, it.Error()
}
