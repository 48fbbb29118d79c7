package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketSnapshots = []byte("room_snapshots")

// BoltStore keeps snapshots in a local BoltDB file, one JSON value per room
type BoltStore struct {
	db  *bolt.DB
	now func() time.Time
}

// NewBoltStore opens (or creates) pairpilot.db under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "pairpilot.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketSnapshots); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketSnapshots, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db, now: time.Now}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Load returns the snapshot of roomID, nil if none was saved
func (s *BoltStore) Load(_ context.Context, roomID string) (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(roomID))
		if data == nil {
			return nil
		}
		snap = &Snapshot{}
		return json.Unmarshal(data, snap)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return snap, nil
}

// Save upserts the snapshot of roomID
func (s *BoltStore) Save(_ context.Context, roomID, snapshotB64, updatedBy string) error {
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
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(roomID), data)
	})
}

// Rooms lists every room with a snapshot
func (s *BoltStore) Rooms(_ context.Context) ([]string, error) {
	var rooms []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, _ []byte) error {
			rooms = append(rooms, string(k))
			return nil
		})
	})
	return rooms, err
}
