package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrEmptySnapshot is returned by Save for an empty payload
var ErrEmptySnapshot = errors.New("snapshot is empty")

// Snapshot is the latest durable copy of a room document, as base64 of the
// store's full-state update
type Snapshot struct {
	RoomID      string    `json:"roomId"`
	SnapshotB64 string    `json:"snapshotB64"`
	UpdatedAt   time.Time `json:"updatedAt"`
	UpdatedBy   string    `json:"updatedBy,omitempty"`
}

// Store persists one snapshot per room. Load returns nil, nil for rooms that
// were never saved.
type Store interface {
	Load(ctx context.Context, roomID string) (*Snapshot, error)
	Save(ctx context.Context, roomID, snapshotB64, updatedBy string) error
}

// PersistenceError wraps a failed snapshot load or save. It never blocks
// live collaboration.
type PersistenceError struct {
	Op     string
	RoomID string
	Err    error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("snapshot %s for room %s: %v", e.Op, e.RoomID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
