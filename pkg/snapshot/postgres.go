package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS room_snapshots (
	room_id      TEXT PRIMARY KEY,
	snapshot_b64 TEXT NOT NULL,
	updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_by   TEXT
)`

// PostgresStore keeps snapshots in the room_snapshots table
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and creates the table if needed
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to create room_snapshots: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the connection pool
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Load returns the snapshot of roomID, nil if none was saved
func (s *PostgresStore) Load(ctx context.Context, roomID string) (*Snapshot, error) {
	var (
		b64       string
		updatedAt time.Time
		updatedBy *string
	)
	err := s.pool.QueryRow(ctx,
		`SELECT snapshot_b64, updated_at, updated_by FROM room_snapshots WHERE room_id = $1`,
		roomID,
	).Scan(&b64, &updatedAt, &updatedBy)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}

	snap := &Snapshot{RoomID: roomID, SnapshotB64: b64, UpdatedAt: updatedAt}
	if updatedBy != nil {
		snap.UpdatedBy = *updatedBy
	}
	return snap, nil
}

// Save upserts the snapshot of roomID
func (s *PostgresStore) Save(ctx context.Context, roomID, snapshotB64, updatedBy string) error {
	if snapshotB64 == "" {
		return ErrEmptySnapshot
	}
	var by *string
	if updatedBy != "" {
		by = &updatedBy
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO room_snapshots (room_id, snapshot_b64, updated_by, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (room_id) DO UPDATE
		SET snapshot_b64 = EXCLUDED.snapshot_b64,
		    updated_by   = EXCLUDED.updated_by,
		    updated_at   = EXCLUDED.updated_at`,
		roomID, snapshotB64, by,
	)
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// Rooms lists every room with a snapshot
func (s *PostgresStore) Rooms(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT room_id FROM room_snapshots ORDER BY room_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

// Ping checks the database is reachable
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
