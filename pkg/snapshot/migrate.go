package snapshot

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/cuemby/pairpilot/pkg/log"
)

// Lister is a Store that can enumerate its rooms
type Lister interface {
	Store
	Rooms(ctx context.Context) ([]string, error)
}

// MigrateResult counts what Migrate did
type MigrateResult struct {
	Rooms    int
	Copied   int
	Skipped  int
	Existing int
}

// MigrateOptions controls Migrate
type MigrateOptions struct {
	// DryRun inspects the source without writing to the destination
	DryRun bool
	// Overwrite replaces snapshots already present in the destination
	Overwrite bool
}

// Migrate copies every room snapshot from src to dst. Snapshots whose
// payload is not valid base64 are skipped; the source is never modified.
func Migrate(ctx context.Context, src Lister, dst Store, opts MigrateOptions) (MigrateResult, error) {
	logger := log.WithComponent("snapshot-migrate")
	var res MigrateResult

	rooms, err := src.Rooms(ctx)
	if err != nil {
		return res, fmt.Errorf("failed to list rooms: %w", err)
	}
	res.Rooms = len(rooms)
	logger.Info().Int("rooms", res.Rooms).Bool("dry_run", opts.DryRun).Msg("Found rooms to migrate")

	for i, room := range rooms {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		snap, err := src.Load(ctx, room)
		if err != nil {
			return res, fmt.Errorf("failed to load %s: %w", room, err)
		}
		if snap == nil || snap.SnapshotB64 == "" {
			res.Skipped++
			continue
		}
		if _, err := base64.StdEncoding.DecodeString(snap.SnapshotB64); err != nil {
			logger.Warn().Str("room_id", room).Err(err).Msg("Skipping invalid snapshot")
			res.Skipped++
			continue
		}

		if !opts.Overwrite {
			existing, err := dst.Load(ctx, room)
			if err != nil {
				return res, fmt.Errorf("failed to check %s in destination: %w", room, err)
			}
			if existing != nil {
				res.Existing++
				continue
			}
		}

		if !opts.DryRun {
			if err := dst.Save(ctx, room, snap.SnapshotB64, snap.UpdatedBy); err != nil {
				return res, fmt.Errorf("failed to copy %s: %w", room, err)
			}
		}
		res.Copied++
		if res.Copied%10 == 0 {
			logger.Info().Msgf("Migrated %d/%d...", i+1, res.Rooms)
		}
	}
	return res, nil
}
