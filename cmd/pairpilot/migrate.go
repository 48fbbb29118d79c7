package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/pairpilot/pkg/config"
	"github.com/cuemby/pairpilot/pkg/snapshot"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Copy room snapshots between backends",
	Long: `Copy every room snapshot from one backend to another. The source is
never modified; snapshots already present in the destination are kept
unless --overwrite is given.

Examples:
  # Move a single-node bolt store to Postgres
  pairpilot migrate --from bolt --from-dir ./data --to postgres --dsn postgres://...

  # Show what would be copied
  pairpilot migrate --from bolt --from-dir ./data --to pebble --to-dir ./pebble --dry-run`,
	RunE: runMigrate,
}

func init() {
	migrateCmd.Flags().String("from", config.SnapshotBolt, "Source backend: bolt, pebble or postgres")
	migrateCmd.Flags().String("from-dir", "", "Source data directory (bolt, pebble)")
	migrateCmd.Flags().String("from-dsn", "", "Source DSN (postgres)")
	migrateCmd.Flags().String("to", "", "Destination backend: bolt, pebble, postgres or http")
	migrateCmd.Flags().String("to-dir", "", "Destination data directory (bolt, pebble)")
	migrateCmd.Flags().String("dsn", "", "Destination DSN (postgres)")
	migrateCmd.Flags().String("url", "", "Destination API base URL (http)")
	migrateCmd.Flags().Bool("dry-run", false, "Show what would be migrated without writing")
	migrateCmd.Flags().Bool("overwrite", false, "Replace snapshots already in the destination")
	_ = migrateCmd.MarkFlagRequired("to")

	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	overwrite, _ := cmd.Flags().GetBool("overwrite")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var cl closer
	defer cl.run()

	srcCfg := cfg
	srcCfg.Snapshot.Backend, _ = cmd.Flags().GetString("from")
	if v, _ := cmd.Flags().GetString("from-dir"); v != "" {
		srcCfg.Snapshot.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("from-dsn"); v != "" {
		srcCfg.Snapshot.DSN = v
	}
	src, err := newSnapshotStore(ctx, srcCfg, &cl)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	lister, ok := src.(snapshot.Lister)
	if !ok {
		return fmt.Errorf("source backend %q cannot list rooms", srcCfg.Snapshot.Backend)
	}

	dstCfg := cfg
	dstCfg.Snapshot.Backend, _ = cmd.Flags().GetString("to")
	if v, _ := cmd.Flags().GetString("to-dir"); v != "" {
		dstCfg.Snapshot.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("dsn"); v != "" {
		dstCfg.Snapshot.DSN = v
	}
	if v, _ := cmd.Flags().GetString("url"); v != "" {
		dstCfg.Snapshot.URL = v
	}
	if dstCfg.Snapshot.Backend == srcCfg.Snapshot.Backend &&
		dstCfg.Snapshot.DataDir == srcCfg.Snapshot.DataDir &&
		dstCfg.Snapshot.DSN == srcCfg.Snapshot.DSN {
		return errors.New("source and destination are the same")
	}
	dst, err := newSnapshotStore(ctx, dstCfg, &cl)
	if err != nil {
		return fmt.Errorf("failed to open destination: %w", err)
	}
	if dst == nil {
		return errors.New("--to needs a backend")
	}

	res, err := snapshot.Migrate(ctx, lister, dst, snapshot.MigrateOptions{DryRun: dryRun, Overwrite: overwrite})
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Printf("Rooms: %d\n", res.Rooms)
	fmt.Printf("  Copied: %d\n", res.Copied)
	fmt.Printf("  Already present: %d\n", res.Existing)
	fmt.Printf("  Skipped: %d\n", res.Skipped)
	if dryRun {
		fmt.Println("\nDry run completed. No changes made.")
	}
	return nil
}
