package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cuemby/pairpilot/pkg/config"
	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/cuemby/pairpilot/pkg/presence"
	"github.com/cuemby/pairpilot/pkg/session"
	"github.com/cuemby/pairpilot/pkg/store"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/spf13/cobra"
)

var peerCmd = &cobra.Command{
	Use:   "peer",
	Short: "Join a room as a headless peer",
	Long: `Join a room, wait for the initial sync and print the room state.

Examples:
  # Print the shared document of a room
  pairpilot peer --room demo --user alice

  # Replace the document and run it as JavaScript
  pairpilot peer --room demo --user alice --doc-file main.js --run --language javascript

  # Stay in the room and log presence and run changes
  pairpilot peer --room demo --user bob --follow`,
	RunE: runPeer,
}

func init() {
	peerCmd.Flags().String("room", "", "Room id (overrides room.id)")
	peerCmd.Flags().String("user", "", "Identity id (overrides identity.id)")
	peerCmd.Flags().String("name", "", "Display name (overrides identity.displayName)")
	peerCmd.Flags().String("set-doc", "", "Replace the document with this text once synced")
	peerCmd.Flags().String("doc-file", "", "Replace the document with this file once synced")
	peerCmd.Flags().Bool("run", false, "Run the document once synced and print its output")
	peerCmd.Flags().String("language", string(types.DefaultLanguage), "Run language (python or javascript)")
	peerCmd.Flags().Duration("timeout", 30*time.Second, "How long to wait for sync and for the run")
	peerCmd.Flags().Bool("follow", false, "Stay in the room until interrupted")
}

func runPeer(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v, _ := cmd.Flags().GetString("room"); v != "" {
		cfg.Room.ID = v
	}
	if v, _ := cmd.Flags().GetString("user"); v != "" {
		cfg.Identity.ID = v
	}
	if v, _ := cmd.Flags().GetString("name"); v != "" {
		cfg.Identity.DisplayName = v
	}
	if cfg.Identity.ID == "" {
		return errors.New("identity.id (or --user) is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	doc, docSet, err := documentFlag(cmd)
	if err != nil {
		return err
	}
	doRun, _ := cmd.Flags().GetBool("run")
	lang, _ := cmd.Flags().GetString("language")
	timeout, _ := cmd.Flags().GetDuration("timeout")
	follow, _ := cmd.Flags().GetBool("follow")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, cleanup, err := newSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := s.Close(cctx); err != nil {
			log.Logger.Warn().Err(err).Msg("Session close failed")
		}
	}()

	if err := s.Start(ctx); err != nil {
		return fmt.Errorf("failed to join room: %w", err)
	}
	if err := waitSynced(ctx, s, timeout); err != nil {
		return err
	}

	if docSet {
		if err := s.SetDocument(doc); err != nil {
			return fmt.Errorf("failed to set document: %w", err)
		}
	}
	printState(s)

	if doRun {
		if err := runAndWait(ctx, s, types.Language(lang), timeout); err != nil {
			return err
		}
	}

	if follow {
		followRoom(ctx, s)
	}
	return nil
}

// documentFlag returns the document requested by --set-doc or --doc-file
func documentFlag(cmd *cobra.Command) (string, bool, error) {
	if path, _ := cmd.Flags().GetString("doc-file"); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return "", false, fmt.Errorf("failed to read document: %w", err)
		}
		return string(b), true, nil
	}
	if cmd.Flags().Changed("set-doc") {
		v, _ := cmd.Flags().GetString("set-doc")
		return v, true, nil
	}
	return "", false, nil
}

func newSession(ctx context.Context, cfg config.Config) (*session.Session, func(), error) {
	var cl closer
	fail := func(err error) (*session.Session, func(), error) {
		cl.run()
		return nil, nil, err
	}

	tr, err := newTransport(ctx, cfg, &cl)
	if err != nil {
		return fail(err)
	}
	snapshots, err := newSnapshotStore(ctx, cfg, &cl)
	if err != nil {
		return fail(err)
	}
	sb, err := newSandbox(cfg.Sandbox, &cl)
	if err != nil {
		return fail(err)
	}

	s, err := session.New(session.Config{
		RoomID: cfg.Room.ID,
		Identity: types.Identity{
			ID:          cfg.Identity.ID,
			DisplayName: cfg.Identity.DisplayName,
		},
		Transport: tr,
		Snapshots: snapshots,
		Sandbox:   sb,
		Gate:      newGate(cfg),
		Grace:     cfg.Room.Grace,
		Debounce:  cfg.Snapshot.Debounce,
		Seed:      cfg.Room.Seed,
	})
	if err != nil {
		return fail(err)
	}
	return s, cl.run, nil
}

func waitSynced(ctx context.Context, s *session.Session, timeout time.Duration) error {
	select {
	case <-s.Synced():
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timed out waiting for sync (status %s)", s.Status())
	case <-ctx.Done():
		return ctx.Err()
	}
}

func printState(s *session.Session) {
	owner := s.Owner()
	if owner == "" {
		owner = "-"
	}
	fmt.Printf("Status: %s\n", s.Status())
	fmt.Printf("Snapshot: %s\n", s.HydrationStatus())
	fmt.Printf("Owner: %s\n", owner)
	fmt.Printf("Role: %s\n", s.Role())

	rec := s.RunRecord()
	fmt.Printf("Run: %s", rec.State)
	if rec.RunID != "" {
		fmt.Printf(" (%s by %s)", rec.RunID, rec.RunBy)
	}
	fmt.Println()

	fmt.Println()
	fmt.Println("--- document ---")
	doc := s.Document()
	fmt.Print(doc)
	if doc != "" && !strings.HasSuffix(doc, "\n") {
		fmt.Println()
	}
	fmt.Println("----------------")
}

// runAndWait starts a run and blocks until it reaches a terminal state
func runAndWait(ctx context.Context, s *session.Session, lang types.Language, timeout time.Duration) error {
	changed := make(chan struct{}, 1)
	unobserve := s.Observe(store.RegionRun, func(store.Event) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unobserve()

	runID, err := s.RunCode(ctx, lang)
	if err != nil {
		return fmt.Errorf("run refused: %w", err)
	}
	fmt.Printf("\nRun %s started\n", runID)

	deadline := time.After(timeout)
	for {
		rec := s.RunRecord()
		if rec.RunID != runID {
			return fmt.Errorf("run %s was replaced by %s", runID, rec.RunID)
		}
		if rec.State.IsTerminal() {
			printRun(s, rec)
			if rec.State == types.RunStateError {
				return fmt.Errorf("run failed: %s", rec.Error)
			}
			return nil
		}

		select {
		case <-changed:
		case <-deadline:
			return fmt.Errorf("timed out waiting for run %s (%s)", runID, rec.Phase)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func printRun(s *session.Session, rec types.RunRecord) {
	stdout, stderr := s.Output()
	if stdout != "" {
		fmt.Print(stdout)
	}
	if stderr != "" {
		fmt.Fprint(os.Stderr, stderr)
	}
	fmt.Printf("Run %s: %s", rec.RunID, rec.State)
	if rec.ElapsedMs != nil {
		fmt.Printf(" in %dms", *rec.ElapsedMs)
	}
	fmt.Println()
}

// followRoom logs presence and run changes until ctx is canceled
func followRoom(ctx context.Context, s *session.Session) {
	logger := log.WithComponent("peer")

	s.OnPresence(func(presence.Change) {
		names := make([]string, 0)
		for _, p := range s.Participants() {
			names = append(names, fmt.Sprintf("%s(%s)", p.UserID, p.Role))
		}
		logger.Info().Strs("participants", names).Msg("Presence changed")
	})
	unobserve := s.Observe(store.RegionRun, func(store.Event) {
		rec := s.RunRecord()
		logger.Info().
			Str("run_id", rec.RunID).
			Str("state", string(rec.State)).
			Str("phase", rec.Phase).
			Msg("Run changed")
	})
	defer unobserve()

	fmt.Println("\nFollowing room. Press Ctrl+C to leave.")
	<-ctx.Done()
}
