package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/pairpilot/pkg/clock"
	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/cuemby/pairpilot/pkg/presence"
	"github.com/cuemby/pairpilot/pkg/ratelimit"
	"github.com/cuemby/pairpilot/pkg/roles"
	"github.com/cuemby/pairpilot/pkg/runner"
	"github.com/cuemby/pairpilot/pkg/sandbox"
	"github.com/cuemby/pairpilot/pkg/snapshot"
	"github.com/cuemby/pairpilot/pkg/store"
	"github.com/cuemby/pairpilot/pkg/syncer"
	"github.com/cuemby/pairpilot/pkg/transport"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrClosed is returned by requests made after Close
	ErrClosed = errors.New("session: closed")
	// ErrNotStarted is returned by requests made before Start
	ErrNotStarted = errors.New("session: not started")
	// ErrNotSynced is returned by edits before the join handshake completed
	ErrNotSynced = errors.New("session: not synced")
	// ErrReadOnly is returned by edits from a viewer
	ErrReadOnly = errors.New("session: read-only")
	// ErrRunInProgress is returned by edits while a run owns the room
	ErrRunInProgress = errors.New("session: run in progress")
	// ErrOutOfRange is returned by text edits outside the document
	ErrOutOfRange = errors.New("session: position out of range")
)

// Config configures a Session
type Config struct {
	RoomID    string
	Identity  types.Identity
	Transport transport.Adapter
	// Snapshots enables hydration and debounced saves; nil disables both
	Snapshots snapshot.Store
	// Sandbox defaults to a ProcessRunner with the default interpreters
	Sandbox sandbox.Runner
	// Gate is consulted before runs; nil never throttles
	Gate ratelimit.Gate
	// Clock defaults to the real clock
	Clock    clock.Clock
	Grace    time.Duration
	Debounce time.Duration
	// Seed is written into an empty document once the peer is synced
	Seed string
}

// Session is one peer's membership in one room. It owns the room store and
// wires the sync, presence, role, run and snapshot components around it.
//
// Inbound messages, timer firings and sandbox events are processed in order
// by a single loop goroutine. Local requests are executed on that loop too
// and must not be issued from inside component callbacks.
type Session struct {
	cfg    Config
	store  *store.Store
	box    *mailbox
	logger zerolog.Logger

	sync     *syncer.Coordinator
	presence *presence.Manager
	roles    *roles.Controller
	runner   *runner.Coordinator
	bridge   *snapshot.Bridge

	syncedCh chan struct{}

	mu        sync.Mutex
	started   bool
	closed    bool
	unwatches []func()
}

// New builds a session. Nothing touches the network until Start.
func New(cfg Config) (*Session, error) {
	if cfg.RoomID == "" {
		return nil, errors.New("session: room id is required")
	}
	if cfg.Identity.ID == "" {
		return nil, errors.New("session: identity is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("session: transport is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Sandbox == nil {
		cfg.Sandbox = sandbox.NewProcessRunner(sandbox.ProcessConfig{})
	}

	box := newMailbox()
	loopClock := clock.Dispatching(cfg.Clock, box.dispatch)
	adapter := transport.Serialize(cfg.Transport, box.dispatch)
	st := store.New(cfg.Transport.ConnID())

	s := &Session{
		cfg:      cfg,
		store:    st,
		box:      box,
		syncedCh: make(chan struct{}),
		logger: log.WithRoomID(cfg.RoomID).With().
			Str("component", "session").
			Str("user_id", cfg.Identity.ID).
			Logger(),
	}

	s.sync = syncer.New(syncer.Config{
		Store:     st,
		Transport: adapter,
		Identity:  cfg.Identity,
		Clock:     loopClock,
		Grace:     cfg.Grace,
	})
	s.presence = presence.NewManager(presence.Config{
		Transport: adapter,
		Store:     st,
		Identity:  cfg.Identity,
		Clock:     loopClock,
	})
	s.roles = roles.New(roles.Config{
		Store:    st,
		Identity: cfg.Identity,
		Dispatch: box.dispatch,
	})
	s.runner = runner.New(runner.Config{
		Store:    st,
		Identity: cfg.Identity,
		Sandbox:  cfg.Sandbox,
		Gate:     cfg.Gate,
		RoomID:   cfg.RoomID,
		Clock:    loopClock,
		Synced:   s.isSynced,
		Dispatch: box.dispatch,
	})
	if cfg.Snapshots != nil {
		// saves run on the timer goroutine so a slow backend never stalls the loop
		s.bridge = snapshot.NewBridge(snapshot.BridgeConfig{
			Backend:  cfg.Snapshots,
			Doc:      st,
			RoomID:   cfg.RoomID,
			UserID:   cfg.Identity.ID,
			Clock:    cfg.Clock,
			Debounce: cfg.Debounce,
		})
	}

	s.sync.OnSynced(s.onSynced)
	s.sync.OnStatus(func(st syncer.Status) {
		s.logger.Info().Str("status", string(st)).Msg("Connection status")
	})
	return s, nil
}

// Start hydrates from the snapshot store, joins the room and starts
// presence. A hydration failure is logged and the peer joins with an empty
// document; a transport failure is returned.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return errors.New("session: already started")
	}
	s.started = true
	s.mu.Unlock()

	go s.box.run()

	if s.bridge != nil {
		status, err := s.bridge.Hydrate(ctx)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Snapshot hydration failed, joining with local state")
		} else {
			s.logger.Info().Str("hydration", string(status)).Msg("Snapshot hydration complete")
		}
	}

	if err := s.sync.Start(ctx); err != nil {
		return err
	}
	s.presence.Start(ctx)
	return nil
}

// onSynced runs on the loop once the join handshake completes
func (s *Session) onSynced() {
	if err := s.roles.EstablishOwnership(); err != nil {
		s.logger.Error().Err(err).Msg("Failed to establish ownership")
	}

	err := s.store.Mutate(func(txn *store.Txn) error {
		txn.InitRunRecord()
		txn.NormalizeNewlines(store.RegionDoc)
		return nil
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to initialize room")
	}

	if s.cfg.Seed != "" {
		err := s.store.Mutate(func(txn *store.Txn) error {
			if txn.TextLen(store.RegionDoc) == 0 {
				txn.Insert(store.RegionDoc, 0, sandbox.NormalizeNewlines(s.cfg.Seed))
			}
			return nil
		})
		if err != nil {
			s.logger.Error().Err(err).Msg("Failed to seed document")
		}
	}

	if s.bridge != nil {
		s.bridge.Enable()
	}

	s.mu.Lock()
	s.unwatches = append(s.unwatches, s.roles.Watch(), s.runner.Watch())
	s.mu.Unlock()

	s.logger.Info().
		Str("owner", s.store.Owner()).
		Str("role", string(s.roles.Role())).
		Msg("Synced")
	close(s.syncedCh)
}

// call runs fn on the loop and waits for its result
func (s *Session) call(fn func() error) error {
	s.mu.Lock()
	started, closed := s.started, s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !started {
		return ErrNotStarted
	}

	errCh := make(chan error, 1)
	if !s.box.post(func() { errCh <- fn() }) {
		return ErrClosed
	}
	return <-errCh
}

// canEdit reports why the local peer may not edit the document, if it may not
func (s *Session) canEdit() error {
	if !s.isSynced() {
		return ErrNotSynced
	}
	if s.roles.Role() != types.RoleEditor {
		return ErrReadOnly
	}
	if s.store.RunRecord().State.IsBusy() {
		return ErrRunInProgress
	}
	return nil
}

// SetDocument replaces the document, touching only the differing span
func (s *Session) SetDocument(text string) error {
	return s.call(func() error {
		if err := s.canEdit(); err != nil {
			return err
		}
		return s.store.Mutate(func(txn *store.Txn) error {
			txn.SetText(store.RegionDoc, sandbox.NormalizeNewlines(text))
			return nil
		})
	})
}

// InsertText inserts text at character position pos
func (s *Session) InsertText(pos int, text string) error {
	return s.call(func() error {
		if err := s.canEdit(); err != nil {
			return err
		}
		return s.store.Mutate(func(txn *store.Txn) error {
			if pos < 0 || pos > txn.TextLen(store.RegionDoc) {
				return fmt.Errorf("%w: insert at %d", ErrOutOfRange, pos)
			}
			txn.Insert(store.RegionDoc, pos, sandbox.NormalizeNewlines(text))
			return nil
		})
	})
}

// DeleteText removes n characters starting at pos
func (s *Session) DeleteText(pos, n int) error {
	return s.call(func() error {
		if err := s.canEdit(); err != nil {
			return err
		}
		return s.store.Mutate(func(txn *store.Txn) error {
			if pos < 0 || n < 0 || pos+n > txn.TextLen(store.RegionDoc) {
				return fmt.Errorf("%w: delete %d at %d", ErrOutOfRange, n, pos)
			}
			txn.Delete(store.RegionDoc, pos, n)
			return nil
		})
	})
}

// SetRole changes another peer's role. Only the owner may call it.
func (s *Session) SetRole(target string, role types.Role) error {
	return s.call(func() error {
		return s.roles.SetRole(target, role)
	})
}

// RunCode starts a shared run of the current document. The rate-limit check
// blocks the calling goroutine; admission itself is atomic.
func (s *Session) RunCode(ctx context.Context, lang types.Language) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrClosed
	}
	return s.runner.RunCode(ctx, lang)
}

// CancelRun cancels the active run, whoever started it
func (s *Session) CancelRun() error {
	return s.call(s.runner.CancelRun)
}

// SetPresence updates the local presence fields
func (s *Session) SetPresence(state types.PresenceUser) error {
	return s.call(func() error {
		s.presence.SetLocalState(state)
		return nil
	})
}

func (s *Session) isSynced() bool {
	select {
	case <-s.syncedCh:
		return true
	default:
		return false
	}
}

// Synced is closed once the session completed its join handshake and the
// on-synced setup ran
func (s *Session) Synced() <-chan struct{} {
	return s.syncedCh
}

// Status returns the connection status
func (s *Session) Status() syncer.Status {
	return s.sync.Status()
}

// HydrationStatus returns the snapshot hydration status, idle without a
// snapshot store
func (s *Session) HydrationStatus() snapshot.HydrationStatus {
	if s.bridge == nil {
		return snapshot.StatusIdle
	}
	return s.bridge.Status()
}

// Document returns the shared document text
func (s *Session) Document() string {
	return s.store.Text(store.RegionDoc)
}

// RunRecord returns the replicated run record
func (s *Session) RunRecord() types.RunRecord {
	return s.store.RunRecord()
}

// Output returns the stdout and stderr of the current run
func (s *Session) Output() (stdout, stderr string) {
	return s.store.Text(store.RegionStdout), s.store.Text(store.RegionStderr)
}

// History returns the completed runs, oldest first
func (s *Session) History() []types.RunSummary {
	return s.store.History()
}

// Role returns the local peer's effective role
func (s *Session) Role() types.Role {
	return s.roles.Role()
}

// RoleOf returns the effective role of any identity
func (s *Session) RoleOf(id string) types.Role {
	return s.roles.EffectiveRole(id)
}

// Owner returns the room owner identity, empty before one is claimed
func (s *Session) Owner() string {
	return s.roles.Owner()
}

// Participants returns the peers currently visible through presence
func (s *Session) Participants() []types.Participant {
	return s.presence.Participants()
}

// OnPresence registers fn for presence changes. fn runs on the loop.
func (s *Session) OnPresence(fn func(presence.Change)) {
	s.presence.OnChange(fn)
}

// Observe registers fn for changes to a store region. fn runs on the
// goroutine that committed the change.
func (s *Session) Observe(region string, fn func(store.Event)) func() {
	return s.store.Observe(region, fn)
}

// Close tears the session down: cancels a run started here, flushes the
// snapshot, announces departure, leaves the room and drains the loop.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	started := s.started
	s.mu.Unlock()

	var errs []error
	if started && s.runner.ActiveRunID() != "" {
		if err := s.call(s.runner.CancelRun); err != nil && !errors.Is(err, runner.ErrNotRunning) {
			errs = append(errs, fmt.Errorf("cancel run: %w", err))
		}
	}

	s.mu.Lock()
	s.closed = true
	unwatches := s.unwatches
	s.unwatches = nil
	s.mu.Unlock()

	for _, unwatch := range unwatches {
		unwatch()
	}

	if s.bridge != nil {
		if err := s.bridge.Flush(ctx); err != nil {
			errs = append(errs, err)
		}
		s.bridge.Stop()
	}

	if started {
		s.presence.Stop(ctx)
		s.sync.Stop()
	}

	s.box.close()
	if started {
		select {
		case <-s.box.done:
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
		}
	}

	s.logger.Info().Msg("Session closed")
	return errors.Join(errs...)
}
