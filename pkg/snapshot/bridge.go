package snapshot

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/cuemby/pairpilot/pkg/clock"
	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/cuemby/pairpilot/pkg/metrics"
	"github.com/cuemby/pairpilot/pkg/store"
	"github.com/rs/zerolog"
)

// HydrationStatus reports the outcome of loading the room snapshot
type HydrationStatus string

const (
	StatusIdle     HydrationStatus = "idle"
	StatusLoading  HydrationStatus = "loading"
	StatusHydrated HydrationStatus = "hydrated"
	StatusEmpty    HydrationStatus = "empty"
	StatusError    HydrationStatus = "error"
)

const (
	// DefaultDebounce delays a save until updates settle
	DefaultDebounce = 1500 * time.Millisecond

	saveTimeout = 10 * time.Second
)

// BridgeConfig configures a Bridge
type BridgeConfig struct {
	Backend  Store
	Doc      *store.Store
	RoomID   string
	UserID   string
	Clock    clock.Clock
	Debounce time.Duration
}

// Bridge hydrates a room store from its snapshot and saves it back, debounced,
// while the peer is synced
type Bridge struct {
	backend  Store
	doc      *store.Store
	roomID   string
	userID   string
	clock    clock.Clock
	debounce time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	status   HydrationStatus
	enabled  bool
	timer    clock.Timer
	pending  bool
	saving   bool
	dirty    bool
	unsub    func()
	hydrated bool
}

// NewBridge creates a Bridge
func NewBridge(cfg BridgeConfig) *Bridge {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	b := &Bridge{
		backend:  cfg.Backend,
		doc:      cfg.Doc,
		roomID:   cfg.RoomID,
		userID:   cfg.UserID,
		clock:    cfg.Clock,
		debounce: cfg.Debounce,
		status:   StatusIdle,
		logger:   log.WithRoomID(cfg.RoomID).With().Str("component", "snapshot").Logger(),
	}
	b.unsub = cfg.Doc.OnUpdate(b.onUpdate)
	return b
}

// Status returns the hydration status
func (b *Bridge) Status() HydrationStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

func (b *Bridge) setStatus(s HydrationStatus) {
	b.mu.Lock()
	b.status = s
	b.mu.Unlock()
}

// Hydrate loads the room snapshot once and merges it into the store with the
// hydrate origin, which never schedules a save. Later calls return the
// first outcome.
func (b *Bridge) Hydrate(ctx context.Context) (HydrationStatus, error) {
	b.mu.Lock()
	if b.hydrated {
		s := b.status
		b.mu.Unlock()
		return s, nil
	}
	b.hydrated = true
	b.status = StatusLoading
	b.mu.Unlock()

	snap, err := b.backend.Load(ctx, b.roomID)
	if err != nil {
		return b.hydrateFailed(err)
	}
	if snap == nil || snap.SnapshotB64 == "" {
		metrics.SnapshotLoadsTotal.WithLabelValues(string(StatusEmpty)).Inc()
		b.setStatus(StatusEmpty)
		b.logger.Debug().Msg("No snapshot for room")
		return StatusEmpty, nil
	}

	update, err := base64.StdEncoding.DecodeString(snap.SnapshotB64)
	if err != nil {
		return b.hydrateFailed(err)
	}
	if err := b.doc.ApplyRemoteUpdate(update, store.OriginHydrate); err != nil {
		return b.hydrateFailed(err)
	}

	metrics.SnapshotLoadsTotal.WithLabelValues(string(StatusHydrated)).Inc()
	b.setStatus(StatusHydrated)
	b.logger.Info().Time("updated_at", snap.UpdatedAt).Int("bytes", len(update)).Msg("Hydrated room from snapshot")
	return StatusHydrated, nil
}

func (b *Bridge) hydrateFailed(err error) (HydrationStatus, error) {
	metrics.SnapshotLoadsTotal.WithLabelValues(string(StatusError)).Inc()
	b.setStatus(StatusError)
	perr := &PersistenceError{Op: "load", RoomID: b.roomID, Err: err}
	b.logger.Warn().Err(err).Msg("Failed to hydrate room")
	return StatusError, perr
}

// Enable starts saving. Call it once the peer is synced; updates before that
// are not saved on their own.
func (b *Bridge) Enable() {
	b.mu.Lock()
	b.enabled = true
	b.mu.Unlock()
}

func (b *Bridge) onUpdate(_ []byte, origin store.Origin) {
	if origin == store.OriginHydrate {
		return
	}
	b.schedule()
}

func (b *Bridge) schedule() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.enabled {
		return
	}
	b.pending = true
	if b.saving {
		b.dirty = true
		return
	}
	if b.timer != nil {
		b.timer.Stop()
	}
	b.timer = b.clock.AfterFunc(b.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
		defer cancel()
		_ = b.save(ctx)
	})
}

// save writes the full state unless another save is running, in which case
// the running save picks the change up when it finishes
func (b *Bridge) save(ctx context.Context) error {
	b.mu.Lock()
	if b.saving {
		b.dirty = true
		b.mu.Unlock()
		return nil
	}
	b.saving = true
	b.pending = false
	b.dirty = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	err := b.write(ctx)

	b.mu.Lock()
	b.saving = false
	if err != nil {
		b.pending = true
	}
	again := b.dirty && b.enabled
	b.mu.Unlock()
	if again {
		b.schedule()
	}
	return err
}

func (b *Bridge) write(ctx context.Context) error {
	state, err := b.doc.EncodeFullState()
	if err == nil {
		timer := metrics.NewTimer()
		err = b.backend.Save(ctx, b.roomID, base64.StdEncoding.EncodeToString(state), b.userID)
		timer.ObserveDuration(metrics.SnapshotSaveDuration)
	}
	if err != nil {
		metrics.SnapshotSavesTotal.WithLabelValues("error").Inc()
		b.logger.Warn().Err(err).Msg("Failed to save snapshot")
		return &PersistenceError{Op: "save", RoomID: b.roomID, Err: err}
	}
	metrics.SnapshotSavesTotal.WithLabelValues("ok").Inc()
	b.logger.Debug().Int("bytes", len(state)).Msg("Saved snapshot")
	return nil
}

// Pending reports whether changes are waiting to be saved
func (b *Bridge) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// Flush saves pending changes now
func (b *Bridge) Flush(ctx context.Context) error {
	b.mu.Lock()
	pending := b.pending && b.enabled
	b.mu.Unlock()
	if !pending {
		return nil
	}
	return b.save(ctx)
}

// Stop cancels any scheduled save and detaches from the store
func (b *Bridge) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.enabled = false
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	if b.unsub != nil {
		b.unsub()
		b.unsub = nil
	}
}
