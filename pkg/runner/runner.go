package runner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/pairpilot/pkg/clock"
	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/cuemby/pairpilot/pkg/metrics"
	"github.com/cuemby/pairpilot/pkg/ratelimit"
	"github.com/cuemby/pairpilot/pkg/sandbox"
	"github.com/cuemby/pairpilot/pkg/store"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	// WatchdogTimeout fails a run whose sandbox stays silent this long
	WatchdogTimeout = 15 * time.Second
	// PythonTimeout is the wall-clock limit of python runs, which includes
	// interpreter start-up
	PythonTimeout = 20 * time.Second
	// JavaScriptTimeout is the wall-clock limit of javascript runs
	JavaScriptTimeout = 8 * time.Second
)

// Phases written to the run record
const (
	PhaseStarting    = "starting"
	PhaseLoading     = "loading"
	PhaseRunning     = "running"
	PhaseFinished    = "finished"
	PhaseError       = "error"
	PhaseCanceled    = "canceled"
	PhaseTimeout     = "timeout"
	PhaseStalled     = "stalled"
	PhaseRateLimited = "rate-limited"
)

// Timeout returns the wall-clock limit for lang
func Timeout(lang types.Language) time.Duration {
	if lang == types.LanguageJavaScript {
		return JavaScriptTimeout
	}
	return PythonTimeout
}

// NewRunID returns a fresh run id
func NewRunID() string {
	return "run_" + ulid.Make().String()
}

// Config configures a Coordinator
type Config struct {
	Store    *store.Store
	Identity types.Identity
	Sandbox  sandbox.Runner
	// Gate is consulted before every run; nil never throttles
	Gate   ratelimit.Gate
	RoomID string
	Clock  clock.Clock
	// Synced reports whether the peer finished its join handshake
	Synced func() bool
	// Dispatch runs sandbox events, timer firings and remote-change
	// reactions in order. It defaults to running them inline.
	Dispatch func(func())
}

type activeRun struct {
	id       string
	runBy    string
	language types.Language
	exec     sandbox.Execution
	started  time.Time
	watchdog clock.Timer
	deadline clock.Timer
	once     sync.Once
}

func (r *activeRun) terminate() {
	r.once.Do(r.exec.Terminate)
}

func (r *activeRun) stopTimers() {
	if r.watchdog != nil {
		r.watchdog.Stop()
	}
	if r.deadline != nil {
		r.deadline.Stop()
	}
}

// Coordinator drives the shared run state machine. Every peer observes the
// run record; only the peer that admitted a run executes it and writes its
// progress.
type Coordinator struct {
	store    *store.Store
	identity types.Identity
	sandbox  sandbox.Runner
	gate     ratelimit.Gate
	roomID   string
	clock    clock.Clock
	synced   func() bool
	dispatch func(func())
	logger   zerolog.Logger

	mu        sync.Mutex
	admitting bool
	active    *activeRun
}

// New creates a Coordinator
func New(cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Gate == nil {
		cfg.Gate = ratelimit.Allow{}
	}
	if cfg.Synced == nil {
		cfg.Synced = func() bool { return true }
	}
	if cfg.Dispatch == nil {
		cfg.Dispatch = func(fn func()) { fn() }
	}
	return &Coordinator{
		store:    cfg.Store,
		identity: cfg.Identity,
		sandbox:  cfg.Sandbox,
		gate:     cfg.Gate,
		roomID:   cfg.RoomID,
		clock:    cfg.Clock,
		synced:   cfg.Synced,
		dispatch: cfg.Dispatch,
		logger: log.WithComponent("runner").With().
			Str("room_id", cfg.RoomID).
			Str("user_id", cfg.Identity.ID).
			Logger(),
	}
}

// Record returns the current run record
func (c *Coordinator) Record() types.RunRecord {
	return c.store.RunRecord()
}

// History returns the run history, oldest first
func (c *Coordinator) History() []types.RunSummary {
	return c.store.History()
}

// ActiveRunID returns the id of the run executing on this peer, or ""
func (c *Coordinator) ActiveRunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active == nil {
		return ""
	}
	return c.active.id
}

func (c *Coordinator) deny(reason Reason, msg string) error {
	metrics.RunAdmissionDeniedTotal.WithLabelValues(string(reason)).Inc()
	c.logger.Debug().Str("reason", string(reason)).Msg("Run not admitted")
	return &AdmissionError{Reason: reason, Message: msg}
}

// RunCode starts a shared run of the document in lang. Only one run is
// admitted at a time across the room. It returns the new run id.
func (c *Coordinator) RunCode(ctx context.Context, lang types.Language) (string, error) {
	if lang == "" {
		lang = types.DefaultLanguage
	}
	if !types.ValidLanguage(lang) {
		return "", fmt.Errorf("%w: %q", ErrInvalidLanguage, lang)
	}

	c.mu.Lock()
	switch {
	case c.admitting || c.active != nil || c.store.RunRecord().State.IsBusy():
		c.mu.Unlock()
		return "", c.deny(ReasonBusy, "")
	case c.store.EffectiveRole(c.identity.ID) != types.RoleEditor:
		c.mu.Unlock()
		return "", c.deny(ReasonNotEditor, "")
	case !c.synced():
		c.mu.Unlock()
		return "", c.deny(ReasonNotSynced, "")
	}
	c.admitting = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.admitting = false
		c.mu.Unlock()
	}()

	if d, ok := c.checkRateLimit(ctx); !ok {
		if err := c.recordThrottle(d); err != nil {
			return "", err
		}
		return "", c.deny(ReasonRateLimited, d.Message())
	}

	runID := NewRunID()
	err := c.store.Mutate(func(txn *store.Txn) error {
		if txn.RunRecord().State.IsBusy() {
			return &AdmissionError{Reason: ReasonBusy}
		}
		txn.UpdateRun(func(r *types.RunRecord) {
			*r = types.RunRecord{
				State:    types.RunStateStarting,
				RunID:    runID,
				RunBy:    c.identity.ID,
				Language: lang,
				Phase:    PhaseStarting,
				Message:  "Starting run…",
			}
		})
		txn.Clear(store.RegionStdout)
		txn.Clear(store.RegionStderr)
		return nil
	})
	if reason, ok := IsAdmissionError(err); ok {
		return "", c.deny(reason, "")
	}
	if err != nil {
		return "", fmt.Errorf("failed to start run: %w", err)
	}
	logger := c.logger.With().Str("run_id", runID).Str("language", string(lang)).Logger()
	logger.Info().Msg("Run admitted")

	code := c.store.Text(store.RegionDoc)
	phase, msg := PhaseRunning, "Running JavaScript…"
	if lang == types.LanguagePython {
		phase, msg = PhaseLoading, "Loading Python runtime…"
	}
	err = c.store.Mutate(func(txn *store.Txn) error {
		// a cancel may have landed since the starting commit
		rec := txn.RunRecord()
		if rec.RunID != runID || rec.State != types.RunStateStarting {
			return ErrRunEnded
		}
		txn.UpdateRun(func(r *types.RunRecord) {
			r.State = types.RunStateRunning
			r.Phase = phase
			r.Message = msg
		})
		return nil
	})
	if errors.Is(err, ErrRunEnded) {
		logger.Info().Str("state", string(c.store.RunRecord().State)).Msg("Run ended before the sandbox started")
		return runID, ErrRunEnded
	}
	if err != nil {
		return runID, fmt.Errorf("failed to update run: %w", err)
	}

	exec, err := c.sandbox.Start(ctx, sandbox.Request{Language: lang, Code: code})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to start sandbox")
		c.fail(runID, err.Error())
		metrics.RunsTotal.WithLabelValues(string(types.RunStateError)).Inc()
		return runID, fmt.Errorf("failed to start sandbox: %w", err)
	}

	run := &activeRun{
		id:       runID,
		runBy:    c.identity.ID,
		language: lang,
		exec:     exec,
		started:  c.clock.Now(),
	}
	c.mu.Lock()
	// the sandbox start can be slow; the run may have been canceled meanwhile
	if rec := c.store.RunRecord(); rec.RunID != runID || !rec.State.IsBusy() {
		c.mu.Unlock()
		run.terminate()
		logger.Info().Str("state", string(rec.State)).Msg("Run ended while the sandbox started")
		return runID, ErrRunEnded
	}
	c.active = run
	run.watchdog = c.clock.AfterFunc(WatchdogTimeout, func() { c.dispatch(func() { c.stalled(run) }) })
	timeout := Timeout(lang)
	run.deadline = c.clock.AfterFunc(timeout, func() { c.dispatch(func() { c.timedOut(run, timeout) }) })
	c.mu.Unlock()

	go c.consume(run)
	return runID, nil
}

// checkRateLimit asks the gate. Gate errors allow the run.
func (c *Coordinator) checkRateLimit(ctx context.Context) (ratelimit.Decision, bool) {
	d, err := c.gate.Check(ctx, c.roomID)
	if err != nil {
		metrics.RateLimitChecksTotal.WithLabelValues("error").Inc()
		c.logger.Warn().Err(err).Msg("Rate-limit check failed, allowing run")
		return ratelimit.Decision{Allowed: true}, true
	}
	if !d.Allowed {
		metrics.RateLimitChecksTotal.WithLabelValues("throttled").Inc()
		return d, false
	}
	metrics.RateLimitChecksTotal.WithLabelValues("allowed").Inc()
	return d, true
}

// recordThrottle publishes the throttle notice unless a run started meanwhile
func (c *Coordinator) recordThrottle(d ratelimit.Decision) error {
	return c.store.Mutate(func(txn *store.Txn) error {
		if txn.RunRecord().State.IsBusy() {
			return nil
		}
		txn.UpdateRun(func(r *types.RunRecord) {
			r.State = types.RunStateIdle
			r.Phase = PhaseRateLimited
			r.Message = d.Message()
			r.Error = ""
			r.RateLimitLimit = d.Limit
			r.RateLimitWindowSec = d.WindowSec
			r.RateLimitRemaining = d.Remaining
			r.RateLimitResetMs = d.ResetMs
		})
		return nil
	})
}

func (c *Coordinator) consume(run *activeRun) {
	for ev := range run.exec.Events() {
		ev := ev
		c.dispatch(func() { c.handle(run, ev) })
	}
	c.dispatch(func() { c.closed(run) })
}

func (c *Coordinator) isActive(run *activeRun) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active == run
}

// release clears run as the active run and stops its timers. It reports
// false when run already ended, so each run is released exactly once.
func (c *Coordinator) release(run *activeRun) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != run {
		return false
	}
	c.active = nil
	run.stopTimers()
	return true
}

func (c *Coordinator) kick(run *activeRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active != run {
		return
	}
	if run.watchdog != nil {
		run.watchdog.Stop()
	}
	run.watchdog = c.clock.AfterFunc(WatchdogTimeout, func() { c.dispatch(func() { c.stalled(run) }) })
}

func (c *Coordinator) handle(run *activeRun, ev sandbox.Event) {
	if !c.isActive(run) {
		return
	}
	c.kick(run)

	switch ev.Type {
	case sandbox.EventPhase:
		c.mutateRun(run.id, func(txn *store.Txn) {
			txn.UpdateRun(func(r *types.RunRecord) {
				r.Phase = ev.Phase
				r.Message = ev.Message
			})
		})
	case sandbox.EventStdout:
		c.appendOutput(run.id, store.RegionStdout, ev.Data)
	case sandbox.EventStderr:
		c.appendOutput(run.id, store.RegionStderr, ev.Data)
	case sandbox.EventError:
		if c.release(run) {
			run.terminate()
			c.fail(run.id, ev.Message)
			c.observe(run, types.RunStateError)
		}
	case sandbox.EventFinished:
		if c.release(run) {
			run.terminate()
			c.finish(run, ev.ElapsedMs)
		}
	}
}

// closed handles an event stream that ended without a terminal event
func (c *Coordinator) closed(run *activeRun) {
	if !c.release(run) {
		return
	}
	c.fail(run.id, "Run ended unexpectedly")
	c.observe(run, types.RunStateError)
}

func (c *Coordinator) stalled(run *activeRun) {
	if !c.release(run) {
		return
	}
	run.terminate()
	msg := fmt.Sprintf("Run stalled: no output for %s", WatchdogTimeout)
	c.logger.Warn().Str("run_id", run.id).Msg("Run stalled, terminating")
	c.mutateRun(run.id, func(txn *store.Txn) {
		txn.UpdateRun(func(r *types.RunRecord) {
			r.State = types.RunStateError
			r.Error = msg
			r.Phase = PhaseStalled
			r.Message = "Stalled"
		})
		appendStderr(txn, msg)
	})
	c.observe(run, types.RunStateError)
}

func (c *Coordinator) timedOut(run *activeRun, timeout time.Duration) {
	if !c.release(run) {
		return
	}
	run.terminate()
	msg := fmt.Sprintf("Run timed out after %dms", timeout.Milliseconds())
	c.logger.Warn().Str("run_id", run.id).Msg(msg)
	c.mutateRun(run.id, func(txn *store.Txn) {
		txn.UpdateRun(func(r *types.RunRecord) {
			r.State = types.RunStateError
			r.Error = msg
			r.Phase = PhaseTimeout
			r.Message = "Timed out"
		})
		appendStderr(txn, msg)
	})
	c.observe(run, types.RunStateError)
}

// fail records an execution error for runID
func (c *Coordinator) fail(runID, msg string) {
	if strings.TrimSpace(msg) == "" {
		msg = "Run error"
	}
	c.mutateRun(runID, func(txn *store.Txn) {
		txn.UpdateRun(func(r *types.RunRecord) {
			r.State = types.RunStateError
			r.Error = msg
			r.Phase = PhaseError
			r.Message = "Error"
		})
		appendStderr(txn, msg)
	})
}

func (c *Coordinator) finish(run *activeRun, elapsedMs int64) {
	final := types.RunStateFinished
	err := c.store.Mutate(func(txn *store.Txn) error {
		rec := txn.RunRecord()
		if rec.RunID != run.id {
			return nil
		}
		if rec.State == types.RunStateError || rec.State == types.RunStateCanceled {
			final = rec.State
		} else {
			txn.UpdateRun(func(r *types.RunRecord) {
				r.State = types.RunStateFinished
				r.ElapsedMs = &elapsedMs
				r.Phase = PhaseFinished
				r.Message = "Finished"
			})
		}
		rec = txn.RunRecord()
		return txn.AppendHistory(types.RunSummary{
			RunID:       rec.RunID,
			RunBy:       rec.RunBy,
			Language:    rec.Language,
			State:       rec.State,
			FinishedAt:  c.clock.Now().UTC(),
			ElapsedMs:   rec.ElapsedMs,
			StdoutBytes: rec.StdoutBytes,
			StderrBytes: rec.StderrBytes,
		})
	})
	if err != nil {
		c.logger.Error().Err(err).Str("run_id", run.id).Msg("Failed to record run completion")
	}
	c.logger.Info().Str("run_id", run.id).Int64("elapsed_ms", elapsedMs).Str("state", string(final)).Msg("Run completed")
	c.observe(run, final)
}

// CancelRun cancels the run in progress, wherever it executes. The
// executing peer terminates its sandbox once it observes the change.
func (c *Coordinator) CancelRun() error {
	if !c.store.RunRecord().State.IsBusy() {
		return ErrNotRunning
	}

	c.mu.Lock()
	run := c.active
	c.mu.Unlock()
	if run != nil && c.release(run) {
		run.terminate()
		c.observe(run, types.RunStateCanceled)
	}

	var canceled string
	err := c.store.Mutate(func(txn *store.Txn) error {
		rec := txn.RunRecord()
		if !rec.State.IsBusy() {
			return nil
		}
		canceled = rec.RunID
		txn.UpdateRun(func(r *types.RunRecord) {
			r.State = types.RunStateCanceled
			r.Phase = PhaseCanceled
			r.Message = "Canceled"
			r.Error = ""
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to cancel run: %w", err)
	}
	if canceled == "" {
		return ErrNotRunning
	}

	// RunCode may have installed the run between the release above and
	// the write
	c.mu.Lock()
	run = c.active
	c.mu.Unlock()
	if run != nil && run.id == canceled && c.release(run) {
		run.terminate()
		c.observe(run, types.RunStateCanceled)
	}
	c.logger.Info().Str("run_id", canceled).Msg("Run canceled")
	return nil
}

// Watch terminates the local execution when another peer ends or replaces
// the run. The returned function stops watching.
func (c *Coordinator) Watch() func() {
	return c.store.Observe(store.RegionRun, func(ev store.Event) {
		if ev.Origin == store.OriginLocal {
			return
		}
		c.dispatch(c.reconcile)
	})
}

func (c *Coordinator) reconcile() {
	c.mu.Lock()
	run := c.active
	c.mu.Unlock()
	if run == nil {
		return
	}

	rec := c.store.RunRecord()
	if rec.RunID == run.id && rec.State.IsBusy() {
		return
	}
	if !c.release(run) {
		return
	}
	run.terminate()
	final := rec.State
	if rec.RunID != run.id {
		final = types.RunStateCanceled
	}
	c.logger.Info().Str("run_id", run.id).Str("state", string(rec.State)).Msg("Run ended by another peer")
	c.observe(run, final)
}

func (c *Coordinator) observe(run *activeRun, final types.RunState) {
	metrics.RunsTotal.WithLabelValues(string(final)).Inc()
	metrics.RunDuration.WithLabelValues(string(run.language)).Observe(c.clock.Now().Sub(run.started).Seconds())
}

// mutateRun applies fn only while runID is still the busy run
func (c *Coordinator) mutateRun(runID string, fn func(*store.Txn)) {
	err := c.store.Mutate(func(txn *store.Txn) error {
		rec := txn.RunRecord()
		if rec.RunID != runID || !rec.State.IsBusy() {
			return nil
		}
		fn(txn)
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to update run")
	}
}

func (c *Coordinator) appendOutput(runID, region, data string) {
	if data == "" {
		return
	}
	c.mutateRun(runID, func(txn *store.Txn) {
		txn.Append(region, data)
		n := int64(txn.TextLen(region))
		txn.UpdateRun(func(r *types.RunRecord) {
			if region == store.RegionStdout {
				r.StdoutBytes = n
			} else {
				r.StderrBytes = n
			}
		})
	})
}

// appendStderr appends msg on its own line and refreshes the byte counter
func appendStderr(txn *store.Txn, msg string) {
	text := strings.TrimSpace(msg)
	if text == "" {
		return
	}
	txn.Append(store.RegionStderr, text+"\n")
	n := int64(txn.TextLen(store.RegionStderr))
	txn.UpdateRun(func(r *types.RunRecord) { r.StderrBytes = n })
}
