package runner

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/pairpilot/pkg/clock"
	"github.com/cuemby/pairpilot/pkg/ratelimit"
	"github.com/cuemby/pairpilot/pkg/sandbox"
	"github.com/cuemby/pairpilot/pkg/store"
	"github.com/cuemby/pairpilot/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Unix(1700000000, 0)

type fakeExec struct {
	events       chan sandbox.Event
	terminations atomic.Int32
	closeOnce    sync.Once
}

func (x *fakeExec) Events() <-chan sandbox.Event { return x.events }
func (x *fakeExec) Terminate()                   { x.terminations.Add(1) }

func (x *fakeExec) close() {
	x.closeOnce.Do(func() { close(x.events) })
}

// send blocks until the coordinator took ev. Because events are handled in
// order, a send returning also means every earlier event was handled.
func (x *fakeExec) send(t *testing.T, ev sandbox.Event) {
	t.Helper()
	select {
	case x.events <- ev:
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator stopped reading events")
	}
}

// barrier waits until every event sent so far has been fully handled
func (x *fakeExec) barrier(t *testing.T) {
	t.Helper()
	x.send(t, sandbox.Event{Type: "noop"})
}

type fakeSandbox struct {
	mu    sync.Mutex
	execs []*fakeExec
	reqs  []sandbox.Request
	err   error
}

func (s *fakeSandbox) Start(ctx context.Context, req sandbox.Request) (sandbox.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	x := &fakeExec{events: make(chan sandbox.Event)}
	s.execs = append(s.execs, x)
	s.reqs = append(s.reqs, req)
	return x, nil
}

func (s *fakeSandbox) last() *fakeExec {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execs[len(s.execs)-1]
}

func (s *fakeSandbox) starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.execs)
}

type gateFunc func(ctx context.Context, roomID string) (ratelimit.Decision, error)

func (f gateFunc) Check(ctx context.Context, roomID string) (ratelimit.Decision, error) {
	return f(ctx, roomID)
}

type fixture struct {
	coord *Coordinator
	store *store.Store
	sb    *fakeSandbox
	clock *clock.Fake
}

func newFixture(t *testing.T, mutate ...func(*Config)) *fixture {
	t.Helper()
	st := store.New("a")
	require.NoError(t, st.Mutate(func(txn *store.Txn) error {
		txn.SetOwner("alice")
		txn.SetRole("alice", types.RoleEditor)
		txn.InitRunRecord()
		txn.SetText(store.RegionDoc, "print(1)\n")
		return nil
	}))

	sb := &fakeSandbox{}
	fake := clock.NewFake(epoch)
	cfg := Config{
		Store:    st,
		Identity: types.Identity{ID: "alice", DisplayName: "Alice"},
		Sandbox:  sb,
		RoomID:   "room-1",
		Clock:    fake,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	c := New(cfg)
	t.Cleanup(c.Watch())
	t.Cleanup(func() {
		sb.mu.Lock()
		defer sb.mu.Unlock()
		for _, x := range sb.execs {
			x.close()
		}
	})
	return &fixture{coord: c, store: st, sb: sb, clock: fake}
}

func TestRunLifecycle(t *testing.T) {
	f := newFixture(t)

	runID, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(runID, "run_"))
	assert.Equal(t, runID, f.coord.ActiveRunID())

	rec := f.coord.Record()
	assert.Equal(t, types.RunStateRunning, rec.State)
	assert.Equal(t, PhaseLoading, rec.Phase)
	assert.Equal(t, "Loading Python runtime…", rec.Message)
	assert.Equal(t, "alice", rec.RunBy)
	assert.Equal(t, runID, rec.RunID)
	require.Equal(t, 1, f.sb.starts())
	assert.Equal(t, "print(1)\n", f.sb.reqs[0].Code)

	x := f.sb.last()
	x.send(t, sandbox.Event{Type: sandbox.EventPhase, Phase: "running", Message: "Running Python…"})
	x.send(t, sandbox.Event{Type: sandbox.EventStdout, Data: "1\n"})
	x.send(t, sandbox.Event{Type: sandbox.EventStderr, Data: "warn\n"})
	x.barrier(t)

	rec = f.coord.Record()
	assert.Equal(t, "running", rec.Phase)
	assert.Equal(t, "Running Python…", rec.Message)
	assert.Equal(t, int64(2), rec.StdoutBytes)
	assert.Equal(t, int64(5), rec.StderrBytes)
	assert.Equal(t, "1\n", f.store.Text(store.RegionStdout))

	x.send(t, sandbox.Event{Type: sandbox.EventFinished, ElapsedMs: 42})
	x.barrier(t)

	rec = f.coord.Record()
	assert.Equal(t, types.RunStateFinished, rec.State)
	assert.Equal(t, PhaseFinished, rec.Phase)
	require.NotNil(t, rec.ElapsedMs)
	assert.Equal(t, int64(42), *rec.ElapsedMs)
	assert.Empty(t, f.coord.ActiveRunID())
	assert.Equal(t, int32(1), x.terminations.Load())

	history := f.coord.History()
	require.Len(t, history, 1)
	assert.Equal(t, runID, history[0].RunID)
	assert.Equal(t, types.RunStateFinished, history[0].State)
	assert.Equal(t, types.LanguagePython, history[0].Language)
	assert.Equal(t, int64(2), history[0].StdoutBytes)
}

func TestJavaScriptStartsRunning(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.RunCode(context.Background(), types.LanguageJavaScript)
	require.NoError(t, err)

	rec := f.coord.Record()
	assert.Equal(t, PhaseRunning, rec.Phase)
	assert.Equal(t, "Running JavaScript…", rec.Message)
	assert.Equal(t, types.LanguageJavaScript, rec.Language)
}

func TestNewRunClearsStreams(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.store.Mutate(func(txn *store.Txn) error {
		txn.Append(store.RegionStdout, "old output")
		txn.Append(store.RegionStderr, "old errors")
		return nil
	}))

	_, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	require.NoError(t, err)
	assert.Empty(t, f.store.Text(store.RegionStdout))
	assert.Empty(t, f.store.Text(store.RegionStderr))
	assert.Zero(t, f.coord.Record().StdoutBytes)
}

func TestRunMutualExclusion(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	require.NoError(t, err)
	_, err = f.coord.RunCode(context.Background(), types.LanguagePython)

	reason, ok := IsAdmissionError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonBusy, reason)
	assert.Equal(t, 1, f.sb.starts())
}

func TestRunMutualExclusionWhileAdmitting(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	f := newFixture(t, func(cfg *Config) {
		cfg.Gate = gateFunc(func(ctx context.Context, roomID string) (ratelimit.Decision, error) {
			close(entered)
			<-release
			return ratelimit.Decision{Allowed: true}, nil
		})
	})

	done := make(chan error, 1)
	go func() {
		_, err := f.coord.RunCode(context.Background(), types.LanguagePython)
		done <- err
	}()
	<-entered

	_, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	reason, ok := IsAdmissionError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonBusy, reason)
	assert.Equal(t, types.RunStateIdle, f.coord.Record().State, "a refused request writes nothing")

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, 1, f.sb.starts())
}

func TestAdmissionDenied(t *testing.T) {
	tests := []struct {
		name     string
		identity types.Identity
		synced   bool
		lang     types.Language
		reason   Reason
		wantErr  error
	}{
		{name: "viewer", identity: types.Identity{ID: "bob"}, synced: true, lang: types.LanguagePython, reason: ReasonNotEditor},
		{name: "not synced", identity: types.Identity{ID: "alice"}, synced: false, lang: types.LanguagePython, reason: ReasonNotSynced},
		{name: "invalid language", identity: types.Identity{ID: "alice"}, synced: true, lang: "ruby", wantErr: ErrInvalidLanguage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, func(cfg *Config) {
				cfg.Identity = tt.identity
				synced := tt.synced
				cfg.Synced = func() bool { return synced }
			})
			before := f.coord.Record()

			_, err := f.coord.RunCode(context.Background(), tt.lang)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				reason, ok := IsAdmissionError(err)
				require.True(t, ok)
				assert.Equal(t, tt.reason, reason)
			}
			assert.Equal(t, before, f.coord.Record())
			assert.Zero(t, f.sb.starts())
		})
	}
}

func TestCancelThenLateFinish(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	require.NoError(t, err)
	x := f.sb.last()

	require.NoError(t, f.coord.CancelRun())
	rec := f.coord.Record()
	assert.Equal(t, types.RunStateCanceled, rec.State)
	assert.Equal(t, PhaseCanceled, rec.Phase)
	assert.Empty(t, rec.Error)
	assert.Equal(t, int32(1), x.terminations.Load())

	x.send(t, sandbox.Event{Type: sandbox.EventFinished, ElapsedMs: 10})
	x.barrier(t)
	assert.Equal(t, types.RunStateCanceled, f.coord.Record().State)
	assert.Empty(t, f.coord.History())
	assert.Equal(t, int32(1), x.terminations.Load())

	assert.ErrorIs(t, f.coord.CancelRun(), ErrNotRunning)
}

func TestCancelWhileStarting(t *testing.T) {
	f := newFixture(t)
	var once sync.Once
	var cancelErr error
	stop := f.store.Observe(store.RegionRun, func(store.Event) {
		if f.store.RunRecord().State != types.RunStateStarting {
			return
		}
		once.Do(func() { cancelErr = f.coord.CancelRun() })
	})
	defer stop()

	runID, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	require.ErrorIs(t, err, ErrRunEnded)
	require.NoError(t, cancelErr)
	assert.NotEmpty(t, runID)

	rec := f.coord.Record()
	assert.Equal(t, runID, rec.RunID)
	assert.Equal(t, types.RunStateCanceled, rec.State)
	assert.Equal(t, PhaseCanceled, rec.Phase)
	assert.Zero(t, f.sb.starts())
	assert.Empty(t, f.coord.ActiveRunID())
}

type blockingSandbox struct {
	*fakeSandbox
	entered chan struct{}
	release chan struct{}
}

func (s *blockingSandbox) Start(ctx context.Context, req sandbox.Request) (sandbox.Execution, error) {
	close(s.entered)
	<-s.release
	return s.fakeSandbox.Start(ctx, req)
}

func TestCancelDuringSandboxStart(t *testing.T) {
	blocking := &blockingSandbox{entered: make(chan struct{}), release: make(chan struct{})}
	f := newFixture(t, func(cfg *Config) {
		blocking.fakeSandbox = cfg.Sandbox.(*fakeSandbox)
		cfg.Sandbox = blocking
	})

	type result struct {
		runID string
		err   error
	}
	done := make(chan result, 1)
	go func() {
		runID, err := f.coord.RunCode(context.Background(), types.LanguagePython)
		done <- result{runID, err}
	}()

	select {
	case <-blocking.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("sandbox was never started")
	}
	require.NoError(t, f.coord.CancelRun())
	close(blocking.release)

	var res result
	select {
	case res = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run never returned")
	}
	require.ErrorIs(t, res.err, ErrRunEnded)

	x := f.sb.last()
	assert.Equal(t, int32(1), x.terminations.Load())
	assert.Empty(t, f.coord.ActiveRunID())
	rec := f.coord.Record()
	assert.Equal(t, res.runID, rec.RunID)
	assert.Equal(t, types.RunStateCanceled, rec.State)
	assert.Empty(t, f.coord.History())
}

func TestCancelWithoutRun(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.coord.CancelRun(), ErrNotRunning)
}

func TestWatchdog(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	require.NoError(t, err)
	x := f.sb.last()

	f.clock.Advance(10 * time.Second)
	x.send(t, sandbox.Event{Type: sandbox.EventStdout, Data: "tick\n"})
	x.barrier(t)

	// output re-arms the watchdog
	f.clock.Advance(9 * time.Second)
	assert.Equal(t, types.RunStateRunning, f.coord.Record().State)

	// the python wall clock fires before the re-armed watchdog
	f.clock.Advance(7 * time.Second)
	rec := f.coord.Record()
	require.Equal(t, types.RunStateError, rec.State)
	assert.Equal(t, PhaseTimeout, rec.Phase)
}

func TestWatchdogStalled(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	require.NoError(t, err)
	x := f.sb.last()

	f.clock.Advance(WatchdogTimeout)
	rec := f.coord.Record()
	assert.Equal(t, types.RunStateError, rec.State)
	assert.Equal(t, PhaseStalled, rec.Phase)
	assert.NotEmpty(t, rec.Error)
	assert.Contains(t, f.store.Text(store.RegionStderr), "Run stalled")
	assert.Equal(t, int32(1), x.terminations.Load())

	f.clock.Advance(PythonTimeout)
	x.send(t, sandbox.Event{Type: sandbox.EventError, Message: "late"})
	x.barrier(t)
	assert.Equal(t, int32(1), x.terminations.Load(), "terminated exactly once")
	assert.Equal(t, PhaseStalled, f.coord.Record().Phase)
}

func TestWallClockTimeout(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.RunCode(context.Background(), types.LanguageJavaScript)
	require.NoError(t, err)
	x := f.sb.last()

	f.clock.Advance(JavaScriptTimeout)
	rec := f.coord.Record()
	assert.Equal(t, types.RunStateError, rec.State)
	assert.Equal(t, PhaseTimeout, rec.Phase)
	assert.Equal(t, "Timed out", rec.Message)
	assert.Equal(t, "Run timed out after 8000ms", rec.Error)
	assert.Equal(t, "Run timed out after 8000ms\n", f.store.Text(store.RegionStderr))
	assert.Equal(t, int64(len("Run timed out after 8000ms\n")), rec.StderrBytes)
	assert.Equal(t, int32(1), x.terminations.Load())
}

func TestExecutionError(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	require.NoError(t, err)
	x := f.sb.last()

	x.send(t, sandbox.Event{Type: sandbox.EventStderr, Data: "Traceback\n"})
	x.send(t, sandbox.Event{Type: sandbox.EventError, Message: "NameError: x"})
	x.barrier(t)

	rec := f.coord.Record()
	assert.Equal(t, types.RunStateError, rec.State)
	assert.Equal(t, "NameError: x", rec.Error)
	assert.Equal(t, PhaseError, rec.Phase)
	assert.Equal(t, "Traceback\nNameError: x\n", f.store.Text(store.RegionStderr))
	assert.Empty(t, f.coord.History())
}

func TestStreamClosedWithoutTerminalEvent(t *testing.T) {
	f := newFixture(t)
	_, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	require.NoError(t, err)

	f.sb.last().close()
	assert.Eventually(t, func() bool {
		return f.coord.Record().State == types.RunStateError
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, "Run ended unexpectedly", f.coord.Record().Error)
	assert.Empty(t, f.coord.ActiveRunID())
}

func TestSandboxStartFailure(t *testing.T) {
	f := newFixture(t)
	f.sb.err = errors.New("no interpreter")

	runID, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	require.Error(t, err)
	assert.NotEmpty(t, runID)

	rec := f.coord.Record()
	assert.Equal(t, types.RunStateError, rec.State)
	assert.Equal(t, "no interpreter", rec.Error)
	assert.Equal(t, "no interpreter\n", f.store.Text(store.RegionStderr))
	assert.Empty(t, f.coord.ActiveRunID())
}

func TestRateLimitedSoftBlock(t *testing.T) {
	limit, window, remaining := 3, 60, 0
	reset := int64(1700000060000)
	f := newFixture(t, func(cfg *Config) {
		cfg.Gate = gateFunc(func(ctx context.Context, roomID string) (ratelimit.Decision, error) {
			assert.Equal(t, "room-1", roomID)
			return ratelimit.Decision{Limit: &limit, WindowSec: &window, Remaining: &remaining, ResetMs: &reset}, nil
		})
	})

	_, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	reason, ok := IsAdmissionError(err)
	require.True(t, ok)
	assert.Equal(t, ReasonRateLimited, reason)
	assert.Zero(t, f.sb.starts())

	rec := f.coord.Record()
	assert.Equal(t, types.RunStateIdle, rec.State)
	assert.Equal(t, PhaseRateLimited, rec.Phase)
	assert.Equal(t, "Rate limit reached: 3 run per 60s.", rec.Message)
	require.NotNil(t, rec.RateLimitLimit)
	assert.Equal(t, 3, *rec.RateLimitLimit)
	require.NotNil(t, rec.RateLimitResetMs)
	assert.Equal(t, reset, *rec.RateLimitResetMs)
}

func TestRateLimitFailsOpen(t *testing.T) {
	f := newFixture(t, func(cfg *Config) {
		cfg.Gate = gateFunc(func(ctx context.Context, roomID string) (ratelimit.Decision, error) {
			return ratelimit.Decision{}, errors.New("gate down")
		})
	})

	_, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	require.NoError(t, err)
	assert.Equal(t, types.RunStateRunning, f.coord.Record().State)
}

func TestAdmissionClearsRateLimitFields(t *testing.T) {
	limit := 3
	throttle := true
	f := newFixture(t, func(cfg *Config) {
		cfg.Gate = gateFunc(func(ctx context.Context, roomID string) (ratelimit.Decision, error) {
			if throttle {
				return ratelimit.Decision{Limit: &limit}, nil
			}
			return ratelimit.Decision{Allowed: true}, nil
		})
	})

	_, err := f.coord.RunCode(context.Background(), types.LanguagePython)
	require.Error(t, err)
	require.NotNil(t, f.coord.Record().RateLimitLimit)

	throttle = false
	_, err = f.coord.RunCode(context.Background(), types.LanguagePython)
	require.NoError(t, err)
	assert.Nil(t, f.coord.Record().RateLimitLimit)
}

func TestHistoryPruning(t *testing.T) {
	f := newFixture(t)

	var ids []string
	for i := 0; i < types.HistoryLimit+2; i++ {
		runID, err := f.coord.RunCode(context.Background(), types.LanguagePython)
		require.NoError(t, err)
		ids = append(ids, runID)
		x := f.sb.last()
		x.send(t, sandbox.Event{Type: sandbox.EventFinished, ElapsedMs: int64(i)})
		x.barrier(t)
	}

	history := f.coord.History()
	require.Len(t, history, types.HistoryLimit)
	assert.Equal(t, ids[2], history[0].RunID)
	assert.Equal(t, ids[len(ids)-1], history[len(history)-1].RunID)
}

// link pipes local updates of a into b and back
func link(a, b *store.Store) {
	a.OnUpdate(func(u []byte, origin store.Origin) {
		if origin == store.OriginLocal {
			_ = b.ApplyRemoteUpdate(u, store.OriginRemote)
		}
	})
	b.OnUpdate(func(u []byte, origin store.Origin) {
		if origin == store.OriginLocal {
			_ = a.ApplyRemoteUpdate(u, store.OriginRemote)
		}
	})
}

func TestRemoteCancelTerminatesLocalRun(t *testing.T) {
	f := newFixture(t)

	remote := store.New("b")
	full, err := f.store.EncodeFullState()
	require.NoError(t, err)
	require.NoError(t, remote.ApplyRemoteUpdate(full, store.OriginRemote))
	link(f.store, remote)

	other := New(Config{Store: remote, Identity: types.Identity{ID: "bob"}, Sandbox: &fakeSandbox{}, Clock: f.clock})

	_, err = f.coord.RunCode(context.Background(), types.LanguagePython)
	require.NoError(t, err)
	x := f.sb.last()
	assert.Equal(t, types.RunStateRunning, other.Record().State)

	require.NoError(t, other.CancelRun())

	assert.Equal(t, types.RunStateCanceled, f.coord.Record().State)
	assert.Empty(t, f.coord.ActiveRunID())
	assert.Equal(t, int32(1), x.terminations.Load())

	x.send(t, sandbox.Event{Type: sandbox.EventFinished})
	x.barrier(t)
	assert.Equal(t, types.RunStateCanceled, other.Record().State)
}

func TestTimeout(t *testing.T) {
	assert.Equal(t, 20*time.Second, Timeout(types.LanguagePython))
	assert.Equal(t, 8*time.Second, Timeout(types.LanguageJavaScript))
}
