package health

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cuemby/pairpilot/pkg/log"
	"github.com/rs/zerolog"
)

// Reporter receives the health of each monitored dependency.
// metrics.HealthChecker implements it.
type Reporter interface {
	Set(name string, healthy bool, message string)
}

type probe struct {
	name    string
	checker Checker
	status  *Status
}

// Monitor probes dependencies periodically and reports their health
type Monitor struct {
	reporter Reporter
	cfg      Config
	logger   zerolog.Logger

	mu     sync.Mutex
	probes []*probe
	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor reporting to reporter. Zero config fields
// take the defaults.
func NewMonitor(reporter Reporter, cfg Config) *Monitor {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.Retries <= 0 {
		cfg.Retries = def.Retries
	}
	return &Monitor{
		reporter: reporter,
		cfg:      cfg,
		logger:   log.WithComponent("health"),
	}
}

// Add registers a dependency under name
func (m *Monitor) Add(name string, checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes = append(m.probes, &probe{name: name, checker: checker, status: NewStatus()})
}

// RunOnce probes every dependency and reports the results
func (m *Monitor) RunOnce(ctx context.Context) {
	m.mu.Lock()
	probes := append([]*probe(nil), m.probes...)
	m.mu.Unlock()

	for _, p := range probes {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
		res := p.checker.Check(cctx)
		cancel()

		m.mu.Lock()
		was := p.status.Healthy
		p.status.Update(res, m.cfg)
		healthy := p.status.Healthy
		m.mu.Unlock()

		if was != healthy {
			ev := m.logger.Warn()
			if healthy {
				ev = m.logger.Info()
			}
			ev.Str("dependency", p.name).
				Str("check", string(p.checker.Type())).
				Bool("healthy", healthy).
				Msg(res.Message)
		}
		m.reporter.Set(p.name, healthy, res.Message)
	}
}

// Start probes immediately and then every interval until Stop
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	done := m.done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		m.RunOnce(ctx)
		for {
			select {
			case <-ticker.C:
				m.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops probing and waits for an in-flight round
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Statuses returns the last known status per dependency
func (m *Monitor) Statuses() map[string]Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]Status, len(m.probes))
	for _, p := range m.probes {
		out[p.name] = *p.status
	}
	return out
}

// Names returns the monitored dependency names, sorted
func (m *Monitor) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.probes))
	for _, p := range m.probes {
		names = append(names, p.name)
	}
	sort.Strings(names)
	return names
}
