package health

import (
	"context"
	"time"
)

// CheckType identifies how a dependency is probed
type CheckType string

const (
	CheckTypeHTTP CheckType = "http"
	CheckTypeTCP  CheckType = "tcp"
	CheckTypePing CheckType = "ping"
)

// Result is the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// Checker probes one dependency
type Checker interface {
	Check(ctx context.Context) Result
	Type() CheckType
}

// Config controls how often dependencies are probed
type Config struct {
	// Interval is the time between probes
	Interval time.Duration

	// Timeout bounds each probe
	Timeout time.Duration

	// Retries is the number of consecutive failures before a dependency is
	// reported unhealthy
	Retries int
}

// DefaultConfig returns the probe settings used by the relay and API
func DefaultConfig() Config {
	return Config{
		Interval: 15 * time.Second,
		Timeout:  5 * time.Second,
		Retries:  3,
	}
}

// Status tracks consecutive results for one dependency
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastResult           Result
	Healthy              bool
}

// NewStatus returns a status that is healthy until proven otherwise
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds result into the status. A single success restores health;
// failures only count once they reach cfg.Retries.
func (s *Status) Update(result Result, cfg Config) {
	s.LastResult = result

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
		return
	}

	s.ConsecutiveFailures++
	s.ConsecutiveSuccesses = 0
	if s.ConsecutiveFailures >= cfg.Retries {
		s.Healthy = false
	}
}

func result(start time.Time, healthy bool, msg string) Result {
	return Result{
		Healthy:   healthy,
		Message:   msg,
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}
