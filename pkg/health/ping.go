package health

import (
	"context"
	"fmt"
	"time"
)

// PingChecker wraps a client's own ping, such as a Redis PING or a pgx pool
// Ping
type PingChecker struct {
	Name string
	Ping func(ctx context.Context) error
}

// NewPingChecker creates a checker calling ping
func NewPingChecker(name string, ping func(ctx context.Context) error) *PingChecker {
	return &PingChecker{Name: name, Ping: ping}
}

// Check calls Ping
func (p *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if err := p.Ping(ctx); err != nil {
		return result(start, false, fmt.Sprintf("%s ping failed: %v", p.Name, err))
	}
	return result(start, true, p.Name+" reachable")
}

// Type implements Checker
func (p *PingChecker) Type() CheckType {
	return CheckTypePing
}
