package health

import (
	"context"
	"fmt"
	"net"
	"time"
)

// TCPChecker succeeds when a TCP connection to Address can be opened
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a checker for address
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{
		Address: address,
		Timeout: 5 * time.Second,
	}
}

// Check dials Address
func (t *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()

	dialer := &net.Dialer{Timeout: t.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.Address)
	if err != nil {
		return result(start, false, fmt.Sprintf("connection failed: %v", err))
	}
	defer conn.Close()

	return result(start, true, fmt.Sprintf("TCP connection to %s successful", t.Address))
}

// Type implements Checker
func (t *TCPChecker) Type() CheckType {
	return CheckTypeTCP
}
