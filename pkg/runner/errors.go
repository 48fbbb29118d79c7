package runner

import (
	"errors"
	"fmt"
)

// Reason explains why a run request was refused
type Reason string

const (
	ReasonBusy        Reason = "busy"
	ReasonNotEditor   Reason = "not-editor"
	ReasonNotSynced   Reason = "not-synced"
	ReasonRateLimited Reason = "rate-limited"
)

// AdmissionError is returned by RunCode when a run is not admitted. Apart
// from the rate-limit notice, a refused request leaves the store untouched.
type AdmissionError struct {
	Reason  Reason
	Message string
}

func (e *AdmissionError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("run not admitted (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("run not admitted (%s)", e.Reason)
}

var (
	// ErrNotRunning is returned by CancelRun when no run is in progress
	ErrNotRunning = errors.New("no run in progress")
	// ErrRunEnded is returned by RunCode when the admitted run was canceled
	// or replaced before its sandbox was running
	ErrRunEnded = errors.New("run ended before it started")
	// ErrInvalidLanguage is returned for languages no sandbox supports
	ErrInvalidLanguage = errors.New("invalid language")
)

// IsAdmissionError reports whether err refused a run, and why
func IsAdmissionError(err error) (Reason, bool) {
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae.Reason, true
	}
	return "", false
}
