package types

import "time"

// SchemaVersion is written into the run region so peers can detect layout changes
const SchemaVersion = 1

// HistoryLimit bounds the replicated run history
const HistoryLimit = 10

// Identity is the durable, authenticated user of a peer
type Identity struct {
	ID          string
	DisplayName string
}

// Role gates editing and running inside a room
type Role string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
)

// ValidRole reports whether r may be stored in the role map
func ValidRole(r Role) bool {
	return r == RoleViewer || r == RoleEditor
}

// Language selects the interpreter of a run
type Language string

const (
	LanguagePython     Language = "python"
	LanguageJavaScript Language = "javascript"
)

// DefaultLanguage is used when the run record carries no language yet
const DefaultLanguage = LanguagePython

// ValidLanguage reports whether l is a supported language
func ValidLanguage(l Language) bool {
	return l == LanguagePython || l == LanguageJavaScript
}

// RunState is the phase of the shared run state machine
type RunState string

const (
	RunStateIdle     RunState = "idle"
	RunStateStarting RunState = "starting"
	RunStateRunning  RunState = "running"
	RunStateFinished RunState = "finished"
	RunStateError    RunState = "error"
	RunStateCanceled RunState = "canceled"
)

// IsBusy reports whether a run currently owns the room
func (s RunState) IsBusy() bool {
	return s == RunStateStarting || s == RunStateRunning
}

// IsTerminal reports whether s ends a run
func (s RunState) IsTerminal() bool {
	return s == RunStateFinished || s == RunStateError || s == RunStateCanceled
}

// RunRecord is the replicated state of the current (or last) run.
// Empty strings and nil pointers are stored as null.
type RunRecord struct {
	State              RunState
	RunID              string
	RunBy              string
	Language           Language
	Phase              string
	Message            string
	RateLimitLimit     *int
	RateLimitWindowSec *int
	RateLimitRemaining *int
	RateLimitResetMs   *int64
	ElapsedMs          *int64
	StdoutBytes        int64
	StderrBytes        int64
	Error              string
}

// DefaultRunRecord is the record observed before any run happened
func DefaultRunRecord() RunRecord {
	return RunRecord{
		State:    RunStateIdle,
		Language: DefaultLanguage,
	}
}

// RunSummary is an immutable entry of the run history
type RunSummary struct {
	RunID       string    `json:"runId"`
	RunBy       string    `json:"runBy"`
	Language    Language  `json:"language"`
	State       RunState  `json:"state"`
	FinishedAt  time.Time `json:"finishedAt"`
	ElapsedMs   *int64    `json:"elapsedMs"`
	StdoutBytes int64     `json:"stdoutBytes"`
	StderrBytes int64     `json:"stderrBytes"`
}

// PresenceUser is the ephemeral, per-connection presence payload
type PresenceUser struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	ColorLight string `json:"colorLight"`
}

// Participant is the derived, role-resolved presence view
type Participant struct {
	ClientID   string
	UserID     string
	Name       string
	Role       Role
	Color      string
	ColorLight string
	IsOwner    bool
}
