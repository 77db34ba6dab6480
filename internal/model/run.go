package model

import "time"

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Run kind constants, one per host entry point.
const (
	KindRun  = "run"
	KindLoad = "load"
	KindCall = "call"
)

// Output stream tags.
const (
	StreamOut = "out"
	StreamErr = "err"
)

// DefaultEnvID names the environment that exists for the lifetime of the
// engine and can never be destroyed.
const DefaultEnvID = "default"

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning:   true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether status is a final run status.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusCancelled
}

// OutputLine is a single persisted console record emitted during a run.
type OutputLine struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Stream    string    `json:"stream"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Run records one evaluation request against an environment.
//
// Source holds the script text for KindRun, the newline-joined file list for
// KindLoad and the function name for KindCall. Result is the JSON encoding of
// the marshaled completion value.
type Run struct {
	ID          string     `json:"id"`
	EnvID       string     `json:"env_id"`
	Kind        string     `json:"kind"`
	Status      string     `json:"status"`
	Source      string     `json:"source"`
	Specifier   string     `json:"specifier,omitempty"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	ErrorLine   *int       `json:"error_line,omitempty"`
	ErrorColumn *int       `json:"error_column,omitempty"`
	TimeoutS    *int       `json:"timeout_s,omitempty"`
	DurationMS  *int       `json:"duration_ms,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Env describes a live engine environment.
type Env struct {
	ID            string    `json:"id"`
	PendingTimers int       `json:"pending_timers"`
	CreatedAt     time.Time `json:"created_at"`
}
