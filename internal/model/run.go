package model

import "time"

// Run status constants. Units reuse StatusRunning.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusErrored   = "errored"
)

// Run kinds.
const (
	RunKindTests      = "tests"
	RunKindBenchmarks = "benchmarks"
)

// runTransitions maps each run status to the statuses it may move to.
var runTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusErrored: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusCancelled: true,
		StatusErrored:   true,
	},
}

// ValidRunTransition reports whether a run may move from one status to another.
func ValidRunTransition(from, to string) bool {
	return runTransitions[from][to]
}

// RunRecord is the ledger entry for one test or benchmark run submitted
// through the execution host.
type RunRecord struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Source     string     `json:"source"`
	Status     string     `json:"status"`
	Error      string     `json:"error,omitempty"`
	Passed     int        `json:"passed"`
	Failed     int        `json:"failed"`
	Skipped    int        `json:"skipped"`
	DurationMS *int       `json:"duration_ms,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}
