package model

import "time"

// EventKind names the progress notifications emitted by the engine and the
// benchmark harness.
type EventKind string

// Event kinds.
const (
	EventRunStarted          EventKind = "run.started"
	EventUnitRan             EventKind = "unit.ran"
	EventRunFinished         EventKind = "run.finished"
	EventIterationStarted    EventKind = "bench.iteration.started"
	EventIterationCompleted  EventKind = "bench.iteration.completed"
	EventBenchmarkCompleted  EventKind = "bench.completed"
	EventBenchmarkRunStarted EventKind = "bench.started"
)

// Event is a single progress notification. Only the fields relevant to the
// kind are populated.
type Event struct {
	Kind      EventKind         `json:"kind"`
	RunID     string            `json:"run_id"`
	Subject   string            `json:"subject,omitempty"`
	Time      time.Time         `json:"time"`
	Iteration int               `json:"iteration,omitempty"`
	Warmup    bool              `json:"warmup,omitempty"`
	Elapsed   time.Duration     `json:"elapsed,omitempty"`
	Unit      *UnitResult       `json:"unit,omitempty"`
	Benchmark *BenchmarkSummary `json:"benchmark,omitempty"`
}
