package model

import (
	"errors"
	"fmt"
	"time"
)

// Unit status constants.
const (
	StatusScheduled = "scheduled"
	StatusRunning   = "running"
	StatusPassed    = "passed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// Kind distinguishes ordinary tests from performance tests and benchmarks.
type Kind string

// Unit kinds.
const (
	KindTest        Kind = "test"
	KindPerformance Kind = "performance"
	KindBenchmark   Kind = "benchmark"
)

// DefaultCategory is assigned to units registered without a category.
const DefaultCategory = "Unit Tests"

// Default iteration counts for performance tests and benchmarks.
const (
	DefaultWarmupIterations = 1
	DefaultTestIterations   = 3
)

// NoWarmup requests zero warmup iterations where a zero count would select
// the default.
const NoWarmup = -1

// TypeTag identifies a value a unit produces or consumes through the
// dependency cache.
type TypeTag string

// Well-known tags that are always available to units without a producer.
const (
	TagUnit   TypeTag = "flextest.unit"
	TagLogger TypeTag = "flextest.logger"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusScheduled: {
		StatusRunning: true,
		StatusSkipped: true,
	},
	StatusRunning: {
		StatusPassed: true,
		StatusFailed: true,
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

// IsTerminal reports whether no further transitions are possible from status.
func IsTerminal(status string) bool {
	return status == StatusPassed || status == StatusFailed || status == StatusSkipped
}

// SourceLocation points tooling at the declaration of a unit.
type SourceLocation struct {
	File string `json:"file,omitempty" yaml:"file,omitempty"`
	Line int    `json:"line,omitempty" yaml:"line,omitempty"`
}

// UnitDescriptor is the immutable catalog entry for a test. It is created at
// registration time and never mutated afterwards.
type UnitDescriptor struct {
	Name        string         `json:"name"`
	DisplayName string         `json:"display_name,omitempty"`
	Category    string         `json:"category"`
	Kind        Kind           `json:"kind"`
	Inputs      []TypeTag      `json:"inputs,omitempty"`
	Produces    TypeTag        `json:"produces,omitempty"`
	DependsOn   []string       `json:"depends_on,omitempty"`
	Fixture     string         `json:"fixture,omitempty"`
	Source      SourceLocation `json:"source"`

	// Warmup and Iterations apply to KindPerformance units only. Zero
	// selects the default; NoWarmup (kept as is by Normalize) skips warmups.
	Warmup     int `json:"warmup,omitempty"`
	Iterations int `json:"iterations,omitempty"`
}

// Normalize fills defaults and removes duplicate inputs, keeping first
// occurrence order. It returns a copy.
func (d UnitDescriptor) Normalize() UnitDescriptor {
	if d.Category == "" {
		d.Category = DefaultCategory
	}
	if d.Kind == "" {
		d.Kind = KindTest
	}
	if d.Kind == KindPerformance {
		if d.Warmup == 0 {
			d.Warmup = DefaultWarmupIterations
		}
		if d.Iterations <= 0 {
			d.Iterations = DefaultTestIterations
		}
	}
	if len(d.Inputs) > 0 {
		seen := make(map[TypeTag]bool, len(d.Inputs))
		inputs := make([]TypeTag, 0, len(d.Inputs))
		for _, tag := range d.Inputs {
			if seen[tag] {
				continue
			}
			seen[tag] = true
			inputs = append(inputs, tag)
		}
		d.Inputs = inputs
	}
	d.DependsOn = append([]string(nil), d.DependsOn...)
	return d
}

// Warmups is the number of warmup iterations a performance unit runs.
func (d UnitDescriptor) Warmups() int {
	return max(d.Warmup, 0)
}

// Validate checks the fields a descriptor must carry to be scheduled.
func (d UnitDescriptor) Validate() error {
	if d.Name == "" {
		return errors.New("unit name is required")
	}
	if d.Kind != KindTest && d.Kind != KindPerformance {
		return fmt.Errorf("unit %q: unsupported kind %q", d.Name, d.Kind)
	}
	for _, tag := range d.Inputs {
		if tag == "" {
			return fmt.Errorf("unit %q: empty input tag", d.Name)
		}
	}
	return nil
}

// Display returns the human-readable name, falling back to Name.
func (d UnitDescriptor) Display() string {
	if d.DisplayName != "" {
		return d.DisplayName
	}
	return d.Name
}

// Metric is a named measurement captured while a unit runs.
type Metric struct {
	Name    string `json:"name"`
	Value   any    `json:"value"`
	Display string `json:"display"`
}

// NewMetric builds a metric. An empty display string defaults to the
// formatted value.
func NewMetric(name string, value any, display string) (Metric, error) {
	if name == "" {
		return Metric{}, errors.New("metric name is required")
	}
	if value == nil {
		return Metric{}, fmt.Errorf("metric %q: value is required", name)
	}
	if display == "" {
		display = fmt.Sprint(value)
	}
	return Metric{Name: name, Value: value, Display: display}, nil
}

// Milestone records elapsed time at a named point inside a unit.
type Milestone struct {
	Name string        `json:"name"`
	At   time.Duration `json:"at"`
}

// UnitResult captures the outcome of one executed (or skipped) unit.
type UnitResult struct {
	Name          string            `json:"name"`
	Category      string            `json:"category"`
	Status        string            `json:"status"`
	Succeeded     bool              `json:"succeeded"`
	FailureReason string            `json:"failure_reason,omitempty"`
	Elapsed       time.Duration     `json:"elapsed"`
	StartedAt     *time.Time        `json:"started_at,omitempty"`
	FinishedAt    *time.Time        `json:"finished_at,omitempty"`
	Metrics       map[string]Metric `json:"metrics,omitempty"`
	Milestones    []Milestone       `json:"milestones,omitempty"`
}
