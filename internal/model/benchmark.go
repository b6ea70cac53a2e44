package model

import (
	"errors"
	"math"
	"slices"
	"strings"
	"time"
)

// BenchmarkDescriptor is the immutable catalog entry for a benchmark.
type BenchmarkDescriptor struct {
	Name             string         `json:"name"`
	Category         []string       `json:"category,omitempty"`
	Variation        string         `json:"variation,omitempty"`
	WarmupIterations int            `json:"warmup_iterations"`
	TestIterations   int            `json:"test_iterations"`
	Fixture          string         `json:"fixture,omitempty"`
	Source           SourceLocation `json:"source"`
}

// ParseCategory splits a backslash-separated category path ("a\b\c").
// Empty segments are dropped.
func ParseCategory(path string) []string {
	var out []string
	for seg := range strings.SplitSeq(path, `\`) {
		if seg = strings.TrimSpace(seg); seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

// Normalize fills default iteration counts. It returns a copy.
//
// A descriptor without TestIterations gets both defaults. Once
// TestIterations is set, WarmupIterations is taken as given, so a zero
// there means no warmup. NoWarmup is accepted in either case.
func (d BenchmarkDescriptor) Normalize() BenchmarkDescriptor {
	if d.WarmupIterations < 0 {
		d.WarmupIterations = 0
	}
	if d.TestIterations <= 0 {
		d.TestIterations = DefaultTestIterations
		if d.WarmupIterations == 0 {
			d.WarmupIterations = DefaultWarmupIterations
		}
	}
	d.Category = slices.Clone(d.Category)
	return d
}

// Validate checks the fields a benchmark must carry to be executed.
func (d BenchmarkDescriptor) Validate() error {
	if d.Name == "" {
		return errors.New("benchmark name is required")
	}
	return nil
}

// FullName joins the category path, name and variation into one identity.
func (d BenchmarkDescriptor) FullName() string {
	name := d.Name
	if len(d.Category) > 0 {
		name = strings.Join(d.Category, `\`) + `\` + name
	}
	if d.Variation != "" {
		name += "[" + d.Variation + "]"
	}
	return name
}

// BenchmarkResultSet holds the durations and outcome of one benchmark
// execution. It is written by the harness worker only.
type BenchmarkResultSet struct {
	ID            string
	Benchmark     string
	Results       []time.Duration
	WarmupResults []time.Duration
	Metrics       map[string]any
	Succeeded     bool
	Error         string
	Duration      time.Duration
	Baseline      *time.Duration
	// Started and Finished bound the whole execution, warmup included.
	Started  time.Time
	Finished time.Time
}

// NewBenchmarkResultSet returns an empty result set for the named benchmark.
func NewBenchmarkResultSet(benchmark string) *BenchmarkResultSet {
	return &BenchmarkResultSet{
		ID:        NewID(),
		Benchmark: benchmark,
		Metrics:   make(map[string]any),
	}
}

// Add records one iteration duration.
func (r *BenchmarkResultSet) Add(d time.Duration, warmup bool) {
	if warmup {
		r.WarmupResults = append(r.WarmupResults, d)
		return
	}
	r.Results = append(r.Results, d)
}

// Average is the arithmetic mean of the measured durations.
func (r *BenchmarkResultSet) Average() (time.Duration, bool) {
	if len(r.Results) == 0 {
		return 0, false
	}
	var sum time.Duration
	for _, d := range r.Results {
		sum += d
	}
	return sum / time.Duration(len(r.Results)), true
}

// Variance is the range (max - min) of the measured durations. It needs at
// least two samples.
func (r *BenchmarkResultSet) Variance() (time.Duration, bool) {
	if len(r.Results) < 2 {
		return 0, false
	}
	return slices.Max(r.Results) - slices.Min(r.Results), true
}

// Deviation is the sample standard deviation of the measured durations. A
// single sample has zero deviation.
func (r *BenchmarkResultSet) Deviation() (time.Duration, bool) {
	n := len(r.Results)
	if n == 0 {
		return 0, false
	}
	if n == 1 {
		return 0, true
	}
	var mean float64
	for _, d := range r.Results {
		mean += float64(d)
	}
	mean /= float64(n)
	var sq float64
	for _, d := range r.Results {
		diff := float64(d) - mean
		sq += diff * diff
	}
	return time.Duration(math.Sqrt(sq / float64(n-1))), true
}

// Delta is the measured average minus the baseline, when both are known.
func (r *BenchmarkResultSet) Delta() (time.Duration, bool) {
	avg, ok := r.Average()
	if !ok || r.Baseline == nil {
		return 0, false
	}
	return avg - *r.Baseline, true
}

// BenchmarkSummary is the serialisable view of a result set. Statistics that
// are undefined are omitted.
type BenchmarkSummary struct {
	ID            string          `json:"id"`
	Benchmark     string          `json:"benchmark"`
	Succeeded     bool            `json:"succeeded"`
	Error         string          `json:"error,omitempty"`
	Iterations    int             `json:"iterations"`
	Warmups       int             `json:"warmups"`
	Duration      time.Duration   `json:"duration"`
	StartedAt     *time.Time      `json:"started_at,omitempty"`
	FinishedAt    *time.Time      `json:"finished_at,omitempty"`
	Average       *time.Duration  `json:"average,omitempty"`
	Variance      *time.Duration  `json:"variance,omitempty"`
	Deviation     *time.Duration  `json:"deviation,omitempty"`
	Delta         *time.Duration  `json:"delta,omitempty"`
	Results       []time.Duration `json:"results"`
	WarmupResults []time.Duration `json:"warmup_results,omitempty"`
	Metrics       map[string]any  `json:"metrics,omitempty"`
}

// Summary computes the derived statistics.
func (r *BenchmarkResultSet) Summary() BenchmarkSummary {
	s := BenchmarkSummary{
		ID:            r.ID,
		Benchmark:     r.Benchmark,
		Succeeded:     r.Succeeded,
		Error:         r.Error,
		Iterations:    len(r.Results),
		Warmups:       len(r.WarmupResults),
		Duration:      r.Duration,
		Results:       slices.Clone(r.Results),
		WarmupResults: slices.Clone(r.WarmupResults),
		Metrics:       r.Metrics,
	}
	if s.Results == nil {
		s.Results = []time.Duration{}
	}
	if !r.Started.IsZero() {
		started := r.Started
		s.StartedAt = &started
	}
	if !r.Finished.IsZero() {
		finished := r.Finished
		s.FinishedAt = &finished
	}
	s.Average = optional(r.Average())
	s.Variance = optional(r.Variance())
	s.Deviation = optional(r.Deviation())
	s.Delta = optional(r.Delta())
	return s
}

func optional(d time.Duration, ok bool) *time.Duration {
	if !ok {
		return nil
	}
	return &d
}
