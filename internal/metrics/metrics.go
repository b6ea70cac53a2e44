// Package metrics exports unit and benchmark outcomes to Prometheus. Sink
// turns engine and harness events into observations on the default
// registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/seantiz/flextest/internal/events"
	"github.com/seantiz/flextest/internal/model"
)

// Label values for benchmark outcomes and iteration phases.
const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"

	phaseWarmup   = "warmup"
	phaseMeasured = "measured"
)

var (
	unitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flextest_units_total",
			Help: "Total number of units by final status.",
		},
		[]string{"status"},
	)

	unitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flextest_unit_duration_seconds",
			Help:    "Unit execution time in seconds, including fixture hooks.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"category"},
	)

	iterationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flextest_benchmark_iteration_seconds",
			Help:    "Benchmark iteration time in seconds.",
			Buckets: prometheus.ExponentialBuckets(1e-6, 4, 14),
		},
		[]string{"phase"},
	)

	benchmarksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flextest_benchmarks_total",
			Help: "Total number of benchmark executions by outcome.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(unitsTotal)
	prometheus.MustRegister(unitDuration)
	prometheus.MustRegister(iterationDuration)
	prometheus.MustRegister(benchmarksTotal)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup.
	for _, s := range []string{model.StatusPassed, model.StatusFailed, model.StatusSkipped} {
		unitsTotal.WithLabelValues(s)
	}
	benchmarksTotal.WithLabelValues(statusSucceeded)
	benchmarksTotal.WithLabelValues(statusFailed)
}

// Sink records events as Prometheus observations.
type Sink struct{}

var _ events.Sink = Sink{}

// Emit records ev. Events of other kinds are ignored.
func (Sink) Emit(ev model.Event) {
	switch ev.Kind {
	case model.EventUnitRan:
		if ev.Unit == nil {
			return
		}
		unitsTotal.WithLabelValues(ev.Unit.Status).Inc()
		if ev.Unit.Status != model.StatusSkipped {
			unitDuration.WithLabelValues(ev.Unit.Category).Observe(ev.Unit.Elapsed.Seconds())
		}
	case model.EventIterationCompleted:
		phase := phaseMeasured
		if ev.Warmup {
			phase = phaseWarmup
		}
		iterationDuration.WithLabelValues(phase).Observe(ev.Elapsed.Seconds())
	case model.EventBenchmarkCompleted:
		status := statusFailed
		if ev.Benchmark != nil && ev.Benchmark.Succeeded {
			status = statusSucceeded
		}
		benchmarksTotal.WithLabelValues(status).Inc()
	}
}
