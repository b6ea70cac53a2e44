package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/seantiz/flextest/internal/model"
)

func TestMetricsRegistered(t *testing.T) {
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}

	expected := []string{
		"flextest_units_total",
		"flextest_benchmarks_total",
	}

	found := make(map[string]bool)
	for _, fam := range families {
		found[fam.GetName()] = true
	}

	for _, name := range expected {
		if !found[name] {
			t.Errorf("metric %q not registered", name)
		}
	}
}

func TestUnitRanCountsStatus(t *testing.T) {
	before := counterValue(t, "flextest_units_total", "status", model.StatusFailed)

	Sink{}.Emit(model.Event{
		Kind: model.EventUnitRan,
		Unit: &model.UnitResult{Name: "A", Category: "Storage", Status: model.StatusFailed, Elapsed: 5 * time.Millisecond},
	})

	if got := counterValue(t, "flextest_units_total", "status", model.StatusFailed); got != before+1 {
		t.Errorf("failed units = %v, want %v", got, before+1)
	}
	if histogramCount(t, "flextest_unit_duration_seconds", "category", "Storage") == 0 {
		t.Error("unit duration has no observations")
	}
}

func TestIterationPhases(t *testing.T) {
	s := Sink{}
	s.Emit(model.Event{Kind: model.EventIterationCompleted, Warmup: true, Elapsed: time.Millisecond})
	s.Emit(model.Event{Kind: model.EventIterationCompleted, Elapsed: time.Millisecond})

	for _, phase := range []string{phaseWarmup, phaseMeasured} {
		if histogramCount(t, "flextest_benchmark_iteration_seconds", "phase", phase) == 0 {
			t.Errorf("phase %q has no observations", phase)
		}
	}
}

func TestBenchmarkOutcome(t *testing.T) {
	before := counterValue(t, "flextest_benchmarks_total", "status", statusSucceeded)
	Sink{}.Emit(model.Event{Kind: model.EventBenchmarkCompleted, Benchmark: &model.BenchmarkSummary{Succeeded: true}})
	if got := counterValue(t, "flextest_benchmarks_total", "status", statusSucceeded); got != before+1 {
		t.Errorf("succeeded benchmarks = %v, want %v", got, before+1)
	}
}

func find(t *testing.T, name, label, value string) *dto.Metric {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, fam := range families {
		if fam.GetName() != name {
			continue
		}
		for _, m := range fam.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m
				}
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, name, label, value string) float64 {
	t.Helper()
	m := find(t, name, label, value)
	if m == nil || m.GetCounter() == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func histogramCount(t *testing.T, name, label, value string) uint64 {
	t.Helper()
	m := find(t, name, label, value)
	if m == nil || m.GetHistogram() == nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}
