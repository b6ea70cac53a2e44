package tracing_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/seantiz/flextest/internal/model"
	"github.com/seantiz/flextest/internal/tracing"
)

func newRecorder(t *testing.T) (*tracetest.SpanRecorder, *tracing.Sink) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return rec, tracing.NewSink(tp)
}

func TestSetupNoopWhenEndpointEmpty(t *testing.T) {
	shutdown, err := tracing.Setup(context.Background(), "test-service", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetupCreatesProviderWhenEndpointSet(t *testing.T) {
	// Use a non-routable address so no actual export happens.
	shutdown, err := tracing.Setup(context.Background(), "test-service", "http://192.0.2.1:4318")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestUnitSpansNestUnderRun(t *testing.T) {
	rec, sink := newRecorder(t)
	start := time.Now()
	finish := start.Add(5 * time.Millisecond)

	sink.Emit(model.Event{Kind: model.EventRunStarted, RunID: "r1", Time: start})
	sink.Emit(model.Event{Kind: model.EventUnitRan, RunID: "r1", Time: finish, Unit: &model.UnitResult{
		Name: "A", Category: "Storage", Status: model.StatusFailed, FailureReason: "boom",
		StartedAt: &start, FinishedAt: &finish,
		Milestones: []model.Milestone{{Name: "loaded", At: time.Millisecond}},
	}})
	sink.Emit(model.Event{Kind: model.EventRunFinished, RunID: "r1", Time: finish})

	spans := rec.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}
	unit, run := spans[0], spans[1]
	if unit.Name() != "A" || run.Name() != "run" {
		t.Fatalf("span names = %q, %q", unit.Name(), run.Name())
	}
	if unit.Parent().SpanID() != run.SpanContext().SpanID() {
		t.Error("unit span is not a child of the run span")
	}
	if unit.Status().Code != codes.Error || unit.Status().Description != "boom" {
		t.Errorf("status = %+v", unit.Status())
	}
	if len(unit.Events()) != 1 {
		t.Errorf("events = %d, want 1 milestone", len(unit.Events()))
	}
	if got := unit.EndTime().Sub(unit.StartTime()); got != 5*time.Millisecond {
		t.Errorf("span duration = %v, want 5ms", got)
	}
}

func TestBenchmarkSpan(t *testing.T) {
	rec, sink := newRecorder(t)
	avg := 2 * time.Millisecond
	sink.Emit(model.Event{Kind: model.EventBenchmarkCompleted, RunID: "b1", Time: time.Now(), Benchmark: &model.BenchmarkSummary{
		Benchmark: `Math\Sum`, Succeeded: true, Iterations: 3, Duration: 10 * time.Millisecond, Average: &avg,
	}})

	spans := rec.Ended()
	if len(spans) != 1 || spans[0].Name() != `Math\Sum` {
		t.Fatalf("spans = %v", spans)
	}
	if spans[0].Status().Code == codes.Error {
		t.Error("successful benchmark should not have error status")
	}
}
