package tracing

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/seantiz/flextest/internal/events"
	"github.com/seantiz/flextest/internal/model"
)

const instrumentationName = "github.com/seantiz/flextest"

// Sink turns run and benchmark events into spans. A run becomes a parent
// span with one child per unit; each benchmark execution becomes one span.
type Sink struct {
	tracer trace.Tracer

	mu   sync.Mutex
	runs map[string]trace.Span
}

var _ events.Sink = (*Sink)(nil)

// NewSink creates a sink on tp. A nil provider uses the global one.
func NewSink(tp trace.TracerProvider) *Sink {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &Sink{
		tracer: tp.Tracer(instrumentationName),
		runs:   make(map[string]trace.Span),
	}
}

// Emit records ev.
func (s *Sink) Emit(ev model.Event) {
	switch ev.Kind {
	case model.EventRunStarted:
		_, span := s.tracer.Start(context.Background(), "run",
			trace.WithTimestamp(ev.Time),
			trace.WithAttributes(attribute.String("flextest.run_id", ev.RunID)),
		)
		s.mu.Lock()
		s.runs[ev.RunID] = span
		s.mu.Unlock()

	case model.EventRunFinished:
		s.mu.Lock()
		span, ok := s.runs[ev.RunID]
		delete(s.runs, ev.RunID)
		s.mu.Unlock()
		if ok {
			span.End(trace.WithTimestamp(ev.Time))
		}

	case model.EventUnitRan:
		if ev.Unit != nil {
			s.unit(ev)
		}

	case model.EventBenchmarkCompleted:
		if ev.Benchmark != nil {
			s.benchmark(ev)
		}
	}
}

func (s *Sink) unit(ev model.Event) {
	res := ev.Unit
	ctx := context.Background()
	s.mu.Lock()
	if parent, ok := s.runs[ev.RunID]; ok {
		ctx = trace.ContextWithSpan(ctx, parent)
	}
	s.mu.Unlock()

	start, end := ev.Time, ev.Time
	if res.StartedAt != nil {
		start = *res.StartedAt
	}
	if res.FinishedAt != nil {
		end = *res.FinishedAt
	}

	attrs := []attribute.KeyValue{
		attribute.String("flextest.unit", res.Name),
		attribute.String("flextest.category", res.Category),
		attribute.String("flextest.status", res.Status),
	}
	for name, m := range res.Metrics {
		attrs = append(attrs, attribute.String("flextest.metric."+name, m.Display))
	}
	_, span := s.tracer.Start(ctx, res.Name, trace.WithTimestamp(start), trace.WithAttributes(attrs...))
	for _, m := range res.Milestones {
		span.AddEvent(m.Name, trace.WithTimestamp(start.Add(m.At)))
	}
	if res.Status == model.StatusFailed {
		span.SetStatus(codes.Error, res.FailureReason)
	}
	span.End(trace.WithTimestamp(end))
}

func (s *Sink) benchmark(ev model.Event) {
	sum := ev.Benchmark
	end := ev.Time
	start := end.Add(-sum.Duration)

	attrs := []attribute.KeyValue{
		attribute.String("flextest.benchmark", sum.Benchmark),
		attribute.String("flextest.run_id", ev.RunID),
		attribute.Int("flextest.iterations", sum.Iterations),
		attribute.Int("flextest.warmups", sum.Warmups),
	}
	if sum.Average != nil {
		attrs = append(attrs, attribute.Int64("flextest.average_ns", int64(*sum.Average/time.Nanosecond)))
	}
	if sum.Deviation != nil {
		attrs = append(attrs, attribute.Int64("flextest.deviation_ns", int64(*sum.Deviation/time.Nanosecond)))
	}
	_, span := s.tracer.Start(context.Background(), sum.Benchmark, trace.WithTimestamp(start), trace.WithAttributes(attrs...))
	if !sum.Succeeded {
		span.SetStatus(codes.Error, sum.Error)
	}
	span.End(trace.WithTimestamp(end))
}
