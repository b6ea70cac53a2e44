package host

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/seantiz/flextest/internal/events"
	"github.com/seantiz/flextest/internal/model"
	"github.com/seantiz/flextest/internal/store"
)

// ledger persists unit and benchmark results as their events arrive.
type ledger struct {
	store  store.Store
	runID  string
	logger *slog.Logger
	seq    atomic.Int32
}

var _ events.Sink = (*ledger)(nil)

func (l *ledger) Emit(ev model.Event) {
	// Writes outlive cancellation of the run itself.
	ctx := context.Background()
	switch {
	case ev.Kind == model.EventUnitRan && ev.Unit != nil:
		seq := int(l.seq.Add(1) - 1)
		if err := l.store.InsertUnitResult(ctx, l.runID, seq, *ev.Unit); err != nil {
			l.logger.Error("failed to persist unit result", "run_id", l.runID, "unit", ev.Subject, "error", err)
		}
	case ev.Kind == model.EventBenchmarkCompleted && ev.Benchmark != nil:
		seq := int(l.seq.Add(1) - 1)
		if err := l.store.InsertBenchmarkResult(ctx, l.runID, seq, *ev.Benchmark); err != nil {
			l.logger.Error("failed to persist benchmark result", "run_id", l.runID, "benchmark", ev.Subject, "error", err)
		}
	}
}

// retag rewrites the run ID of every event so benchmark events, which carry
// their result set ID, are published under the host run.
func retag(runID string, sink events.Sink) events.Sink {
	return events.SinkFunc(func(ev model.Event) {
		ev.RunID = runID
		sink.Emit(ev)
	})
}
