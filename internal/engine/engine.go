package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/seantiz/flextest/internal/events"
	"github.com/seantiz/flextest/internal/fixture"
	"github.com/seantiz/flextest/internal/model"
	"github.com/seantiz/flextest/internal/scheduler"
)

var (
	// ErrRunInProgress is returned when Run is called while another run on
	// the same engine has not finished.
	ErrRunInProgress = errors.New("a run is already in progress")
	// ErrInconsistent aborts a run when a unit reaches execution with an
	// input that no earlier unit could have produced.
	ErrInconsistent = errors.New("internal consistency error")
)

// Engine executes a fixed set of tests one at a time.
type Engine struct {
	tests    []Test
	fixtures *fixture.Registry
	logger   *slog.Logger

	running atomic.Bool
	cache   *Cache

	mu   sync.Mutex
	deps map[model.TypeTag]any
}

// New creates an engine over tests. Descriptors are normalized; tests keep
// their registration order, which is the scheduling tie-break.
func New(tests []Test, fixtures *fixture.Registry, logger *slog.Logger) *Engine {
	normalized := make([]Test, len(tests))
	for i, t := range tests {
		normalized[i] = Test{UnitDescriptor: t.UnitDescriptor.Normalize(), Action: t.Action}
	}
	if fixtures == nil {
		fixtures = fixture.NewRegistry()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{
		tests:    normalized,
		fixtures: fixtures,
		logger:   logger,
		cache:    newCache(),
		deps:     make(map[model.TypeTag]any),
	}
}

// AddDependency makes value available under tag to every subsequent run.
func (e *Engine) AddDependency(tag model.TypeTag, value any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.deps[tag] = value
}

// Running reports whether a run is in progress.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// Cache returns the dependency cache. It is empty outside of a run.
func (e *Engine) Cache() *Cache {
	return e.cache
}

// Tests returns the normalized descriptors in registration order.
func (e *Engine) Tests() []model.UnitDescriptor {
	out := make([]model.UnitDescriptor, len(e.tests))
	for i, t := range e.tests {
		out[i] = t.UnitDescriptor
	}
	return out
}

// Run schedules and executes every test. Unit failures are recorded on the
// returned run; scheduling and consistency errors are returned.
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Run, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer e.running.Store(false)

	e.cache.Clear()
	defer e.cache.Clear()

	run := newRun(opts.ID)
	sink := events.OrDiscard(opts.Sink)
	logger := e.logger.With("run_id", run.ID)

	e.mu.Lock()
	for tag, v := range e.deps {
		e.cache.Set(tag, v)
	}
	e.mu.Unlock()
	for tag, v := range opts.Dependencies {
		e.cache.Set(tag, v)
	}
	available := append(e.cache.Tags(), model.TagUnit, model.TagLogger)

	order, err := scheduler.Order(e.Tests(), available)
	if err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	byName := make(map[string]Test, len(e.tests))
	for _, t := range e.tests {
		byName[t.Name] = t
	}

	fixtures := fixture.NewManager(e.fixtures)
	defer func() {
		if err := fixtures.Close(); err != nil {
			logger.Error("failed to release fixtures", "error", err)
		}
	}()

	sink.Emit(model.Event{Kind: model.EventRunStarted, RunID: run.ID, Time: run.Started})
	defer func() {
		run.Finished = time.Now().UTC()
		sink.Emit(model.Event{
			Kind:    model.EventRunFinished,
			RunID:   run.ID,
			Time:    run.Finished,
			Elapsed: run.Elapsed(),
		})
		logger.Info(fmt.Sprintf("%d tests completed in %s", len(run.Units()), run.Elapsed()),
			"passed", run.Passed(),
			"failed", run.Failed(),
			"skipped", run.Skipped(),
		)
	}()

	// producers maps each produced tag to the units already processed in
	// this run that declare it.
	producers := make(map[model.TypeTag][]string)

	for _, desc := range order {
		test := byName[desc.Name]

		var res *model.UnitResult
		switch {
		case opts.Filter != nil && !opts.Filter(desc):
			res = skipped(desc, "")
		case ctx.Err() != nil:
			res = skipped(desc, "run cancelled")
		default:
			res, err = e.runUnit(ctx, logger, fixtures, test, producers)
			if err != nil {
				return run, err
			}
		}

		if desc.Produces != "" {
			producers[desc.Produces] = append(producers[desc.Produces], desc.Name)
		}
		run.record(res)
		snapshot := *res
		sink.Emit(model.Event{
			Kind:    model.EventUnitRan,
			RunID:   run.ID,
			Subject: desc.Name,
			Time:    time.Now().UTC(),
			Elapsed: res.Elapsed,
			Unit:    &snapshot,
		})
	}
	return run, nil
}

func skipped(desc model.UnitDescriptor, reason string) *model.UnitResult {
	return &model.UnitResult{
		Name:          desc.Name,
		Category:      desc.Category,
		Status:        model.StatusSkipped,
		FailureReason: reason,
	}
}

// resolveInputs checks that every declared input is cached. A missing tag
// with an earlier producer is a unit failure; any other gap means the
// schedule was wrong.
func (e *Engine) resolveInputs(desc model.UnitDescriptor, producers map[model.TypeTag][]string) (string, error) {
	var missing []string
	for _, tag := range desc.Inputs {
		if tag == model.TagUnit || tag == model.TagLogger {
			continue
		}
		if _, ok := e.cache.Get(tag); ok {
			continue
		}
		names, ok := producers[tag]
		if !ok {
			return "", fmt.Errorf("%w: unit %q needs %q which no earlier unit produces", ErrInconsistent, desc.Name, tag)
		}
		missing = append(missing, fmt.Sprintf("%s (from %s)", tag, strings.Join(names, ", ")))
	}
	if len(missing) > 0 {
		return "missing dependency " + strings.Join(missing, "; "), nil
	}
	return "", nil
}

func (e *Engine) runUnit(ctx context.Context, logger *slog.Logger, fixtures *fixture.Manager, test Test, producers map[model.TypeTag][]string) (*model.UnitResult, error) {
	desc := test.UnitDescriptor
	res := &model.UnitResult{
		Name:     desc.Name,
		Category: desc.Category,
		Status:   model.StatusScheduled,
	}
	logger = logger.With("unit", desc.Name)

	reason, err := e.resolveInputs(desc, producers)
	if err != nil {
		return nil, err
	}

	var fx fixture.Fixture
	if reason == "" && desc.Fixture != "" {
		fx, err = fixtures.Acquire(desc.Fixture)
		if err != nil {
			reason = err.Error()
		}
	}

	res.Status = model.StatusRunning
	start := time.Now().UTC()
	res.StartedAt = &start
	logger.Debug("executing")

	if reason != "" {
		finished := time.Now().UTC()
		res.FinishedAt = &finished
		res.Status = model.StatusFailed
		res.FailureReason = reason
		logger.Error("unit failed", "error", reason)
		return res, nil
	}

	t := newT(ctx, desc, logger, e.cache, fx)
	t.start = start

	var value any
	invokeErr := invoke(fx, desc.Name, func() error {
		var err error
		if desc.Kind == model.KindPerformance {
			value, err = e.measure(t, test.Action)
		} else {
			value, err = call(t, test.Action)
		}
		return err
	})

	finished := time.Now().UTC()
	res.FinishedAt = &finished
	res.Elapsed = finished.Sub(start)
	res.Metrics = t.metrics
	res.Milestones = t.milestones

	switch {
	case t.failed:
		res.FailureReason = t.reason
	case invokeErr != nil:
		res.FailureReason = invokeErr.Error()
	}
	res.Succeeded = res.FailureReason == "" && !t.failed
	if res.Succeeded {
		res.Status = model.StatusPassed
		if desc.Produces != "" {
			e.cache.Set(desc.Produces, value)
		}
	} else {
		res.Status = model.StatusFailed
	}

	attrs := []any{"elapsed", res.Elapsed}
	for name, m := range res.Metrics {
		attrs = append(attrs, slog.String("metric."+name, m.Display))
	}
	if res.Succeeded {
		logger.Info("unit passed", attrs...)
	} else {
		if invokeErr != nil {
			attrs = append(attrs, "stack", fmt.Sprintf("%+v", invokeErr))
		}
		logger.Error("unit failed", append(attrs, "error", res.FailureReason)...)
	}
	return res, nil
}

// measure runs a performance unit through its warmup and measured
// iterations and records the average duration.
func (e *Engine) measure(t *T, action Action) (any, error) {
	desc := t.desc
	samples := model.NewBenchmarkResultSet(desc.Name)
	var value any
	warmups := desc.Warmups()
	for i := 0; i < warmups+desc.Iterations; i++ {
		if err := t.ctx.Err(); err != nil {
			return nil, err
		}
		begin := time.Now()
		v, err := call(t, action)
		elapsed := time.Since(begin)
		if err != nil || t.failed {
			return nil, err
		}
		samples.Add(elapsed, i < warmups)
		value = v
	}
	if avg, ok := samples.Average(); ok {
		t.SetMetric("average", avg, avg.String())
	}
	t.SetMetric("iterations", len(samples.Results), "")
	return value, nil
}

// invoke runs fn inside fx, converting a panic in a fixture hook into an
// error so it fails only this unit.
func invoke(fx fixture.Fixture, unit string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fixture.Invoke(fx, unit, fn)
}

// call invokes action, converting panics into errors. A Fail call has
// already recorded its reason on t.
func call(t *T, action Action) (value any, err error) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if _, ok := r.(failNow); ok {
			value, err = nil, nil
			return
		}
		value, err = nil, panicError(r)
	}()
	if action == nil {
		return nil, errors.New("unit has no action")
	}
	return action(t)
}

func panicError(r any) error {
	if rerr, ok := r.(error); ok {
		return pkgerrors.WithStack(fmt.Errorf("panic: %w", rerr))
	}
	return pkgerrors.WithStack(fmt.Errorf("panic: %v", r))
}
