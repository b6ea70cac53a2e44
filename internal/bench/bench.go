// Package bench runs benchmarks on a dedicated, pinned worker thread. A
// Harness executes one benchmark at a time through its warmup and measured
// iterations and supports two-stage cancellation.
package bench

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/seantiz/flextest/internal/events"
	"github.com/seantiz/flextest/internal/fixture"
	"github.com/seantiz/flextest/internal/model"
)

// Default grace periods for TryCancel.
const (
	DefaultCooperativeGrace = 2 * time.Second
	DefaultForcedGrace      = 2 * time.Second
)

var (
	// ErrAlreadyRunning is returned by Start while a benchmark is running.
	ErrAlreadyRunning = errors.New("a benchmark is already running")
	// ErrNotStarted is returned by Wait before any benchmark was started.
	ErrNotStarted = errors.New("no benchmark has been started")
	// ErrAmbiguousWorker means more than one new elevated-priority thread
	// appeared while pinning, so the worker could not be identified.
	ErrAmbiguousWorker = errors.New("ambiguous benchmark worker thread")
)

// State is the lifecycle state of a harness.
type State int32

// Harness states.
const (
	StateIdle State = iota
	StateRunning
	StateCompleted
	StateCancelled
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateFaulted:
		return "faulted"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Action is one benchmark iteration. ctx is cancelled when TryCancel
// escalates to forced cancellation.
type Action func(ctx context.Context, b *B) error

// Benchmark binds a descriptor to its action.
type Benchmark struct {
	model.BenchmarkDescriptor
	Action Action

	// RunID overrides the generated result set ID.
	RunID string
	// Baseline is compared against the measured average.
	Baseline *time.Duration
}

// B is the handle passed to each iteration.
type B struct {
	name      string
	fixture   fixture.Fixture
	iteration int
	warmup    bool
	metrics   map[string]any
}

// Name returns the benchmark's full name.
func (b *B) Name() string { return b.name }

// Fixture returns the bound fixture instance, or nil.
func (b *B) Fixture() fixture.Fixture { return b.fixture }

// Iteration returns the zero-based index within the current phase.
func (b *B) Iteration() int { return b.iteration }

// Warmup reports whether the current iteration is a warmup.
func (b *B) Warmup() bool { return b.warmup }

// SetMetric records a named value on the result set.
func (b *B) SetMetric(name string, value any) { b.metrics[name] = value }

// Options configures a Harness.
type Options struct {
	// Pinner binds the worker thread to a core. Nil selects the platform
	// pinner.
	Pinner Pinner
	// Core is the logical processor to pin to; negative selects the
	// pinner's default.
	Core int
	// CooperativeGrace is how long TryCancel waits for the stop flag to be
	// observed before cancelling the action's context.
	CooperativeGrace time.Duration
	// ForcedGrace is how long TryCancel waits after cancelling the context.
	ForcedGrace time.Duration
	// Fixtures resolves the fixture types named by benchmarks.
	Fixtures *fixture.Registry
	Logger   *slog.Logger
}

// execution is the state shared between the controller and one worker.
type execution struct {
	bench  Benchmark
	result *model.BenchmarkResultSet
	stop   atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Harness runs benchmarks one at a time.
type Harness struct {
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	state   State
	current *execution
}

// New creates a harness.
func New(opts Options) *Harness {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Pinner == nil {
		opts.Pinner = NewPinner(opts.Logger)
	}
	if opts.CooperativeGrace <= 0 {
		opts.CooperativeGrace = DefaultCooperativeGrace
	}
	if opts.ForcedGrace <= 0 {
		opts.ForcedGrace = DefaultForcedGrace
	}
	if opts.Fixtures == nil {
		opts.Fixtures = fixture.NewRegistry()
	}
	return &Harness{opts: opts, logger: opts.Logger}
}

// State returns the current lifecycle state.
func (h *Harness) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Start launches b on a new worker and returns immediately.
func (h *Harness) Start(ctx context.Context, b Benchmark, sink events.Sink) error {
	b.BenchmarkDescriptor = b.BenchmarkDescriptor.Normalize()
	if err := b.Validate(); err != nil {
		return err
	}
	if b.Action == nil {
		return fmt.Errorf("benchmark %q: action is required", b.FullName())
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateRunning {
		return ErrAlreadyRunning
	}

	result := model.NewBenchmarkResultSet(b.FullName())
	if b.RunID != "" {
		result.ID = b.RunID
	}
	result.Baseline = b.Baseline

	runCtx, cancel := context.WithCancel(ctx)
	ex := &execution{
		bench:  b,
		result: result,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.current = ex
	h.state = StateRunning

	go h.work(runCtx, ex, events.OrDiscard(sink))
	return nil
}

// Wait blocks until the current benchmark finishes or ctx is done. The
// result set is only read after the worker has exited. A non-nil error is
// returned only for fatal harness faults; action failures are recorded on
// the result set.
func (h *Harness) Wait(ctx context.Context) (*model.BenchmarkResultSet, error) {
	h.mu.Lock()
	ex := h.current
	h.mu.Unlock()
	if ex == nil {
		return nil, ErrNotStarted
	}
	select {
	case <-ex.done:
		return ex.result, ex.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryCancel stops the running benchmark. It first sets the stop flag
// checked before each iteration; if the worker has not exited within the
// cooperative grace period it cancels the action's context and waits the
// forced grace period. It reports whether the worker exited.
func (h *Harness) TryCancel() bool {
	h.mu.Lock()
	ex := h.current
	h.mu.Unlock()
	if ex == nil {
		return true
	}

	ex.stop.Store(true)
	if waitDone(ex.done, h.opts.CooperativeGrace) {
		return true
	}
	h.logger.Warn("benchmark did not stop cooperatively, cancelling", "benchmark", ex.bench.FullName())
	ex.cancel()
	if waitDone(ex.done, h.opts.ForcedGrace) {
		return true
	}
	h.logger.Error("benchmark worker did not stop", "benchmark", ex.bench.FullName())
	return false
}

// Run starts b and waits for it. If ctx ends first the benchmark is
// cancelled.
func (h *Harness) Run(ctx context.Context, b Benchmark, sink events.Sink) (*model.BenchmarkResultSet, error) {
	if err := h.Start(context.WithoutCancel(ctx), b, sink); err != nil {
		return nil, err
	}
	res, err := h.Wait(ctx)
	if err != nil && ctx.Err() != nil {
		if !h.TryCancel() {
			return nil, err
		}
		return h.Wait(context.Background())
	}
	return res, err
}

// RunAll runs every benchmark accepted by filter in order. It stops at the
// first fatal harness error or when ctx is done.
func (h *Harness) RunAll(ctx context.Context, list []Benchmark, filter func(model.BenchmarkDescriptor) bool, sink events.Sink) ([]*model.BenchmarkResultSet, error) {
	var results []*model.BenchmarkResultSet
	for _, b := range list {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if filter != nil && !filter(b.BenchmarkDescriptor) {
			continue
		}
		b.RunID = ""
		res, err := h.Run(ctx, b, sink)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

func waitDone(done <-chan struct{}, grace time.Duration) bool {
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (h *Harness) work(ctx context.Context, ex *execution, sink events.Sink) {
	defer close(ex.done)
	defer ex.cancel()

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	b := ex.bench
	name := b.FullName()
	result := ex.result
	logger := h.logger.With("benchmark", name, "run_id", result.ID)
	start := time.Now()
	result.Started = start.UTC()
	final := StateCompleted

	fixtures := fixture.NewManager(h.opts.Fixtures)
	var fx fixture.Fixture

	defer func() {
		if r := recover(); r != nil {
			err := pkgerrors.WithStack(fmt.Errorf("panic: %v", r))
			result.Error = err.Error()
			final = StateFaulted
			logger.Error("benchmark panicked", "error", err, "stack", fmt.Sprintf("%+v", err))
		}
		result.Duration = time.Since(start)
		result.Finished = result.Started.Add(result.Duration)
		result.Succeeded = final == StateCompleted

		if fx != nil {
			fx.SetExecutingBenchmark("")
		}
		if err := fixtures.Close(); err != nil {
			logger.Error("failed to release fixtures", "error", err)
		}

		h.mu.Lock()
		h.state = final
		h.mu.Unlock()

		summary := result.Summary()
		sink.Emit(model.Event{
			Kind:      model.EventBenchmarkCompleted,
			RunID:     result.ID,
			Subject:   name,
			Time:      time.Now().UTC(),
			Elapsed:   result.Duration,
			Benchmark: &summary,
		})
		logger.Info("benchmark finished",
			"state", final.String(),
			"iterations", len(result.Results),
			"duration", result.Duration,
		)
	}()

	sink.Emit(model.Event{Kind: model.EventBenchmarkRunStarted, RunID: result.ID, Subject: name, Time: time.Now().UTC()})

	core := h.opts.Core
	if core < 0 {
		core = h.opts.Pinner.DefaultCore()
	}
	restore, err := h.opts.Pinner.Pin(core)
	switch {
	case errors.Is(err, ErrAmbiguousWorker):
		ex.err = err
		result.Error = err.Error()
		final = StateFaulted
		return
	case err != nil:
		logger.Warn("running benchmark unpinned", "core", core, "error", err)
	default:
		defer restore()
		logger.Debug("benchmark worker pinned", "core", core)
	}

	if b.Fixture != "" {
		fx, err = fixtures.Acquire(b.Fixture)
		if err != nil {
			result.Error = err.Error()
			final = StateFaulted
			return
		}
		fx.SetExecutingBenchmark(name)
	}

	handle := &B{name: name, fixture: fx, metrics: result.Metrics}
	total := b.WarmupIterations + b.TestIterations
	for i := 0; i < total; i++ {
		if ex.stop.Load() {
			final = StateCancelled
			result.Error = "cancelled"
			return
		}

		handle.warmup = i < b.WarmupIterations
		handle.iteration = i
		if !handle.warmup {
			handle.iteration = i - b.WarmupIterations
		}
		sink.Emit(model.Event{
			Kind:      model.EventIterationStarted,
			RunID:     result.ID,
			Subject:   name,
			Time:      time.Now().UTC(),
			Iteration: handle.iteration,
			Warmup:    handle.warmup,
		})

		begin := time.Now()
		err := invoke(ctx, b.Action, handle)
		elapsed := time.Since(begin)

		if err != nil {
			if ex.stop.Load() && ctx.Err() != nil {
				final = StateCancelled
				result.Error = "cancelled"
				return
			}
			final = StateFaulted
			result.Error = err.Error()
			logger.Error("benchmark iteration failed", "iteration", handle.iteration, "warmup", handle.warmup, "error", err)
			return
		}

		result.Add(elapsed, handle.warmup)
		sink.Emit(model.Event{
			Kind:      model.EventIterationCompleted,
			RunID:     result.ID,
			Subject:   name,
			Time:      time.Now().UTC(),
			Iteration: handle.iteration,
			Warmup:    handle.warmup,
			Elapsed:   elapsed,
		})
	}
}

func invoke(ctx context.Context, action Action, b *B) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = pkgerrors.WithStack(fmt.Errorf("panic: %v", r))
		}
	}()
	return action(ctx, b)
}
