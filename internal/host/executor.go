package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/seantiz/flextest/internal/bench"
	"github.com/seantiz/flextest/internal/catalog"
	"github.com/seantiz/flextest/internal/config"
	"github.com/seantiz/flextest/internal/engine"
	"github.com/seantiz/flextest/internal/events"
	"github.com/seantiz/flextest/internal/model"
	"github.com/seantiz/flextest/internal/scheduler"
	"github.com/seantiz/flextest/internal/store"
)

// Outcome is the verdict reported back to a host tool.
type Outcome string

// Outcomes.
const (
	OutcomePassed   Outcome = "passed"
	OutcomeFailed   Outcome = "failed"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeNotFound Outcome = "not_found"
)

// TestResult is the host-facing result of one re-resolved unit.
type TestResult struct {
	Case         TestCase       `json:"case"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      time.Time      `json:"end_time"`
	Duration     time.Duration  `json:"duration"`
	Outcome      Outcome        `json:"outcome"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metrics      []model.Metric `json:"metrics,omitempty"`
}

// Request selects what a submitted run executes. Empty Names runs every
// unit of the requested kind that the run profile selects.
type Request struct {
	Kind   string   `json:"kind"`
	Source string   `json:"source"`
	Names  []string `json:"names,omitempty"`
}

// Options configures an Executor.
type Options struct {
	// Bench is the template for each benchmark run's harness. Fixtures is
	// replaced by the artifact's registry.
	Bench bench.Options
	// Profile filters units and tunes benchmarks. Nil selects everything.
	Profile *config.Profile
	// Sinks receive every event in addition to the broker and the ledger.
	Sinks []events.Sink
}

// Executor re-resolves units from registered artifacts, runs them one run
// at a time and records the results.
type Executor struct {
	store    store.Store
	registry *Registry
	logger   *slog.Logger
	opts     Options
	broker   *events.Broker
	wg       sync.WaitGroup

	// execMu serializes runs; units never execute concurrently.
	execMu sync.Mutex

	mu       sync.Mutex
	active   map[string]context.CancelFunc
	benchRun string
}

// NewExecutor creates an executor over the artifacts in reg.
func NewExecutor(s store.Store, reg *Registry, logger *slog.Logger, opts Options) *Executor {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Executor{
		store:    s,
		registry: reg,
		logger:   logger,
		opts:     opts,
		broker:   events.NewBroker(),
		active:   make(map[string]context.CancelFunc),
	}
}

// Broker returns the executor's event broker for SSE subscription.
func (e *Executor) Broker() *events.Broker {
	return e.broker
}

// Registry returns the artifact registry.
func (e *Executor) Registry() *Registry {
	return e.registry
}

// Submit creates a run record and launches execution in a goroutine. The
// record is stored with status "pending" before returning.
func (e *Executor) Submit(ctx context.Context, req Request) (*model.RunRecord, error) {
	if req.Kind == "" {
		req.Kind = model.RunKindTests
	}
	if req.Kind != model.RunKindTests && req.Kind != model.RunKindBenchmarks {
		return nil, fmt.Errorf("unsupported run kind %q", req.Kind)
	}
	p, err := e.registry.Resolve(req.Source)
	if err != nil {
		return nil, err
	}

	rec := newRecord(req.Kind, req.Source)
	if err := e.store.CreateRun(ctx, rec); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	e.broker.Open(rec.ID)
	runCtx := e.track(context.Background(), rec.ID)

	recCopy := *rec
	names := slices.Clone(req.Names)
	e.wg.Go(func() {
		if recCopy.Kind == model.RunKindBenchmarks {
			e.runBenchmarks(runCtx, &recCopy, p, names)
			return
		}
		e.runTests(runCtx, &recCopy, p, names)
	})
	return rec, nil
}

// Wait blocks until all submitted runs complete.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// Cancel stops the run with the given ID. Units not yet started are
// skipped; a running benchmark goes through the harness's two-stage
// cancellation. It reports whether the run was active.
func (e *Executor) Cancel(id string) bool {
	e.mu.Lock()
	cancel, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// CancelBenchmark cancels the benchmark run currently executing and returns
// its ID.
func (e *Executor) CancelBenchmark() (string, bool) {
	e.mu.Lock()
	id := e.benchRun
	e.mu.Unlock()
	if id == "" {
		return "", false
	}
	return id, e.Cancel(id)
}

// CancelAll cancels every active run.
func (e *Executor) CancelAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, cancel := range e.active {
		cancel()
	}
}

// RunTests re-resolves each case by artifact and fully qualified name,
// executes them and returns one result per case in input order. Cases from
// the same artifact run together; producers the selected tests depend on
// run with them but are not reported.
func (e *Executor) RunTests(ctx context.Context, cases []TestCase) ([]TestResult, error) {
	results := make([]TestResult, len(cases))
	for i, c := range cases {
		results[i] = TestResult{Case: c, Outcome: OutcomeNotFound}
	}

	var sources []string
	bySource := make(map[string][]int)
	for i, c := range cases {
		if _, ok := bySource[c.Source]; !ok {
			sources = append(sources, c.Source)
		}
		bySource[c.Source] = append(bySource[c.Source], i)
	}

	for _, source := range sources {
		idx := bySource[source]
		p, err := e.registry.Resolve(source)
		if err != nil {
			for _, i := range idx {
				results[i].ErrorMessage = err.Error()
			}
			continue
		}

		tests := make(map[string]bool)
		for _, t := range p.Tests() {
			tests[t.Name] = true
		}
		benches := make(map[string]bool)
		for _, b := range p.Benchmarks() {
			benches[b.FullName()] = true
		}

		var testIdx, benchIdx []int
		for _, i := range idx {
			name := cases[i].FullyQualifiedName
			switch {
			case tests[name]:
				testIdx = append(testIdx, i)
			case benches[name]:
				benchIdx = append(benchIdx, i)
			default:
				results[i].ErrorMessage = fmt.Sprintf("unit %q not found in %s", name, source)
			}
		}

		if len(testIdx) > 0 {
			if err := e.runTestCases(ctx, p, source, cases, testIdx, results); err != nil {
				return results, err
			}
		}
		if len(benchIdx) > 0 {
			if err := e.runBenchmarkCases(ctx, p, source, cases, benchIdx, results); err != nil {
				return results, err
			}
		}
	}
	return results, nil
}

func (e *Executor) runTestCases(ctx context.Context, p catalog.Provider, source string, cases []TestCase, idx []int, results []TestResult) error {
	rec := newRecord(model.RunKindTests, source)
	if err := e.store.CreateRun(ctx, rec); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	e.broker.Open(rec.ID)

	names := make([]string, len(idx))
	for n, i := range idx {
		names[n] = cases[i].FullyQualifiedName
	}
	run, runErr := e.runTests(e.track(ctx, rec.ID), rec, p, names)

	for _, i := range idx {
		var (
			res model.UnitResult
			ok  bool
		)
		if run != nil {
			res, ok = run.Result(cases[i].FullyQualifiedName)
		}
		if !ok {
			results[i].Outcome = OutcomeFailed
			if runErr != nil {
				results[i].ErrorMessage = runErr.Error()
			}
			continue
		}
		results[i] = unitTestResult(cases[i], res)
	}
	return nil
}

func (e *Executor) runBenchmarkCases(ctx context.Context, p catalog.Provider, source string, cases []TestCase, idx []int, results []TestResult) error {
	rec := newRecord(model.RunKindBenchmarks, source)
	if err := e.store.CreateRun(ctx, rec); err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	e.broker.Open(rec.ID)

	names := make([]string, len(idx))
	for n, i := range idx {
		names[n] = cases[i].FullyQualifiedName
	}
	sets, runErr := e.runBenchmarks(e.track(ctx, rec.ID), rec, p, names)

	byName := make(map[string]*model.BenchmarkResultSet, len(sets))
	for _, s := range sets {
		byName[s.Benchmark] = s
	}
	for _, i := range idx {
		set, ok := byName[cases[i].FullyQualifiedName]
		if !ok {
			results[i].Outcome = OutcomeSkipped
			if runErr != nil {
				results[i].Outcome = OutcomeFailed
				results[i].ErrorMessage = runErr.Error()
			}
			continue
		}
		results[i] = benchmarkTestResult(cases[i], set)
	}
	return nil
}

// runTests executes the tests of one artifact for rec. With names, only
// those tests and their prerequisites run; otherwise the profile filters.
func (e *Executor) runTests(ctx context.Context, rec *model.RunRecord, p catalog.Provider, names []string) (*engine.Run, error) {
	defer e.untrack(rec.ID)
	e.execMu.Lock()
	defer e.execMu.Unlock()
	defer e.broker.Close(rec.ID)

	start, ok := e.begin(rec)
	if !ok {
		return nil, errors.New("failed to start run")
	}

	logger := e.logger.With("source", rec.Source)
	eng := engine.New(p.Tests(), p.Fixtures(), logger)
	opts := engine.RunOptions{
		ID:           rec.ID,
		Sink:         e.sink(rec.ID),
		Dependencies: e.opts.Profile.DependencyValues(),
	}
	if len(names) > 0 {
		keep, err := scheduler.Prerequisites(eng.Tests(), names)
		if err != nil {
			err = fmt.Errorf("schedule: %w", err)
			e.finish(rec, start, model.StatusErrored, err.Error())
			return nil, err
		}
		opts.Filter = func(d model.UnitDescriptor) bool { return slices.Contains(keep, d.Name) }
	} else {
		opts.Filter = e.opts.Profile.UnitFilter()
	}

	run, err := eng.Run(ctx, opts)
	if run != nil {
		rec.Passed, rec.Failed, rec.Skipped = run.Passed(), run.Failed(), run.Skipped()
	}
	switch {
	case err != nil:
		e.finish(rec, start, model.StatusErrored, err.Error())
	case ctx.Err() != nil:
		e.finish(rec, start, model.StatusCancelled, "cancelled")
	default:
		e.finish(rec, start, model.StatusCompleted, "")
	}
	return run, err
}

// runBenchmarks executes the benchmarks of one artifact for rec on a fresh
// harness, applying the profile's overrides.
func (e *Executor) runBenchmarks(ctx context.Context, rec *model.RunRecord, p catalog.Provider, names []string) ([]*model.BenchmarkResultSet, error) {
	defer e.untrack(rec.ID)
	e.execMu.Lock()
	defer e.execMu.Unlock()
	defer e.broker.Close(rec.ID)

	start, ok := e.begin(rec)
	if !ok {
		return nil, errors.New("failed to start run")
	}

	e.mu.Lock()
	e.benchRun = rec.ID
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.benchRun = ""
		e.mu.Unlock()
	}()

	filter := e.opts.Profile.BenchmarkFilter()
	if len(names) > 0 {
		filter = func(d model.BenchmarkDescriptor) bool { return slices.Contains(names, d.FullName()) }
	}

	all := p.Benchmarks()
	list := make([]bench.Benchmark, 0, len(all))
	for _, b := range all {
		b.BenchmarkDescriptor, b.Baseline = e.opts.Profile.ApplyBenchmark(b.BenchmarkDescriptor)
		list = append(list, b)
	}

	opts := e.opts.Bench
	opts.Fixtures = p.Fixtures()
	if opts.Logger == nil {
		opts.Logger = e.logger
	}
	opts.Logger = opts.Logger.With("source", rec.Source)
	h := bench.New(opts)

	sets, err := h.RunAll(ctx, list, filter, retag(rec.ID, e.sink(rec.ID)))
	for _, s := range sets {
		if s.Succeeded {
			rec.Passed++
		} else {
			rec.Failed++
		}
	}
	rec.Skipped = len(list) - len(sets)

	switch {
	case ctx.Err() != nil:
		e.finish(rec, start, model.StatusCancelled, "cancelled")
		err = nil
	case err != nil:
		e.finish(rec, start, model.StatusErrored, err.Error())
	default:
		e.finish(rec, start, model.StatusCompleted, "")
	}
	return sets, err
}

func (e *Executor) sink(runID string) events.Sink {
	sinks := append([]events.Sink{
		e.broker,
		&ledger{store: e.store, runID: runID, logger: e.logger},
	}, e.opts.Sinks...)
	return events.Multi(sinks...)
}

func (e *Executor) track(parent context.Context, id string) context.Context {
	ctx, cancel := context.WithCancel(parent)
	e.mu.Lock()
	e.active[id] = cancel
	e.mu.Unlock()
	return ctx
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.active[id]; ok {
		cancel()
		delete(e.active, id)
	}
}

// begin transitions rec to running.
func (e *Executor) begin(rec *model.RunRecord) (time.Time, bool) {
	if err := e.store.UpdateRunStatus(context.Background(), rec.ID, model.StatusRunning); err != nil {
		e.logger.Error("failed to transition to running", "run_id", rec.ID, "error", err)
		e.finish(rec, time.Time{}, model.StatusErrored, fmt.Sprintf("failed to start: %v", err))
		return time.Time{}, false
	}
	return time.Now().UTC(), true
}

// finish stores the final state of rec. A zero start means the run never
// started.
func (e *Executor) finish(rec *model.RunRecord, start time.Time, status, errMsg string) {
	now := time.Now().UTC()
	rec.Status = status
	rec.Error = errMsg
	rec.FinishedAt = &now
	if !start.IsZero() {
		durationMS := int(now.Sub(start).Milliseconds())
		rec.DurationMS = &durationMS
		rec.StartedAt = &start
	}

	if err := e.store.UpdateRun(context.Background(), rec); err != nil {
		e.logger.Error("failed to update finished run", "run_id", rec.ID, "error", err)
	}
	e.logger.Info("run finished",
		"run_id", rec.ID,
		"kind", rec.Kind,
		"source", rec.Source,
		"status", status,
		"passed", rec.Passed,
		"failed", rec.Failed,
		"skipped", rec.Skipped,
	)
}

func newRecord(kind, source string) *model.RunRecord {
	return &model.RunRecord{
		ID:        model.NewID(),
		Kind:      kind,
		Source:    source,
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC(),
	}
}

func unitTestResult(c TestCase, res model.UnitResult) TestResult {
	out := TestResult{
		Case:         c,
		Duration:     res.Elapsed,
		ErrorMessage: res.FailureReason,
	}
	if res.StartedAt != nil {
		out.StartTime = *res.StartedAt
	}
	if res.FinishedAt != nil {
		out.EndTime = *res.FinishedAt
	}
	switch res.Status {
	case model.StatusPassed:
		out.Outcome = OutcomePassed
	case model.StatusSkipped:
		out.Outcome = OutcomeSkipped
	default:
		out.Outcome = OutcomeFailed
	}
	for _, m := range res.Metrics {
		out.Metrics = append(out.Metrics, m)
	}
	sort.Slice(out.Metrics, func(i, j int) bool { return out.Metrics[i].Name < out.Metrics[j].Name })
	return out
}

func benchmarkTestResult(c TestCase, set *model.BenchmarkResultSet) TestResult {
	sum := set.Summary()
	out := TestResult{
		Case:         c,
		StartTime:    set.Started,
		EndTime:      set.Finished,
		Duration:     sum.Duration,
		Outcome:      OutcomePassed,
		ErrorMessage: sum.Error,
	}
	if !sum.Succeeded {
		out.Outcome = OutcomeFailed
	}

	add := func(name string, value any, display string) {
		if m, err := model.NewMetric(name, value, display); err == nil {
			out.Metrics = append(out.Metrics, m)
		}
	}
	add("iterations", sum.Iterations, "")
	for name, d := range map[string]*time.Duration{
		"average":   sum.Average,
		"variance":  sum.Variance,
		"deviation": sum.Deviation,
		"delta":     sum.Delta,
	} {
		if d != nil {
			add(name, *d, d.String())
		}
	}
	for name, v := range sum.Metrics {
		add(name, v, "")
	}
	sort.Slice(out.Metrics, func(i, j int) bool { return out.Metrics[i].Name < out.Metrics[j].Name })
	return out
}
