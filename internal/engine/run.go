package engine

import (
	"sync"
	"time"

	"github.com/seantiz/flextest/internal/events"
	"github.com/seantiz/flextest/internal/model"
)

// RunOptions configures a single call to Engine.Run.
type RunOptions struct {
	// ID overrides the generated run ID.
	ID string
	// Filter selects the units to execute. Units it rejects are recorded as
	// skipped. A nil filter runs everything.
	Filter func(model.UnitDescriptor) bool
	// Sink receives run and unit events on the calling goroutine.
	Sink events.Sink
	// Dependencies seeds the cache for this run only.
	Dependencies map[model.TypeTag]any
}

// Run is the handle for one execution of the catalog. Results are appended
// by the engine as units finish.
type Run struct {
	ID       string
	Started  time.Time
	Finished time.Time

	mu      sync.RWMutex
	order   []string
	results map[string]*model.UnitResult
}

func newRun(id string) *Run {
	if id == "" {
		id = model.NewID()
	}
	return &Run{
		ID:      id,
		Started: time.Now().UTC(),
		results: make(map[string]*model.UnitResult),
	}
}

func (r *Run) record(res *model.UnitResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.results[res.Name]; !ok {
		r.order = append(r.order, res.Name)
	}
	r.results[res.Name] = res
}

// Units returns every recorded result in execution order.
func (r *Run) Units() []model.UnitResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.UnitResult, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.results[name])
	}
	return out
}

// Result returns the result recorded for the named unit.
func (r *Run) Result(name string) (model.UnitResult, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.results[name]
	if !ok {
		return model.UnitResult{}, false
	}
	return *res, true
}

func (r *Run) count(status string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, res := range r.results {
		if res.Status == status {
			n++
		}
	}
	return n
}

// Passed returns the number of passed units.
func (r *Run) Passed() int { return r.count(model.StatusPassed) }

// Failed returns the number of failed units.
func (r *Run) Failed() int { return r.count(model.StatusFailed) }

// Skipped returns the number of skipped units.
func (r *Run) Skipped() int { return r.count(model.StatusSkipped) }

// Elapsed returns the wall-clock duration of the run.
func (r *Run) Elapsed() time.Duration {
	if r.Finished.IsZero() {
		return time.Since(r.Started)
	}
	return r.Finished.Sub(r.Started)
}
