package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/seantiz/flextest/internal/fixture"
	"github.com/seantiz/flextest/internal/model"
)

// Action is the body of a unit. A non-nil error fails the unit. When the
// unit declares a produced tag, the returned value is cached under it.
type Action func(t *T) (any, error)

// Test binds a descriptor to its action.
type Test struct {
	model.UnitDescriptor
	Action Action
}

// failNow is the panic value used by T.Fail to stop the action.
type failNow struct{}

// T is the handle passed to a running unit. It is only valid for the
// duration of the action call and must not be retained.
type T struct {
	ctx     context.Context
	desc    model.UnitDescriptor
	logger  *slog.Logger
	cache   *Cache
	fixture fixture.Fixture
	start   time.Time

	failed     bool
	reason     string
	metrics    map[string]model.Metric
	milestones []model.Milestone
}

func newT(ctx context.Context, desc model.UnitDescriptor, logger *slog.Logger, cache *Cache, fx fixture.Fixture) *T {
	return &T{
		ctx:     ctx,
		desc:    desc,
		logger:  logger,
		cache:   cache,
		fixture: fx,
		metrics: make(map[string]model.Metric),
	}
}

// Name returns the unit name.
func (t *T) Name() string { return t.desc.Name }

// Context is cancelled when the run is cancelled.
func (t *T) Context() context.Context { return t.ctx }

// Logger returns the run logger scoped to this unit.
func (t *T) Logger() *slog.Logger { return t.logger }

// Fixture returns the fixture instance the unit is bound to, or nil.
func (t *T) Fixture() fixture.Fixture { return t.fixture }

// Input returns the value for one of the unit's declared inputs. Tags the
// unit did not declare are never resolved.
func (t *T) Input(tag model.TypeTag) (any, bool) {
	switch tag {
	case model.TagUnit:
		return t, true
	case model.TagLogger:
		return t.logger, true
	}
	if !slices.Contains(t.desc.Inputs, tag) {
		return nil, false
	}
	return t.cache.Get(tag)
}

// Input returns a declared input converted to V.
func Input[V any](t *T, tag model.TypeTag) (V, error) {
	var zero V
	raw, ok := t.Input(tag)
	if !ok {
		return zero, fmt.Errorf("input %q is not available to %s", tag, t.desc.Name)
	}
	v, ok := raw.(V)
	if !ok {
		return zero, fmt.Errorf("input %q has type %T, want %T", tag, raw, zero)
	}
	return v, nil
}

// Assert fails the unit with reason when cond is false. The action keeps
// running; only the first failure's reason is kept.
func (t *T) Assert(cond bool, reason string) bool {
	if cond {
		return true
	}
	t.markFailed(reason)
	return false
}

// Assertf is Assert with a formatted reason.
func (t *T) Assertf(cond bool, format string, args ...any) bool {
	if cond {
		return true
	}
	t.markFailed(fmt.Sprintf(format, args...))
	return false
}

// Fail marks the unit failed and stops the action immediately.
func (t *T) Fail(reason string) {
	t.markFailed(reason)
	panic(failNow{})
}

// Failf is Fail with a formatted reason.
func (t *T) Failf(format string, args ...any) {
	t.Fail(fmt.Sprintf(format, args...))
}

// ShouldFail runs action and expects it to fail with an error accepted by
// validator. A panic in action counts as its error. A nil validator accepts
// any error.
func (t *T) ShouldFail(action func() error, validator func(error) bool, description string) bool {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = panicError(r)
			}
		}()
		return action()
	}()
	if err != nil && (validator == nil || validator(err)) {
		return true
	}
	t.markFailed(description + " did not fail as expected")
	return false
}

// SetMetric records a named measurement. An invalid metric fails the unit.
func (t *T) SetMetric(name string, value any, display string) {
	m, err := model.NewMetric(name, value, display)
	if err != nil {
		t.markFailed(err.Error())
		return
	}
	t.metrics[name] = m
}

// SetMilestone records the time elapsed since the unit started.
func (t *T) SetMilestone(name string) {
	t.milestones = append(t.milestones, model.Milestone{Name: name, At: time.Since(t.start)})
}

// Failed reports whether the unit has failed so far.
func (t *T) Failed() bool { return t.failed }

// markFailed records the first failure. An empty reason gets a generic one
// naming the unit.
func (t *T) markFailed(reason string) {
	if reason == "" {
		reason = fmt.Sprintf("'%s' did not operate as expected", t.desc.Name)
	}
	if !t.failed {
		t.failed = true
		t.reason = reason
	}
}
