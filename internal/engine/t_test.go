package engine_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/seantiz/flextest/internal/engine"
	"github.com/seantiz/flextest/internal/model"
)

// runOne executes a single unit and returns its result.
func runOne(t *testing.T, desc model.UnitDescriptor, action engine.Action) model.UnitResult {
	t.Helper()
	eng := newEngine(t, []engine.Test{{UnitDescriptor: desc, Action: action}}, nil)
	run, err := eng.Run(context.Background(), engine.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	res, ok := run.Result(desc.Name)
	if !ok {
		t.Fatalf("no result for %s", desc.Name)
	}
	return res
}

func TestAssertAccumulatesAndKeepsFirstReason(t *testing.T) {
	reached := false
	res := runOne(t, model.UnitDescriptor{Name: "A"}, func(t *engine.T) (any, error) {
		t.Assertf(false, "first %d", 1)
		t.Assert(false, "second")
		reached = true
		return nil, nil
	})
	if !reached {
		t.Error("assertions should not abort the action")
	}
	if res.Status != model.StatusFailed || res.FailureReason != "first 1" {
		t.Errorf("result = %s %q, want failed %q", res.Status, res.FailureReason, "first 1")
	}
}

func TestFailStopsAction(t *testing.T) {
	reached := false
	res := runOne(t, model.UnitDescriptor{Name: "A"}, func(t *engine.T) (any, error) {
		t.Fail("stop here")
		reached = true
		return nil, nil
	})
	if reached {
		t.Error("Fail should stop the action")
	}
	if res.FailureReason != "stop here" {
		t.Errorf("reason = %q", res.FailureReason)
	}
}

func TestShouldFail(t *testing.T) {
	errWant := errors.New("want")
	tests := []struct {
		name      string
		action    func() error
		validator func(error) bool
		wantPass  bool
	}{
		{"error accepted", func() error { return errWant }, nil, true},
		{"validator accepts", func() error { return errWant }, func(err error) bool { return errors.Is(err, errWant) }, true},
		{"no error", func() error { return nil }, nil, false},
		{"validator rejects", func() error { return errors.New("other") }, func(err error) bool { return errors.Is(err, errWant) }, false},
		{"panic counts as failure", func() error { panic("boom") }, nil, true},
		{"panic passed to validator", func() error { panic("boom") }, func(err error) bool { return strings.Contains(err.Error(), "boom") }, true},
		{"panic rejected by validator", func() error { panic(errors.New("other")) }, func(err error) bool { return errors.Is(err, errWant) }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runOne(t, model.UnitDescriptor{Name: "A"}, func(u *engine.T) (any, error) {
				u.ShouldFail(tt.action, tt.validator, "dividing by zero")
				return nil, nil
			})
			if tt.wantPass && res.Status != model.StatusPassed {
				t.Errorf("status = %s (%s), want passed", res.Status, res.FailureReason)
			}
			if !tt.wantPass && res.FailureReason != "dividing by zero did not fail as expected" {
				t.Errorf("reason = %q", res.FailureReason)
			}
		})
	}
}

func TestEmptyReasonDefaultsToUnitName(t *testing.T) {
	tests := []struct {
		name   string
		action engine.Action
	}{
		{"fail", func(u *engine.T) (any, error) { u.Fail(""); return nil, nil }},
		{"assert", func(u *engine.T) (any, error) { u.Assert(false, ""); return nil, nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := runOne(t, model.UnitDescriptor{Name: "Parent:Child"}, tt.action)
			if res.Succeeded || res.FailureReason != "'Parent:Child' did not operate as expected" {
				t.Errorf("result = %v %q", res.Succeeded, res.FailureReason)
			}
		})
	}
}

func TestAssertKeepsReasonVerbatim(t *testing.T) {
	res := runOne(t, model.UnitDescriptor{Name: "A"}, func(u *engine.T) (any, error) {
		u.Assert(false, "load at 100%d")
		return nil, nil
	})
	if res.FailureReason != "load at 100%d" {
		t.Errorf("reason = %q", res.FailureReason)
	}
}

func TestFailfFormatsReason(t *testing.T) {
	res := runOne(t, model.UnitDescriptor{Name: "A"}, func(u *engine.T) (any, error) {
		u.Failf("got %d rows", 3)
		return nil, nil
	})
	if res.FailureReason != "got 3 rows" {
		t.Errorf("reason = %q", res.FailureReason)
	}
}

func TestMetricsAndMilestones(t *testing.T) {
	res := runOne(t, model.UnitDescriptor{Name: "A"}, func(t *engine.T) (any, error) {
		t.SetMetric("rows", 42, "")
		t.SetMilestone("loaded")
		return nil, nil
	})
	if m := res.Metrics["rows"]; m.Value != 42 || m.Display != "42" {
		t.Errorf("metric = %+v", m)
	}
	if len(res.Milestones) != 1 || res.Milestones[0].Name != "loaded" {
		t.Errorf("milestones = %+v", res.Milestones)
	}
}

func TestInvalidMetricFailsUnit(t *testing.T) {
	res := runOne(t, model.UnitDescriptor{Name: "A"}, func(t *engine.T) (any, error) {
		t.SetMetric("", 1, "")
		return nil, nil
	})
	if res.Status != model.StatusFailed {
		t.Errorf("status = %s, want failed", res.Status)
	}
}

func TestInputWellKnownAndUndeclared(t *testing.T) {
	res := runOne(t, model.UnitDescriptor{Name: "A", Inputs: []model.TypeTag{model.TagUnit, model.TagLogger}}, func(t *engine.T) (any, error) {
		self, err := engine.Input[*engine.T](t, model.TagUnit)
		t.Assertf(err == nil && self == t, "unit handle not resolved: %v", err)
		_, err = engine.Input[*slog.Logger](t, model.TagLogger)
		t.Assertf(err == nil, "logger not resolved: %v", err)
		_, err = engine.Input[string](t, "undeclared")
		t.Assert(err != nil, "undeclared input resolved")
		return nil, nil
	})
	if res.Status != model.StatusPassed {
		t.Errorf("status = %s (%s), want passed", res.Status, res.FailureReason)
	}
}

func TestInputWrongType(t *testing.T) {
	tests := []engine.Test{
		{UnitDescriptor: model.UnitDescriptor{Name: "A", Produces: "n"}, Action: func(*engine.T) (any, error) { return 7, nil }},
		{UnitDescriptor: model.UnitDescriptor{Name: "B", Inputs: []model.TypeTag{"n"}}, Action: func(t *engine.T) (any, error) {
			_, err := engine.Input[string](t, "n")
			return nil, err
		}},
	}
	run, err := newEngine(t, tests, nil).Run(context.Background(), engine.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if b, _ := run.Result("B"); b.Status != model.StatusFailed {
		t.Errorf("B status = %s, want failed", b.Status)
	}
}
