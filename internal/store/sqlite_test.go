package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/seantiz/flextest/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeTestRun() *model.RunRecord {
	return &model.RunRecord{
		ID:        model.NewID(),
		Kind:      model.RunKindTests,
		Source:    "sample",
		Status:    model.StatusPending,
		CreatedAt: time.Now().UTC().Truncate(time.Second),
	}
}

func TestCreateAndGetRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()

	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.ID != r.ID {
		t.Errorf("ID = %q, want %q", got.ID, r.ID)
	}
	if got.Kind != r.Kind || got.Source != r.Source || got.Status != r.Status {
		t.Errorf("got %+v, want %+v", got, r)
	}
	if got.StartedAt != nil || got.FinishedAt != nil || got.DurationMS != nil {
		t.Errorf("expected nil timestamps and duration, got %+v", got)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetRun(context.Background(), "nonexistent")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetRun error = %v, want ErrNotFound", err)
	}
}

func TestListRunsPagination(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	for i := range 5 {
		r := makeTestRun()
		r.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun %d: %v", i, err)
		}
	}

	tests := []struct {
		limit, offset int
		want          int
	}{
		{2, 0, 2},
		{2, 4, 1},
		{10, 0, 5},
		{10, 10, 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("limit=%d,offset=%d", tt.limit, tt.offset), func(t *testing.T) {
			runs, total, err := s.ListRuns(ctx, tt.limit, tt.offset)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if total != 5 {
				t.Errorf("total = %d, want 5", total)
			}
			if len(runs) != tt.want {
				t.Errorf("len = %d, want %d", len(runs), tt.want)
			}
		})
	}
}

func TestListRunsOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Second)

	var ids []string
	for i := range 3 {
		r := makeTestRun()
		r.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
		ids = append(ids, r.ID)
	}

	runs, _, err := s.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if runs[0].ID != ids[2] || runs[2].ID != ids[0] {
		t.Errorf("expected newest first, got %s, %s, %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}
}

func TestUpdateRunStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	if err := s.UpdateRunStatus(ctx, r.ID, model.StatusRunning); err != nil {
		t.Fatalf("pending -> running: %v", err)
	}
	got, _ := s.GetRun(ctx, r.ID)
	if got.StartedAt == nil {
		t.Error("running should set started_at")
	}

	if err := s.UpdateRunStatus(ctx, r.ID, model.StatusCancelled); err != nil {
		t.Fatalf("running -> cancelled: %v", err)
	}
	got, _ = s.GetRun(ctx, r.ID)
	if got.Status != model.StatusCancelled || got.FinishedAt == nil {
		t.Errorf("got status %q finished_at %v", got.Status, got.FinishedAt)
	}
}

func TestUpdateRunStatusInvalidTransition(t *testing.T) {
	tests := []struct {
		name string
		path []string
		to   string
	}{
		{"pending to completed", nil, model.StatusCompleted},
		{"running to pending", []string{model.StatusRunning}, model.StatusPending},
		{"completed is terminal", []string{model.StatusRunning, model.StatusCompleted}, model.StatusRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestStore(t)
			ctx := context.Background()
			r := makeTestRun()
			if err := s.CreateRun(ctx, r); err != nil {
				t.Fatalf("CreateRun: %v", err)
			}
			for _, status := range tt.path {
				if err := s.UpdateRunStatus(ctx, r.ID, status); err != nil {
					t.Fatalf("UpdateRunStatus(%s): %v", status, err)
				}
			}
			err := s.UpdateRunStatus(ctx, r.ID, tt.to)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error = %v, want ErrInvalidTransition", err)
			}
		})
	}
}

func TestUpdateRunStatusNotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateRunStatus(context.Background(), "nonexistent", model.StatusRunning)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestUpdateRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	ms := 42
	r.Status = model.StatusCompleted
	r.Passed, r.Failed, r.Skipped = 3, 1, 2
	r.DurationMS = &ms
	r.StartedAt = &now
	r.FinishedAt = &now
	if err := s.UpdateRun(ctx, r); err != nil {
		t.Fatalf("UpdateRun: %v", err)
	}

	got, err := s.GetRun(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Passed != 3 || got.Failed != 1 || got.Skipped != 2 {
		t.Errorf("counts = %d/%d/%d, want 3/1/2", got.Passed, got.Failed, got.Skipped)
	}
	if got.DurationMS == nil || *got.DurationMS != 42 {
		t.Errorf("DurationMS = %v, want 42", got.DurationMS)
	}

	missing := makeTestRun()
	if err := s.UpdateRun(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateRun(missing) = %v, want ErrNotFound", err)
	}
}

func TestUnitResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	now := time.Now().UTC().Truncate(time.Second)
	results := []model.UnitResult{
		{
			Name: "Load", Category: model.DefaultCategory, Status: model.StatusPassed, Succeeded: true,
			Elapsed: 3 * time.Millisecond, StartedAt: &now, FinishedAt: &now,
			Metrics:    map[string]model.Metric{"rows": {Name: "rows", Value: 10, Display: "10"}},
			Milestones: []model.Milestone{{Name: "opened", At: time.Millisecond}},
		},
		{Name: "Query", Category: model.DefaultCategory, Status: model.StatusFailed, FailureReason: "boom"},
		{Name: "Skipped", Category: model.DefaultCategory, Status: model.StatusSkipped},
	}
	for i, res := range results {
		if err := s.InsertUnitResult(ctx, r.ID, i, res); err != nil {
			t.Fatalf("InsertUnitResult: %v", err)
		}
	}

	got, err := s.GetUnitResults(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetUnitResults: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Name != "Load" || got[0].Elapsed != 3*time.Millisecond || !got[0].Succeeded {
		t.Errorf("first result = %+v", got[0])
	}
	if got[0].Metrics["rows"].Display != "10" || len(got[0].Milestones) != 1 {
		t.Errorf("metrics/milestones not restored: %+v", got[0])
	}
	if got[1].FailureReason != "boom" {
		t.Errorf("FailureReason = %q, want boom", got[1].FailureReason)
	}
	if got[2].StartedAt != nil || got[2].Metrics != nil {
		t.Errorf("skipped result should be sparse: %+v", got[2])
	}
}

func TestBenchmarkResults(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	r := makeTestRun()
	r.Kind = model.RunKindBenchmarks
	if err := s.CreateRun(ctx, r); err != nil {
		t.Fatalf("CreateRun: %v", err)
	}

	set := model.NewBenchmarkResultSet(`Math\Sum`)
	set.Add(time.Millisecond, true)
	set.Add(2*time.Millisecond, false)
	set.Add(4*time.Millisecond, false)
	set.Succeeded = true

	if err := s.InsertBenchmarkResult(ctx, r.ID, 0, set.Summary()); err != nil {
		t.Fatalf("InsertBenchmarkResult: %v", err)
	}

	got, err := s.GetBenchmarkResults(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetBenchmarkResults: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	if got[0].Benchmark != `Math\Sum` || got[0].Iterations != 2 || got[0].Warmups != 1 {
		t.Errorf("summary = %+v", got[0])
	}
	if got[0].Average == nil || *got[0].Average != 3*time.Millisecond {
		t.Errorf("Average = %v, want 3ms", got[0].Average)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats (empty): %v", err)
	}
	if stats.Total != 0 || stats.AvgUnitDurationMS != 0 {
		t.Errorf("empty stats = %+v", stats)
	}

	tests := makeTestRun()
	benches := makeTestRun()
	benches.Kind = model.RunKindBenchmarks
	for _, r := range []*model.RunRecord{tests, benches} {
		if err := s.CreateRun(ctx, r); err != nil {
			t.Fatalf("CreateRun: %v", err)
		}
	}
	if err := s.UpdateRunStatus(ctx, tests.ID, model.StatusRunning); err != nil {
		t.Fatalf("UpdateRunStatus: %v", err)
	}

	for i, res := range []model.UnitResult{
		{Name: "A", Status: model.StatusPassed, Elapsed: 2 * time.Millisecond},
		{Name: "B", Status: model.StatusFailed, Elapsed: 4 * time.Millisecond},
		{Name: "C", Status: model.StatusSkipped},
	} {
		if err := s.InsertUnitResult(ctx, tests.ID, i, res); err != nil {
			t.Fatalf("InsertUnitResult: %v", err)
		}
	}
	sum := model.NewBenchmarkResultSet("X").Summary()
	if err := s.InsertBenchmarkResult(ctx, benches.ID, 0, sum); err != nil {
		t.Fatalf("InsertBenchmarkResult: %v", err)
	}

	stats, err = s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}
	if stats.Total != 2 {
		t.Errorf("Total = %d, want 2", stats.Total)
	}
	if stats.CountByStatus[model.StatusRunning] != 1 || stats.CountByStatus[model.StatusPending] != 1 {
		t.Errorf("CountByStatus = %v", stats.CountByStatus)
	}
	if stats.CountByKind[model.RunKindBenchmarks] != 1 {
		t.Errorf("CountByKind = %v", stats.CountByKind)
	}
	if stats.UnitsByStatus[model.StatusSkipped] != 1 {
		t.Errorf("UnitsByStatus = %v", stats.UnitsByStatus)
	}
	if stats.AvgUnitDurationMS != 3 {
		t.Errorf("AvgUnitDurationMS = %v, want 3", stats.AvgUnitDurationMS)
	}
	if stats.Benchmarks != 1 {
		t.Errorf("Benchmarks = %d, want 1", stats.Benchmarks)
	}
}
