package store

import (
	"context"
	"errors"

	"github.com/seantiz/flextest/internal/model"
)

// ErrInvalidTransition is returned when a run status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// RunStats holds aggregate statistics across the ledger.
type RunStats struct {
	Total             int            `json:"total"`
	CountByStatus     map[string]int `json:"count_by_status"`
	CountByKind       map[string]int `json:"count_by_kind"`
	UnitsByStatus     map[string]int `json:"units_by_status"`
	AvgUnitDurationMS float64        `json:"avg_unit_duration_ms"`
	Benchmarks        int            `json:"benchmarks"`
}

// Store records runs and their results for the execution host.
type Store interface {
	CreateRun(ctx context.Context, r *model.RunRecord) error
	GetRun(ctx context.Context, id string) (*model.RunRecord, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*model.RunRecord, int, error)
	UpdateRunStatus(ctx context.Context, id, status string) error
	UpdateRun(ctx context.Context, r *model.RunRecord) error
	InsertUnitResult(ctx context.Context, runID string, seq int, res model.UnitResult) error
	GetUnitResults(ctx context.Context, runID string) ([]model.UnitResult, error)
	InsertBenchmarkResult(ctx context.Context, runID string, seq int, sum model.BenchmarkSummary) error
	GetBenchmarkResults(ctx context.Context, runID string) ([]model.BenchmarkSummary, error)
	GetStats(ctx context.Context) (*RunStats, error)
	Close() error
}
