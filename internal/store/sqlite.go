package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/flextest/internal/model"

	_ "modernc.org/sqlite"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS runs (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    source      TEXT NOT NULL,
    status      TEXT NOT NULL,
    error       TEXT,
    passed      INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    skipped     INTEGER NOT NULL DEFAULT 0,
    duration_ms INTEGER,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    finished_at DATETIME
)`

const createUnitResultsTable = `
CREATE TABLE IF NOT EXISTS unit_results (
    run_id         TEXT NOT NULL,
    seq            INTEGER NOT NULL,
    name           TEXT NOT NULL,
    category       TEXT NOT NULL,
    status         TEXT NOT NULL,
    succeeded      INTEGER NOT NULL,
    failure_reason TEXT,
    elapsed_ns     INTEGER NOT NULL,
    started_at     DATETIME,
    finished_at    DATETIME,
    metrics        TEXT,
    milestones     TEXT,
    PRIMARY KEY (run_id, seq)
)`

const createBenchmarkResultsTable = `
CREATE TABLE IF NOT EXISTS benchmark_results (
    run_id    TEXT NOT NULL,
    seq       INTEGER NOT NULL,
    benchmark TEXT NOT NULL,
    succeeded INTEGER NOT NULL,
    summary   TEXT NOT NULL,
    PRIMARY KEY (run_id, seq)
)`

// ErrNotFound is returned when a run is not found.
var ErrNotFound = errors.New("run not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
// ":memory:" keeps the ledger inside the process.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, ddl := range map[string]string{
		"runs":              createRunsTable,
		"unit_results":      createUnitResultsTable,
		"benchmark_results": createBenchmarkResultsTable,
	} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", name, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run record.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *model.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (
			id, kind, source, status, error, passed, failed, skipped,
			duration_ms, created_at, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Kind, r.Source, r.Status, r.Error, r.Passed, r.Failed, r.Skipped,
		r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

const runColumns = `id, kind, source, status, error, passed, failed, skipped,
	duration_ms, created_at, started_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*model.RunRecord, error) {
	r := &model.RunRecord{}
	var errMsg sql.NullString
	err := row.Scan(
		&r.ID, &r.Kind, &r.Source, &r.Status, &errMsg, &r.Passed, &r.Failed, &r.Skipped,
		&r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	)
	r.Error = errMsg.String
	return r, err
}

// GetRun retrieves a run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*model.RunRecord, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns a paginated list of runs ordered by created_at DESC,
// along with the total count of all runs.
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*model.RunRecord, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM runs").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count runs: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []*model.RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate runs: %w", err)
	}

	return runs, total, nil
}

// UpdateRunStatus moves a run to status. Terminal statuses also set
// finished_at; running sets started_at.
func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", id).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get run status: %w", err)
	}
	if !model.ValidRunTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch status {
	case model.StatusRunning:
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.StatusCompleted, model.StatusCancelled, model.StatusErrored:
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx, "UPDATE runs SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return tx.Commit()
}

// UpdateRun overwrites the mutable fields of a run.
func (s *SQLiteStore) UpdateRun(ctx context.Context, r *model.RunRecord) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, passed = ?, failed = ?, skipped = ?,
			duration_ms = ?, started_at = ?, finished_at = ?
		WHERE id = ?`,
		r.Status, r.Error, r.Passed, r.Failed, r.Skipped,
		r.DurationMS, r.StartedAt, r.FinishedAt, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// InsertUnitResult appends one unit result to a run.
func (s *SQLiteStore) InsertUnitResult(ctx context.Context, runID string, seq int, res model.UnitResult) error {
	metrics, err := json.Marshal(res.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}
	milestones, err := json.Marshal(res.Milestones)
	if err != nil {
		return fmt.Errorf("encode milestones: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO unit_results (
			run_id, seq, name, category, status, succeeded, failure_reason,
			elapsed_ns, started_at, finished_at, metrics, milestones
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, seq, res.Name, res.Category, res.Status, res.Succeeded, res.FailureReason,
		int64(res.Elapsed), res.StartedAt, res.FinishedAt, string(metrics), string(milestones),
	)
	if err != nil {
		return fmt.Errorf("insert unit result: %w", err)
	}
	return nil
}

// GetUnitResults returns a run's unit results in execution order.
func (s *SQLiteStore) GetUnitResults(ctx context.Context, runID string) ([]model.UnitResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, category, status, succeeded, failure_reason, elapsed_ns,
			started_at, finished_at, metrics, milestones
		FROM unit_results WHERE run_id = ? ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get unit results: %w", err)
	}
	defer rows.Close()

	var results []model.UnitResult
	for rows.Next() {
		var (
			res        model.UnitResult
			reason     sql.NullString
			elapsed    int64
			metrics    sql.NullString
			milestones sql.NullString
		)
		if err := rows.Scan(
			&res.Name, &res.Category, &res.Status, &res.Succeeded, &reason, &elapsed,
			&res.StartedAt, &res.FinishedAt, &metrics, &milestones,
		); err != nil {
			return nil, fmt.Errorf("scan unit result: %w", err)
		}
		res.FailureReason = reason.String
		res.Elapsed = time.Duration(elapsed)
		if metrics.Valid && metrics.String != "null" {
			if err := json.Unmarshal([]byte(metrics.String), &res.Metrics); err != nil {
				return nil, fmt.Errorf("decode metrics: %w", err)
			}
		}
		if milestones.Valid && milestones.String != "null" {
			if err := json.Unmarshal([]byte(milestones.String), &res.Milestones); err != nil {
				return nil, fmt.Errorf("decode milestones: %w", err)
			}
		}
		results = append(results, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unit results: %w", err)
	}
	return results, nil
}

// InsertBenchmarkResult appends one benchmark summary to a run.
func (s *SQLiteStore) InsertBenchmarkResult(ctx context.Context, runID string, seq int, sum model.BenchmarkSummary) error {
	data, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO benchmark_results (run_id, seq, benchmark, succeeded, summary) VALUES (?, ?, ?, ?, ?)`,
		runID, seq, sum.Benchmark, sum.Succeeded, string(data),
	)
	if err != nil {
		return fmt.Errorf("insert benchmark result: %w", err)
	}
	return nil
}

// GetBenchmarkResults returns a run's benchmark summaries in order.
func (s *SQLiteStore) GetBenchmarkResults(ctx context.Context, runID string) ([]model.BenchmarkSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT summary FROM benchmark_results WHERE run_id = ? ORDER BY seq ASC`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get benchmark results: %w", err)
	}
	defer rows.Close()

	var out []model.BenchmarkSummary
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan benchmark result: %w", err)
		}
		var sum model.BenchmarkSummary
		if err := json.Unmarshal([]byte(data), &sum); err != nil {
			return nil, fmt.Errorf("decode summary: %w", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate benchmark results: %w", err)
	}
	return out, nil
}

// GetStats aggregates the ledger.
func (s *SQLiteStore) GetStats(ctx context.Context) (*RunStats, error) {
	stats := &RunStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
		UnitsByStatus: make(map[string]int),
	}

	if err := s.countBy(ctx, "SELECT status, COUNT(*) FROM runs GROUP BY status", stats.CountByStatus); err != nil {
		return nil, fmt.Errorf("count runs by status: %w", err)
	}
	if err := s.countBy(ctx, "SELECT kind, COUNT(*) FROM runs GROUP BY kind", stats.CountByKind); err != nil {
		return nil, fmt.Errorf("count runs by kind: %w", err)
	}
	if err := s.countBy(ctx, "SELECT status, COUNT(*) FROM unit_results GROUP BY status", stats.UnitsByStatus); err != nil {
		return nil, fmt.Errorf("count units by status: %w", err)
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	var avg sql.NullFloat64
	if err := s.db.QueryRowContext(ctx,
		"SELECT AVG(elapsed_ns) FROM unit_results WHERE status != ?", model.StatusSkipped,
	).Scan(&avg); err != nil {
		return nil, fmt.Errorf("average unit duration: %w", err)
	}
	if avg.Valid {
		stats.AvgUnitDurationMS = avg.Float64 / float64(time.Millisecond)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM benchmark_results").Scan(&stats.Benchmarks); err != nil {
		return nil, fmt.Errorf("count benchmarks: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) countBy(ctx context.Context, query string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}
