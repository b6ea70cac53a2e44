package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/flextest/internal/host"
	"github.com/seantiz/flextest/internal/model"
	"github.com/seantiz/flextest/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB
)

// submitRunRequest is the JSON body for POST /v1/runs and POST /v1/benchmarks.
type submitRunRequest struct {
	Kind   string   `json:"kind"`
	Source string   `json:"source"`
	Names  []string `json:"names"`
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.RunRecord `json:"runs"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// runResponse is a run record with its recorded results.
type runResponse struct {
	*model.RunRecord
	Units      []model.UnitResult       `json:"units"`
	Benchmarks []model.BenchmarkSummary `json:"benchmarks,omitempty"`
}

func (s *Server) handleSubmitRun(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, "")
}

func (s *Server) handleSubmitBenchmarks(w http.ResponseWriter, r *http.Request) {
	s.submit(w, r, model.RunKindBenchmarks)
}

// submit decodes a run request and hands it to the executor. A non-empty
// kind overrides the body.
func (s *Server) submit(w http.ResponseWriter, r *http.Request, kind string) {
	var req submitRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Source == "" {
		s.writeError(w, http.StatusBadRequest, "source is required")
		return
	}
	if kind != "" {
		req.Kind = kind
	}
	if req.Kind != "" && req.Kind != model.RunKindTests && req.Kind != model.RunKindBenchmarks {
		s.writeError(w, http.StatusBadRequest, "kind must be tests or benchmarks")
		return
	}

	rec, err := s.executor.Submit(r.Context(), host.Request{
		Kind:   req.Kind,
		Source: req.Source,
		Names:  req.Names,
	})
	if errors.Is(err, host.ErrUnknownArtifact) {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	units, err := s.store.GetUnitResults(r.Context(), id)
	if err != nil {
		s.logger.Error("get unit results", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get unit results")
		return
	}
	if units == nil {
		units = []model.UnitResult{}
	}
	benches, err := s.store.GetBenchmarkResults(r.Context(), id)
	if err != nil {
		s.logger.Error("get benchmark results", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get benchmark results")
		return
	}

	s.writeJSON(w, http.StatusOK, runResponse{RunRecord: rec, Units: units, Benchmarks: benches})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.RunRecord{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run for cancel", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}

	if !s.executor.Cancel(id) {
		s.writeError(w, http.StatusConflict, "run is not active")
		return
	}

	s.writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) handleCancelBenchmark(w http.ResponseWriter, _ *http.Request) {
	id, ok := s.executor.CancelBenchmark()
	if !ok {
		s.writeError(w, http.StatusNotFound, "no benchmark is running")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"run_id": id})
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
