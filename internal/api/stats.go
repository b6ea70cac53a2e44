package api

import (
	"net/http"
)

// statsResponse is the JSON response for GET /v1/stats.
type statsResponse struct {
	Total             int            `json:"total"`
	ByStatus          map[string]int `json:"by_status"`
	ByKind            map[string]int `json:"by_kind"`
	UnitsByStatus     map[string]int `json:"units_by_status"`
	AvgUnitDurationMS float64        `json:"avg_unit_duration_ms"`
	Benchmarks        int            `json:"benchmarks"`
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.GetStats(r.Context())
	if err != nil {
		s.logger.Error("get run stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	s.writeJSON(w, http.StatusOK, statsResponse{
		Total:             stats.Total,
		ByStatus:          stats.CountByStatus,
		ByKind:            stats.CountByKind,
		UnitsByStatus:     stats.UnitsByStatus,
		AvgUnitDurationMS: stats.AvgUnitDurationMS,
		Benchmarks:        stats.Benchmarks,
	})
}
