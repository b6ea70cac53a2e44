package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/flextest/internal/host"
)

// unitsResponse is the JSON response for GET /v1/artifacts/{source}/units.
type unitsResponse struct {
	Source string          `json:"source"`
	Units  []host.TestCase `json:"units"`
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.executor.Registry().List())
}

func (s *Server) handleListUnits(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")

	cases, err := s.executor.Registry().Discover(source)
	if errors.Is(err, host.ErrUnknownArtifact) {
		s.writeError(w, http.StatusNotFound, "artifact not found")
		return
	}
	if err != nil {
		s.logger.Error("discover units", "source", source, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to discover units")
		return
	}

	s.writeJSON(w, http.StatusOK, unitsResponse{Source: source, Units: cases})
}
