package api

import (
	"errors"
	"net/http"

	"github.com/nikhil-bora/finops-agent/internal/charts"
)

// handleChartFile serves a rendered chart page.
func (s *Server) handleChartFile(w http.ResponseWriter, r *http.Request) {
	if s.deps.Charts == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chart renderer not configured")
		return
	}
	path, err := s.deps.Charts.Path(r.PathValue("filename"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	http.ServeFile(w, r, path)
}

func (s *Server) handleChartList(w http.ResponseWriter, r *http.Request) {
	if s.deps.Charts == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chart renderer not configured")
		return
	}
	entries, err := s.deps.Charts.List()
	if err != nil {
		s.internalError(w, "list charts", err)
		return
	}
	if entries == nil {
		entries = []charts.Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, entries, s.logger)
}

// handleChartRender re-renders a stored chart template with the filters
// in the body.
func (s *Server) handleChartRender(w http.ResponseWriter, r *http.Request) {
	if s.deps.Templates == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "chart templates not configured")
		return
	}
	var f charts.Filters
	if !s.decodeJSON(w, r, &f) {
		return
	}
	id := r.PathValue("id")
	art, err := s.deps.Templates.Regenerate(r.Context(), id, f)
	switch {
	case err == nil:
	case errors.Is(err, charts.ErrNoData):
		s.errorResponse(w, http.StatusUnprocessableEntity, err.Error())
		return
	default:
		s.storeError(w, "render chart", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"success":   true,
		"chart_url": art.URL,
	}, s.logger)
}
