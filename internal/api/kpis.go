package api

import (
	"net/http"

	"github.com/nikhil-bora/finops-agent/internal/events"
	"github.com/nikhil-bora/finops-agent/internal/kpi"
)

func (s *Server) kpisReady(w http.ResponseWriter) bool {
	if s.deps.KPIs == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "kpi manager not configured")
		return false
	}
	return true
}

func (s *Server) handleKPIList(w http.ResponseWriter, r *http.Request) {
	if !s.kpisReady(w) {
		return
	}
	defs, err := s.deps.KPIs.List()
	if err != nil {
		s.internalError(w, "list kpis", err)
		return
	}
	if defs == nil {
		defs = []kpi.Definition{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, defs, s.logger)
}

func (s *Server) handleKPIGet(w http.ResponseWriter, r *http.Request) {
	if !s.kpisReady(w) {
		return
	}
	d, err := s.deps.KPIs.Get(r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get kpi", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, d, s.logger)
}

func (s *Server) handleKPICreate(w http.ResponseWriter, r *http.Request) {
	if !s.kpisReady(w) {
		return
	}
	var d kpi.Definition
	if !s.decodeJSON(w, r, &d) {
		return
	}
	if d.QueryType != "" && !kpi.ValidQueryType(d.QueryType) {
		s.errorResponse(w, http.StatusBadRequest, "unknown query_type "+d.QueryType)
		return
	}
	created, err := s.deps.KPIs.Create(d)
	if err != nil {
		s.internalError(w, "create kpi", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, created, s.logger)
}

func (s *Server) handleKPIUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.kpisReady(w) {
		return
	}
	var u kpi.Update
	if !s.decodeJSON(w, r, &u) {
		return
	}
	if u.QueryType != nil && !kpi.ValidQueryType(*u.QueryType) {
		s.errorResponse(w, http.StatusBadRequest, "unknown query_type "+*u.QueryType)
		return
	}
	d, err := s.deps.KPIs.Update(r.PathValue("id"), u)
	if err != nil {
		s.storeError(w, "update kpi", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, d, s.logger)
}

func (s *Server) handleKPIDelete(w http.ResponseWriter, r *http.Request) {
	if !s.kpisReady(w) {
		return
	}
	if err := s.deps.KPIs.Delete(r.PathValue("id")); err != nil {
		s.storeError(w, "delete kpi", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{"status": "deleted"}, s.logger)
}

// handleKPIRefresh evaluates a KPI now and publishes the new value.
func (s *Server) handleKPIRefresh(w http.ResponseWriter, r *http.Request) {
	if !s.kpisReady(w) {
		return
	}
	id := r.PathValue("id")
	if _, err := s.deps.KPIs.Get(id); err != nil {
		s.storeError(w, "get kpi", err)
		return
	}
	res, err := s.deps.KPIs.Refresh(r.Context(), id)
	s.deps.Stats.RecordKPIRefresh(err == nil)
	if err != nil {
		s.deps.Events.Emit(events.SourceKPI, events.KindKPIRefreshed, map[string]any{
			"kpi_id": id,
			"error":  err.Error(),
		})
		s.storeError(w, "refresh kpi", err)
		return
	}
	s.deps.Events.Emit(events.SourceKPI, events.KindKPIRefreshed, map[string]any{
		"kpi_id": id,
		"value":  res.Value,
		"trend":  res.Trend,
	})
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, res, s.logger)
}

func (s *Server) handleKPITemplates(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, kpi.Templates(), s.logger)
}
