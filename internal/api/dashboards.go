package api

import (
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/nikhil-bora/finops-agent/internal/cloud"
	"github.com/nikhil-bora/finops-agent/internal/dashboard"
)

// filterValueLimit caps the values returned for one dimension.
const filterValueLimit = 50

func (s *Server) dashboardsReady(w http.ResponseWriter) bool {
	if s.deps.Dashboards == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "dashboards not configured")
		return false
	}
	return true
}

func (s *Server) handleDashboardList(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	list, err := s.deps.Dashboards.List()
	if err != nil {
		s.internalError(w, "list dashboards", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"dashboards": list}, s.logger)
}

// handleDashboardCreate creates an empty dashboard, or one built from a
// conversation's charts and analysis when conversation_id is given.
func (s *Server) handleDashboardCreate(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	var req struct {
		Name           string `json:"name"`
		Description    string `json:"description"`
		ConversationID string `json:"conversation_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		s.errorResponse(w, http.StatusBadRequest, "Name is required")
		return
	}

	var d *dashboard.Dashboard
	var err error
	if req.ConversationID != "" {
		if !s.conversationsReady(w) {
			return
		}
		conv, cerr := s.deps.Conversations.Get(req.ConversationID)
		if cerr != nil {
			s.storeError(w, "load conversation", cerr)
			return
		}
		d, err = s.deps.Dashboards.CreateFromConversation(conv, req.Name)
	} else {
		d, err = s.deps.Dashboards.Create(req.Name, req.Description, "")
	}
	if err != nil {
		s.internalError(w, "create dashboard", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, d, s.logger)
}

func (s *Server) handleDashboardGet(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	d, err := s.deps.Dashboards.Get(r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get dashboard", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, d, s.logger)
}

func (s *Server) handleDashboardUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	var u dashboard.Update
	if !s.decodeJSON(w, r, &u) {
		return
	}
	d, err := s.deps.Dashboards.Update(r.PathValue("id"), u)
	if err != nil {
		s.storeError(w, "update dashboard", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"success": true, "dashboard": d}, s.logger)
}

func (s *Server) handleDashboardDelete(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	if err := s.deps.Dashboards.Delete(r.PathValue("id")); err != nil {
		s.storeError(w, "delete dashboard", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}

// handleWidgetViews returns the widgets prepared for display: markdown
// rendered and charts re-rendered with the dashboard filters.
func (s *Server) handleWidgetViews(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	d, err := s.deps.Dashboards.Get(r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get dashboard", err)
		return
	}
	views := s.deps.Dashboards.Views(r.Context(), d, s.deps.Templates)
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"widgets": views,
		"filters": d.Filters,
	}, s.logger)
}

func (s *Server) handleWidgetAdd(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	var widget dashboard.Widget
	if !s.decodeJSON(w, r, &widget) {
		return
	}
	switch widget.Type {
	case dashboard.WidgetChart, dashboard.WidgetText:
	default:
		s.errorResponse(w, http.StatusBadRequest, "widget type must be chart or text")
		return
	}
	added, err := s.deps.Dashboards.AddWidget(r.PathValue("id"), widget)
	if err != nil {
		s.storeError(w, "add widget", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]any{"success": true, "widget": added}, s.logger)
}

func (s *Server) handleWidgetUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	var u dashboard.WidgetUpdate
	if !s.decodeJSON(w, r, &u) {
		return
	}
	if _, err := s.deps.Dashboards.UpdateWidget(r.PathValue("id"), r.PathValue("widget"), u); err != nil {
		s.storeError(w, "update widget", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}

func (s *Server) handleWidgetDelete(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	if err := s.deps.Dashboards.RemoveWidget(r.PathValue("id"), r.PathValue("widget")); err != nil {
		s.storeError(w, "remove widget", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}

func (s *Server) handleWidgetLinkFilters(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	var req struct {
		FilterIDs *[]string `json:"filter_ids"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.FilterIDs == nil {
		s.errorResponse(w, http.StatusBadRequest, "filter_ids array is required")
		return
	}
	if _, err := s.deps.Dashboards.LinkFilters(r.PathValue("id"), r.PathValue("widget"), *req.FilterIDs); err != nil {
		s.storeError(w, "link filters", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}

func (s *Server) handleFilterList(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	d, err := s.deps.Dashboards.Get(r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get dashboard", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"filters": d.Filters}, s.logger)
}

func (s *Server) handleFilterAdd(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	var f dashboard.Filter
	if !s.decodeJSON(w, r, &f) {
		return
	}
	if f.Type == "" {
		s.errorResponse(w, http.StatusBadRequest, "Filter type is required")
		return
	}
	d, err := s.deps.Dashboards.AddFilter(r.PathValue("id"), f)
	if err != nil {
		if isNotFound(err) {
			s.errorResponse(w, http.StatusNotFound, err.Error())
		} else {
			s.errorResponse(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"success": true, "filters": d.Filters}, s.logger)
}

func (s *Server) handleFilterUpdate(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	var u dashboard.FilterUpdate
	if !s.decodeJSON(w, r, &u) {
		return
	}
	d, err := s.deps.Dashboards.UpdateFilter(r.PathValue("id"), r.PathValue("filter"), u)
	if err != nil {
		s.storeError(w, "update filter", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"success": true, "filters": d.Filters}, s.logger)
}

func (s *Server) handleFilterDelete(w http.ResponseWriter, r *http.Request) {
	if !s.dashboardsReady(w) {
		return
	}
	if _, err := s.deps.Dashboards.RemoveFilter(r.PathValue("id"), r.PathValue("filter")); err != nil {
		s.storeError(w, "remove filter", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}

func (s *Server) handleFilterPresets(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, dashboard.FilterPresets(s.now()), s.logger)
}

// handleFilterValues lists the values seen for a filter dimension over
// the last 30 days, sorted and capped.
func (s *Server) handleFilterValues(w http.ResponseWriter, r *http.Request) {
	if s.deps.Dimensions == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "cost explorer not configured")
		return
	}
	dimension := r.PathValue("dimension")
	now := s.now().UTC()
	end := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	period := cloud.DateInterval{Start: end.AddDate(0, 0, -30), End: end}

	values, err := s.deps.Dimensions.DimensionValues(r.Context(), dashboard.FilterDimension(dimension), period, "")
	if err != nil {
		s.internalError(w, "dimension values", err)
		return
	}
	sort.Strings(values)
	if len(values) > filterValueLimit {
		values = values[:filterValueLimit]
	}
	if values == nil {
		values = []string{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"success":   true,
		"dimension": dimension,
		"values":    values,
	}, s.logger)
}
