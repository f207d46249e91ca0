// Package api implements the HTTP and WebSocket transport: chat, KPI,
// conversation, context, chart and dashboard endpoints over the
// application's stores, plus liveness and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nikhil-bora/finops-agent/internal/agent"
	"github.com/nikhil-bora/finops-agent/internal/buildinfo"
	"github.com/nikhil-bora/finops-agent/internal/charts"
	"github.com/nikhil-bora/finops-agent/internal/cloud"
	"github.com/nikhil-bora/finops-agent/internal/connwatch"
	"github.com/nikhil-bora/finops-agent/internal/contexts"
	"github.com/nikhil-bora/finops-agent/internal/conversation"
	"github.com/nikhil-bora/finops-agent/internal/dashboard"
	"github.com/nikhil-bora/finops-agent/internal/events"
	"github.com/nikhil-bora/finops-agent/internal/kpi"
	"github.com/nikhil-bora/finops-agent/internal/metrics"
	"github.com/nikhil-bora/finops-agent/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Chatter runs one user turn.
type Chatter interface {
	Run(ctx context.Context, req agent.Request) (*agent.Response, error)
}

// DimensionSource lists the values of a cost dimension.
type DimensionSource interface {
	DimensionValues(ctx context.Context, dimension string, period cloud.DateInterval, search string) ([]string, error)
}

// Config holds listener and request settings.
type Config struct {
	Address           string
	Port              int
	TurnTimeout       time.Duration // per chat turn, default 10m
	ChatRatePerMinute int           // per client; 0 disables limiting
}

// Deps are the stores and services behind the endpoints. Any may be
// nil; the endpoints needing a missing one answer 503.
type Deps struct {
	Agent         Chatter
	Conversations conversation.Store
	KPIs          *kpi.Manager
	Contexts      *contexts.Store
	Dashboards    *dashboard.Manager
	Charts        *charts.Renderer
	Templates     dashboard.Regenerator
	Dimensions    DimensionSource
	Usage         *usage.Store
	Events        *events.Bus
	Stats         *metrics.Metrics
	Health        *connwatch.Manager
	Logger        *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *slog.Logger
	server  *http.Server
	limiter *clientLimiter
	hub     *hub
	now     func() time.Time

	// turns outlive the request that started them
	ctx    context.Context
	cancel context.CancelFunc
	turns  sync.WaitGroup
}

// NewServer creates a new API server.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 10 * time.Minute
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "api")
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		limiter: newClientLimiter(cfg.ChatRatePerMinute),
		hub:     newHub(logger),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Chat
	mux.HandleFunc("POST /api/chat", s.handleChat)
	mux.HandleFunc("POST /api/clear", s.handleClear)

	// KPIs
	mux.HandleFunc("GET /api/kpis", s.handleKPIList)
	mux.HandleFunc("POST /api/kpis", s.handleKPICreate)
	mux.HandleFunc("GET /api/kpis/templates", s.handleKPITemplates)
	mux.HandleFunc("GET /api/kpis/{id}", s.handleKPIGet)
	mux.HandleFunc("PUT /api/kpis/{id}", s.handleKPIUpdate)
	mux.HandleFunc("DELETE /api/kpis/{id}", s.handleKPIDelete)
	mux.HandleFunc("POST /api/kpis/{id}/refresh", s.handleKPIRefresh)

	// Charts
	mux.HandleFunc("GET /charts/{filename}", s.handleChartFile)
	mux.HandleFunc("GET /api/charts", s.handleChartList)
	mux.HandleFunc("POST /api/charts/{id}/render", s.handleChartRender)

	// Conversations
	mux.HandleFunc("GET /api/conversations", s.handleConversationList)
	mux.HandleFunc("POST /api/conversations/new", s.handleConversationNew)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleConversationDelete)

	// Custom contexts
	mux.HandleFunc("GET /api/contexts", s.handleContextList)
	mux.HandleFunc("POST /api/contexts", s.handleContextCreate)
	mux.HandleFunc("POST /api/contexts/upload", s.handleContextUpload)
	mux.HandleFunc("GET /api/contexts/{id}", s.handleContextGet)
	mux.HandleFunc("PUT /api/contexts/{id}", s.handleContextUpdate)
	mux.HandleFunc("DELETE /api/contexts/{id}", s.handleContextDelete)

	// Dashboards
	mux.HandleFunc("GET /api/dashboards", s.handleDashboardList)
	mux.HandleFunc("POST /api/dashboards", s.handleDashboardCreate)
	mux.HandleFunc("GET /api/dashboards/{id}", s.handleDashboardGet)
	mux.HandleFunc("PUT /api/dashboards/{id}", s.handleDashboardUpdate)
	mux.HandleFunc("DELETE /api/dashboards/{id}", s.handleDashboardDelete)
	mux.HandleFunc("GET /api/dashboards/{id}/widgets", s.handleWidgetViews)
	mux.HandleFunc("POST /api/dashboards/{id}/widgets", s.handleWidgetAdd)
	mux.HandleFunc("PUT /api/dashboards/{id}/widgets/{widget}", s.handleWidgetUpdate)
	mux.HandleFunc("DELETE /api/dashboards/{id}/widgets/{widget}", s.handleWidgetDelete)
	mux.HandleFunc("POST /api/dashboards/{id}/widgets/{widget}/filters", s.handleWidgetLinkFilters)
	mux.HandleFunc("GET /api/dashboards/{id}/filters", s.handleFilterList)
	mux.HandleFunc("POST /api/dashboards/{id}/filters", s.handleFilterAdd)
	mux.HandleFunc("PUT /api/dashboards/{id}/filters/{filter}", s.handleFilterUpdate)
	mux.HandleFunc("DELETE /api/dashboards/{id}/filters/{filter}", s.handleFilterDelete)
	mux.HandleFunc("GET /api/filter-presets", s.handleFilterPresets)
	mux.HandleFunc("GET /api/filter-values/{dimension}", s.handleFilterValues)

	// Usage ledger
	mux.HandleFunc("GET /api/usage", s.handleUsage)

	// Observability
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)
	if s.deps.Stats != nil {
		mux.Handle("GET /metrics", s.deps.Stats.Handler())
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", s.cfg.Address, s.cfg.Port),
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
		// Synchronous chat replies can run for minutes.
		WriteTimeout: s.cfg.TurnTimeout + 30*time.Second,
	}

	addr := s.cfg.Address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.cfg.Port)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting requests, cancels background turns and
// waits for them to return.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.hub.closeAll()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.turns.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("background turns still running at shutdown")
	}
	return err
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.Info(), s.logger)
}

// handleHealth always answers 200; an unreachable collaborator turns
// the status to degraded.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	durable := s.deps.Conversations != nil && s.deps.Conversations.Durable()
	status := "healthy"
	if !s.deps.Health.Healthy() {
		status = "degraded"
	}
	deps := s.deps.Health.Status()
	if deps == nil {
		deps = []connwatch.Status{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status":            status,
		"dependencies":      deps,
		"durable_history":   durable,
		"websocket_clients": s.hub.count(),
		"uptime":            buildinfo.Uptime().Round(time.Second).String(),
	}, s.logger)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Usage == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "usage ledger not configured")
		return
	}
	days := parseIntParam(r, "days", 30)
	end := s.now()
	start := end.AddDate(0, 0, -days)

	total, err := s.deps.Usage.Summary(start, end)
	if err != nil {
		s.internalError(w, "usage summary", err)
		return
	}
	byModel, err := s.deps.Usage.SummaryByModel(start, end)
	if err != nil {
		s.internalError(w, "usage summary", err)
		return
	}
	bySource, err := s.deps.Usage.SummaryBySource(start, end)
	if err != nil {
		s.internalError(w, "usage summary", err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"days":      days,
		"total":     total,
		"by_model":  byModel,
		"by_source": bySource,
	}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"type":    errorType(code),
			"code":    code,
		},
	}, s.logger)
}

func errorType(code int) string {
	switch {
	case code == http.StatusNotFound:
		return "not_found"
	case code == http.StatusTooManyRequests:
		return "rate_limited"
	case code >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}

// internalError logs err and answers 500.
func (s *Server) internalError(w http.ResponseWriter, what string, err error) {
	s.logger.Error(what+" failed", "error", err)
	s.errorResponse(w, http.StatusInternalServerError, err.Error())
}

// storeError answers 404 for not-found errors and 500 otherwise.
func (s *Server) storeError(w http.ResponseWriter, what string, err error) {
	if isNotFound(err) {
		s.errorResponse(w, http.StatusNotFound, err.Error())
		return
	}
	s.internalError(w, what, err)
}

func isNotFound(err error) bool {
	for _, target := range []error{
		conversation.ErrNotFound,
		kpi.ErrNotFound,
		contexts.ErrNotFound,
		dashboard.ErrNotFound,
		dashboard.ErrWidgetNotFound,
		dashboard.ErrFilterNotFound,
		charts.ErrTemplateNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// decodeJSON reads a JSON body into v. An empty body leaves v alone.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 10<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
	return false
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return defaultVal
	}
	return n
}
