// Package metrics exposes Prometheus instruments for the agent loop,
// tool executor and KPI refresh. All recording methods are safe on a nil
// *Metrics so components can run without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the registered collectors.
type Metrics struct {
	registry *prometheus.Registry

	ToolCalls    *prometheus.CounterVec
	ToolDuration *prometheus.HistogramVec
	LoopCycles   prometheus.Counter
	Turns        *prometheus.CounterVec
	LLMTokens    *prometheus.CounterVec
	KPIRefreshes *prometheus.CounterVec
	DependencyUp *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ToolCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finops_tool_calls_total",
			Help: "Tool executions by tool and outcome",
		}, []string{"tool", "outcome"}),
		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "finops_tool_duration_seconds",
			Help:    "Tool execution latency",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"tool"}),
		LoopCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "finops_loop_cycles_total",
			Help: "Inference cycles run by the orchestration loop",
		}),
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finops_turns_total",
			Help: "Completed conversation turns by outcome",
		}, []string{"outcome"}),
		LLMTokens: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finops_llm_tokens_total",
			Help: "Tokens consumed by direction",
		}, []string{"direction"}),
		KPIRefreshes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "finops_kpi_refreshes_total",
			Help: "KPI refreshes by outcome",
		}, []string{"outcome"}),
		DependencyUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "finops_dependency_up",
			Help: "1 when the named collaborator answered its last probe",
		}, []string{"dependency"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTool records one tool execution. outcome is "ok" or a failure
// kind.
func (m *Metrics) RecordTool(tool, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ToolCalls.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// RecordCycle counts one inference cycle.
func (m *Metrics) RecordCycle() {
	if m == nil {
		return
	}
	m.LoopCycles.Inc()
}

// RecordTurn counts a finished turn.
func (m *Metrics) RecordTurn(outcome string) {
	if m == nil {
		return
	}
	m.Turns.WithLabelValues(outcome).Inc()
}

// RecordTokens adds token usage for one inference call.
func (m *Metrics) RecordTokens(input, output int) {
	if m == nil {
		return
	}
	m.LLMTokens.WithLabelValues("input").Add(float64(input))
	m.LLMTokens.WithLabelValues("output").Add(float64(output))
}

// RecordKPIRefresh counts a KPI refresh.
func (m *Metrics) RecordKPIRefresh(ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.KPIRefreshes.WithLabelValues(outcome).Inc()
}

// SetDependency records a collaborator's reachability.
func (m *Metrics) SetDependency(name string, up bool) {
	if m == nil {
		return
	}
	v := 0.0
	if up {
		v = 1
	}
	m.DependencyUp.WithLabelValues(name).Set(v)
}
