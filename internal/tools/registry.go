// Package tools defines the tools available to the agent and executes
// them.
//
// Every tool declares a JSON schema for its input. The schema is
// compiled when the tool is registered and checked before the handler
// runs, so handlers only ever see structurally valid payloads. Results
// come back as a [Result] envelope: handler errors and panics never
// escape [Registry.Execute].
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nikhil-bora/finops-agent/internal/charts"
	"github.com/nikhil-bora/finops-agent/internal/cloud"
	"github.com/nikhil-bora/finops-agent/internal/events"
	"github.com/nikhil-bora/finops-agent/internal/kpi"
	"github.com/nikhil-bora/finops-agent/internal/llm"
	"github.com/nikhil-bora/finops-agent/internal/metrics"
)

// Handler runs a tool. The returned value is JSON-encoded for the model.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool represents a callable tool.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Handler     Handler        `json:"-"`

	schema *jsonschema.Schema
}

// QueryRunner runs CUR SQL through Athena.
type QueryRunner interface {
	Query(ctx context.Context, sql string) (*cloud.QueryResult, error)
}

// CostSource is the Cost Explorer surface the cost tools use.
type CostSource interface {
	CostAndUsage(ctx context.Context, q cloud.CostQuery) ([]cloud.PeriodCost, error)
	MetricForecast(ctx context.Context, period cloud.DateInterval, metric, granularity string) (*cloud.Forecast, error)
	Anomalies(ctx context.Context, q cloud.AnomalyQuery) ([]cloud.Anomaly, error)
	ReservationCoverage(ctx context.Context, period cloud.DateInterval, granularity string) (*cloud.Coverage, []cloud.Coverage, error)
	SavingsPlansCoverage(ctx context.Context, period cloud.DateInterval, granularity string) ([]cloud.Coverage, error)
	DimensionValues(ctx context.Context, dimension string, period cloud.DateInterval, search string) ([]string, error)
}

// MetricSource serves CloudWatch statistics.
type MetricSource interface {
	Statistics(ctx context.Context, q cloud.MetricQuery) ([]cloud.Datapoint, error)
}

// InstanceSource describes EC2 instances.
type InstanceSource interface {
	DescribeInstances(ctx context.Context, ids []string) (map[string]cloud.Instance, error)
}

// RightsizingSource serves Compute Optimizer recommendations.
type RightsizingSource interface {
	EC2Recommendations(ctx context.Context, maxResults int32) (*cloud.Recommendations, error)
	LambdaRecommendations(ctx context.Context, maxResults int32) (*cloud.Recommendations, error)
}

// BudgetSource serves AWS Budgets status.
type BudgetSource interface {
	Status(ctx context.Context, accountID string) (*cloud.BudgetStatus, error)
}

// Deps are the collaborators the built-in tools call. Any collaborator
// may be nil: its tools stay registered so the model sees a stable
// catalog, and report themselves unavailable when called.
type Deps struct {
	CUR         QueryRunner
	CURTable    string // quoted "db"."table"
	Cost        CostSource
	Metrics     MetricSource
	Instances   InstanceSource
	Rightsizing RightsizingSource
	Budgets     BudgetSource

	KPIs           *kpi.Manager
	Charts         *charts.Renderer
	ChartTemplates *charts.Templates
	Events         *events.Bus

	CodeExec     CodeExecConfig
	WorkflowsDir string

	Stats  *metrics.Metrics
	Logger *slog.Logger
}

// Registry holds available tools. It is read-only once NewRegistry
// returns.
type Registry struct {
	tools  map[string]*Tool
	order  []string
	deps   Deps
	now    func() time.Time
	stats  *metrics.Metrics
	logger *slog.Logger
}

// NewRegistry creates a registry holding every built-in tool.
func NewRegistry(deps Deps) (*Registry, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Tool),
		deps:   deps,
		now:    time.Now,
		stats:  deps.Stats,
		logger: logger.With("component", "tools"),
	}
	for _, register := range []func() error{
		r.registerCostTools,
		r.registerMetricTools,
		r.registerCodeTools,
		r.registerWorkflowTools,
		r.registerKPITools,
		r.registerVisualizationTools,
	} {
		if err := register(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register compiles t's input schema and adds it to the registry.
func (r *Registry) Register(t *Tool) error {
	if t.Name == "" || t.Handler == nil {
		return fmt.Errorf("register tool %q: name and handler are required", t.Name)
	}
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("register tool %q: already registered", t.Name)
	}
	raw, err := json.Marshal(t.Parameters)
	if err != nil {
		return fmt.Errorf("encode schema for %s: %w", t.Name, err)
	}
	schema, err := jsonschema.CompileString(t.Name+".schema.json", string(raw))
	if err != nil {
		return fmt.Errorf("compile schema for %s: %w", t.Name, err)
	}
	t.schema = schema
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// Definitions returns the catalog in the shape the inference backend
// expects, in registration order.
func (r *Registry) Definitions() []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			r.logger.Error("encode tool schema", "tool", name, "error", err)
			continue
		}
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: raw,
		})
	}
	return defs
}

// today is the current UTC date at midnight.
func (r *Registry) today() time.Time {
	return r.now().UTC().Truncate(24 * time.Hour)
}

// schema helpers keep the registration tables readable.

func object(props map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func str(desc string) map[string]any {
	return map[string]any{"type": "string", "description": desc}
}

func enum(desc string, values ...string) map[string]any {
	return map[string]any{"type": "string", "enum": values, "description": desc}
}

func number(desc string) map[string]any {
	return map[string]any{"type": "number", "description": desc}
}

func strList(desc string) map[string]any {
	return map[string]any{
		"type":        "array",
		"items":       map[string]any{"type": "string"},
		"description": desc,
	}
}
