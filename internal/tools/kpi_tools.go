package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/nikhil-bora/finops-agent/internal/events"
	"github.com/nikhil-bora/finops-agent/internal/kpi"
)

// Presentation defaults for KPIs created by the model.
const (
	defaultKPIIcon     = "📊"
	defaultKPIColor    = "#a826b3"
	defaultKPISize     = "medium"
	defaultKPIInterval = 3600
)

var kpiFormats = []string{kpi.FormatCurrency, kpi.FormatNumber, kpi.FormatPercentage, kpi.FormatText}

var kpiSizes = []string{"small", "medium", "large"}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func (r *Registry) registerKPITools() error {
	tools := []*Tool{
		{
			Name: "create_kpi",
			Description: `Create a custom KPI card on the dashboard. Use this when the user asks to track a metric.

For query_type "cur" write SQL against {table} returning a single value in the first column of the first row. For query_type "cost_explorer" use a named query: get_ri_coverage or get_anomalies_count.`,
			Parameters: object(map[string]any{
				"name":             str("KPI display name, e.g. 'S3 Storage Cost'"),
				"description":      str("What this KPI measures"),
				"query_type":       enum("Where the value comes from", kpi.QueryCUR, kpi.QueryCostExplorer),
				"query":            str("SQL using {table}, or a named Cost Explorer query"),
				"format":           enum("How the value is displayed", kpiFormats...),
				"icon":             str("Emoji icon, default 📊"),
				"color":            str("Hex color, default #a826b3"),
				"size":             enum("Card size", kpiSizes...),
				"refresh_interval": integer("Refresh interval in seconds, default 3600"),
			}, "name", "description", "query_type", "query", "format"),
			Handler: r.handleCreateKPI,
		},
		{
			Name:        "list_kpis",
			Description: "List all KPIs on the dashboard with their current values and definitions.",
			Parameters:  object(map[string]any{}),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if r.deps.KPIs == nil {
					return nil, unavailable("list_kpis", "the KPI store")
				}
				defs, err := r.deps.KPIs.List()
				if err != nil {
					return nil, err
				}
				return map[string]any{"kpis": defs, "count": len(defs)}, nil
			},
		},
		{
			Name:        "update_kpi",
			Description: "Update an existing KPI's definition or presentation. Only the fields given in updates change.",
			Parameters: object(map[string]any{
				"kpi_id": str("KPI id from list_kpis"),
				"updates": object(map[string]any{
					"name":             str("New display name"),
					"description":      str("New description"),
					"query_type":       enum("New query type", kpi.QueryCUR, kpi.QueryCostExplorer),
					"query":            str("New query"),
					"format":           enum("New display format", kpiFormats...),
					"icon":             str("New icon"),
					"color":            str("New color"),
					"size":             enum("New card size", kpiSizes...),
					"refresh_interval": integer("New refresh interval in seconds"),
				}),
			}, "kpi_id", "updates"),
			Handler: r.handleUpdateKPI,
		},
		{
			Name:        "delete_kpi",
			Description: "Remove a KPI from the dashboard.",
			Parameters: object(map[string]any{
				"kpi_id": str("KPI id from list_kpis"),
			}, "kpi_id"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if r.deps.KPIs == nil {
					return nil, unavailable("delete_kpi", "the KPI store")
				}
				id := stringArg(args, "kpi_id")
				if err := r.deps.KPIs.Delete(id); err != nil {
					return nil, kpiError(id, err)
				}
				return map[string]any{
					"kpi_id":  id,
					"message": fmt.Sprintf("KPI '%s' deleted successfully", id),
				}, nil
			},
		},
		{
			Name:        "refresh_kpi",
			Description: "Re-run a KPI's query now and store the new value.",
			Parameters: object(map[string]any{
				"kpi_id": str("KPI id from list_kpis"),
			}, "kpi_id"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if r.deps.KPIs == nil {
					return nil, unavailable("refresh_kpi", "the KPI store")
				}
				id := stringArg(args, "kpi_id")
				res, err := r.deps.KPIs.Refresh(ctx, id)
				if err != nil {
					return nil, kpiError(id, err)
				}
				return res, nil
			},
		},
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) handleCreateKPI(ctx context.Context, args map[string]any) (any, error) {
	if r.deps.KPIs == nil {
		return nil, unavailable("create_kpi", "the KPI store")
	}
	name := stringArg(args, "name")
	id := kpi.Slug(name)
	if id == "" {
		return nil, &Failure{Kind: KindSchemaViolation, Message: "KPI name must not be blank"}
	}

	def, err := r.deps.KPIs.Create(kpi.Definition{
		ID:              id,
		Name:            name,
		Description:     stringArg(args, "description"),
		QueryType:       stringArg(args, "query_type"),
		Query:           stringArg(args, "query"),
		Format:          stringArg(args, "format"),
		Icon:            stringArgOr(args, "icon", defaultKPIIcon),
		Color:           stringArgOr(args, "color", defaultKPIColor),
		Size:            stringArgOr(args, "size", defaultKPISize),
		RefreshInterval: intArg(args, "refresh_interval", defaultKPIInterval),
	})
	if err != nil {
		return nil, err
	}

	r.deps.Events.Emit(events.SourceKPI, events.KindKPICreated, map[string]any{
		"conversation_id": ConversationIDFromContext(ctx),
		"kpi":             def,
	})
	return map[string]any{
		"kpi_id":  def.ID,
		"message": fmt.Sprintf("KPI '%s' created successfully and added to dashboard", def.Name),
		"action":  "kpi_created",
	}, nil
}

func (r *Registry) handleUpdateKPI(ctx context.Context, args map[string]any) (any, error) {
	if r.deps.KPIs == nil {
		return nil, unavailable("update_kpi", "the KPI store")
	}
	id := stringArg(args, "kpi_id")
	updates := objectArg(args, "updates")

	var u kpi.Update
	strField := func(key string) *string {
		if s, ok := updates[key].(string); ok {
			return &s
		}
		return nil
	}
	u.Name = strField("name")
	u.Description = strField("description")
	u.QueryType = strField("query_type")
	u.Query = strField("query")
	u.Format = strField("format")
	u.Icon = strField("icon")
	u.Color = strField("color")
	u.Size = strField("size")
	if _, ok := updates["refresh_interval"]; ok {
		n := intArg(updates, "refresh_interval", defaultKPIInterval)
		u.RefreshInterval = &n
	}

	if _, err := r.deps.KPIs.Update(id, u); err != nil {
		return nil, kpiError(id, err)
	}
	return map[string]any{
		"kpi_id":  id,
		"message": fmt.Sprintf("KPI '%s' updated successfully", id),
		"updates": updates,
	}, nil
}

// kpiError turns an unknown id into an input failure the model can act
// on. Other errors pass through to classification.
func kpiError(id string, err error) error {
	if errors.Is(err, kpi.ErrNotFound) {
		return &Failure{Kind: KindUnsupported, Message: fmt.Sprintf("KPI '%s' not found", id), Detail: "use list_kpis to see existing ids"}
	}
	return err
}
