package tools

import (
	"context"

	"github.com/nikhil-bora/finops-agent/internal/charts"
)

const visualizationDescription = `Create an interactive chart from data you already have. Use after querying cost data to show trends, breakdowns or comparisons.

Data shapes by chart_type:
- bar, line, area, scatter: {"x": [...], "y": [...]} of equal length
- pie, donut, treemap: {"labels": [...], "values": [...]}
- grouped_bar, stacked_bar: {"x": [...], "y": {"Series A": [...], "Series B": [...]}}

A payload that does not match its chart type is rejected; it is never coerced.`

// VisualizationTool is the tool whose full output is kept in history
// and in progress events.
const VisualizationTool = "create_visualization"

func (r *Registry) registerVisualizationTools() error {
	return r.Register(&Tool{
		Name:        VisualizationTool,
		Description: visualizationDescription,
		Parameters: object(map[string]any{
			"title":      str("Chart title"),
			"chart_type": enum("Type of chart", charts.Types()...),
			"data": map[string]any{
				"type":        "object",
				"description": "Chart data, shaped for the chart type",
			},
			"x_label":      str("X-axis label"),
			"y_label":      str("Y-axis label"),
			"description":  str("One-line explanation shown under the chart"),
			"color_scheme": enum("Color palette", charts.Schemes()...),
		}, "title", "chart_type", "data"),
		Handler: r.handleVisualization,
	})
}

func (r *Registry) handleVisualization(ctx context.Context, args map[string]any) (any, error) {
	if r.deps.Charts == nil {
		return nil, unavailable(VisualizationTool, "the chart renderer")
	}
	spec := charts.Spec{
		Title:       stringArg(args, "title"),
		ChartType:   stringArg(args, "chart_type"),
		Description: stringArg(args, "description"),
		XLabel:      stringArg(args, "x_label"),
		YLabel:      stringArg(args, "y_label"),
		ColorScheme: stringArgOr(args, "color_scheme", "default"),
		Data:        objectArg(args, "data"),
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	artifact, err := r.deps.Charts.Render(ctx, spec)
	if err != nil {
		return nil, err
	}
	if r.deps.ChartTemplates != nil {
		if err := r.deps.ChartTemplates.SaveStatic(artifact.ChartID(), spec); err != nil {
			r.logger.Warn("chart template not saved", "chart_id", artifact.ChartID(), "error", err)
		}
	}
	return artifact, nil
}
