// Package charts validates chart requests and renders them as
// self-contained HTML artifacts that load plotly.js.
//
// A chart request names a chart type, a data payload and style hints.
// Each chart type has a fixed data shape; a payload that does not match
// is rejected with a [ShapeError] naming the expected shape instead of
// being coerced.
package charts

import (
	"fmt"
	"sort"
)

// Chart types.
const (
	Bar        = "bar"
	Line       = "line"
	Pie        = "pie"
	Area       = "area"
	Scatter    = "scatter"
	StackedBar = "stacked_bar"
	GroupedBar = "grouped_bar"
	Donut      = "donut"
	Treemap    = "treemap"
)

// Types returns every supported chart type.
func Types() []string {
	return []string{Bar, Line, Pie, Area, Scatter, StackedBar, GroupedBar, Donut, Treemap}
}

var schemes = map[string][]string{
	"default":   {"#636EFA", "#EF553B", "#00CC96", "#AB63FA", "#FFA15A", "#19D3F3", "#FF6692", "#B6E880", "#FF97FF", "#FECB52"},
	"blues":     {"#4472C4", "#5B9BD5", "#70AD47", "#FFC000", "#ED7D31"},
	"reds":      {"#C5504B", "#E15759", "#F28E2B", "#E74C3C", "#D35400"},
	"greens":    {"#70AD47", "#4CAF50", "#2ECC71", "#27AE60", "#16A085"},
	"purples":   {"#9966FF", "#B565D8", "#8B5CF6", "#A855F7", "#9333EA"},
	"viridis":   {"#440154", "#31688E", "#35B779", "#FDE724", "#21908C"},
	"plasma":    {"#0D0887", "#7E03A8", "#CC4678", "#F89540", "#F0F921"},
	"financial": {"#2E7D32", "#C62828", "#1565C0", "#F57C00", "#6A1B9A"},
}

// Schemes returns the color scheme names in sorted order.
func Schemes() []string {
	names := make([]string, 0, len(schemes))
	for name := range schemes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Colors returns the palette for a scheme. Unknown names get the
// default palette.
func Colors(scheme string) []string {
	if c, ok := schemes[scheme]; ok {
		return c
	}
	return schemes["default"]
}

// Spec is a chart request.
type Spec struct {
	Title       string         `json:"title"`
	ChartType   string         `json:"chart_type"`
	Description string         `json:"description,omitempty"`
	XLabel      string         `json:"x_label,omitempty"`
	YLabel      string         `json:"y_label,omitempty"`
	ColorScheme string         `json:"color_scheme,omitempty"`
	Data        map[string]any `json:"data"`
}

// ShapeError reports a data payload that does not fit its chart type.
type ShapeError struct {
	ChartType string
	Message   string
}

func (e *ShapeError) Error() string { return e.Message }

func shapeErr(chartType, format string, args ...any) error {
	return &ShapeError{ChartType: chartType, Message: fmt.Sprintf(format, args...)}
}

// Validate checks the data payload against the chart type.
func (s Spec) Validate() error {
	switch s.ChartType {
	case Bar, Line, Area, Scatter:
		x, okX := s.Data["x"].([]any)
		y, okY := s.Data["y"].([]any)
		if !okX || !okY {
			return shapeErr(s.ChartType, "%s chart requires 'x' and 'y' data as arrays. Example: {'x': ['a','b'], 'y': [1,2]}", s.ChartType)
		}
		if len(x) != len(y) {
			return shapeErr(s.ChartType, "%s chart requires 'x' and 'y' of equal length. Got %d x values and %d y values", s.ChartType, len(x), len(y))
		}
	case Pie, Donut, Treemap:
		labels, okL := s.Data["labels"].([]any)
		values, okV := s.Data["values"].([]any)
		if !okL || !okV {
			return shapeErr(s.ChartType, "%s chart requires 'labels' and 'values' data as arrays. Example: {'labels': ['EC2','S3'], 'values': [10,5]}", s.ChartType)
		}
		if len(labels) != len(values) {
			return shapeErr(s.ChartType, "%s chart requires 'labels' and 'values' of equal length. Got %d labels and %d values", s.ChartType, len(labels), len(values))
		}
	case GroupedBar, StackedBar:
		if _, ok := s.Data["y"].(map[string]any); !ok {
			return shapeErr(s.ChartType, "%s chart requires 'y' data to be a dictionary with multiple series. Got %s instead. Example: {'y': {'Series 1': [1,2,3], 'Series 2': [4,5,6]}}", s.ChartType, typeName(s.Data["y"]))
		}
		if _, ok := s.Data["x"].([]any); !ok {
			return shapeErr(s.ChartType, "%s chart requires 'x' data as an array of categories", s.ChartType)
		}
	default:
		return shapeErr(s.ChartType, "unsupported chart type %q", s.ChartType)
	}
	return nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	case string:
		return "string"
	case float64, int:
		return "number"
	case bool:
		return "boolean"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// Figure is a plotly figure: a trace list and a layout.
type Figure struct {
	Data   []map[string]any `json:"data"`
	Layout map[string]any   `json:"layout"`
}

// Figure validates the spec and builds its plotly figure.
func (s Spec) Figure() (*Figure, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	colors := Colors(s.ColorScheme)
	fig := &Figure{Layout: s.layout()}

	switch s.ChartType {
	case Bar:
		fig.Data = []map[string]any{{
			"type": "bar", "x": s.Data["x"], "y": s.Data["y"], "marker": map[string]any{"color": colors[0]},
		}}
	case Line:
		fig.Data = []map[string]any{{
			"type": "scatter", "mode": "lines+markers", "x": s.Data["x"], "y": s.Data["y"],
			"line": map[string]any{"color": colors[0], "width": 3},
		}}
	case Area:
		fig.Data = []map[string]any{{
			"type": "scatter", "fill": "tozeroy", "x": s.Data["x"], "y": s.Data["y"],
			"line": map[string]any{"color": colors[0]},
		}}
	case Scatter:
		fig.Data = []map[string]any{{
			"type": "scatter", "mode": "markers", "x": s.Data["x"], "y": s.Data["y"],
			"marker": map[string]any{"size": 10, "color": colors[0]},
		}}
	case Pie, Donut:
		hole := 0.0
		if s.ChartType == Donut {
			hole = 0.4
		}
		fig.Data = []map[string]any{{
			"type": "pie", "labels": s.Data["labels"], "values": s.Data["values"], "hole": hole,
			"marker": map[string]any{"colors": colors},
		}}
	case Treemap:
		labels := s.Data["labels"].([]any)
		parents, ok := s.Data["parents"].([]any)
		if !ok {
			parents = make([]any, len(labels))
			for i := range parents {
				parents[i] = ""
			}
		}
		fig.Data = []map[string]any{{
			"type": "treemap", "labels": labels, "parents": parents, "values": s.Data["values"],
			"marker": map[string]any{"colors": colors, "colorscale": "Viridis"},
		}}
	case GroupedBar, StackedBar:
		series := s.Data["y"].(map[string]any)
		names := make([]string, 0, len(series))
		for name := range series {
			names = append(names, name)
		}
		sort.Strings(names)
		for i, name := range names {
			fig.Data = append(fig.Data, map[string]any{
				"type": "bar", "name": name, "x": s.Data["x"], "y": series[name],
				"marker": map[string]any{"color": colors[i%len(colors)]},
			})
		}
		if s.ChartType == GroupedBar {
			fig.Layout["barmode"] = "group"
		} else {
			fig.Layout["barmode"] = "stack"
		}
	}
	return fig, nil
}

func (s Spec) layout() map[string]any {
	return map[string]any{
		"title": map[string]any{
			"text": s.Title, "x": 0.5, "xanchor": "center",
			"font": map[string]any{"size": 20, "color": "#333"},
		},
		"xaxis":         map[string]any{"title": map[string]any{"text": s.XLabel}},
		"yaxis":         map[string]any{"title": map[string]any{"text": s.YLabel}},
		"plot_bgcolor":  "white",
		"paper_bgcolor": "white",
		"hovermode":     "x unified",
		"font":          map[string]any{"family": "Inter, sans-serif", "size": 12},
		"margin":        map[string]any{"l": 60, "r": 40, "t": 80, "b": 60},
		"height":        500,
	}
}
