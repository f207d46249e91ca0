package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/nikhil-bora/finops-agent/internal/charts"
	"github.com/nikhil-bora/finops-agent/internal/conversation"
)

// minAnalysisLength is the shortest assistant reply that becomes a text
// widget.
const minAnalysisLength = 50

const visualizationTool = "create_visualization"

// CreateFromConversation builds a dashboard from a conversation: one
// chart widget per visualization tool result and one text widget per
// substantial assistant reply, in conversation order.
func (m *Manager) CreateFromConversation(conv *conversation.Conversation, name string) (*Dashboard, error) {
	var widgets []Widget
	for _, turn := range conv.Turns {
		switch {
		case turn.Role == conversation.RoleTool && turn.ToolName == visualizationTool:
			w, ok := chartWidget(turn.ToolOutput)
			if !ok {
				m.logger.Debug("skipping visualization turn without a chart", "conversation_id", conv.ID)
				continue
			}
			widgets = append(widgets, w)
		case turn.Role == conversation.RoleAssistant && len(turn.Content) > minAnalysisLength:
			widgets = append(widgets, Widget{
				Type:    WidgetText,
				Title:   "Analysis",
				Content: turn.Content,
				Width:   "full",
			})
		}
	}

	d, err := m.Create(name, "Generated from conversation "+conv.ID, conv.ID)
	if err != nil {
		return nil, err
	}
	if len(widgets) == 0 {
		return d, nil
	}
	return m.mutate(d.ID, func(d *Dashboard, now time.Time) error {
		for i := range widgets {
			widgets[i].ID = fmt.Sprintf("widget_%d_%d", now.Unix(), i)
			widgets[i].Position = i
			widgets[i].Created = now
		}
		d.Widgets = widgets
		return nil
	})
}

func chartWidget(output string) (Widget, bool) {
	var art struct {
		Title       string `json:"title"`
		Description string `json:"description"`
		URL         string `json:"url"`
		Filename    string `json:"filename"`
	}
	if err := json.Unmarshal([]byte(output), &art); err != nil {
		return Widget{}, false
	}
	url := art.URL
	if url == "" {
		if art.Filename == "" {
			return Widget{}, false
		}
		url = charts.URLPrefix + art.Filename
	}
	title := art.Title
	if title == "" {
		title = "Chart"
	}
	return Widget{
		Type:        WidgetChart,
		Title:       title,
		Description: art.Description,
		ChartURL:    url,
		Width:       "full",
	}, true
}

// Preset is a quick-pick filter value.
type Preset struct {
	Name  string `json:"name"`
	Type  string `json:"type,omitempty"`
	Value string `json:"value,omitempty"`
	Start string `json:"start,omitempty"`
	End   string `json:"end,omitempty"`
}

// Presets groups the quick-pick filters offered by the UI.
type Presets struct {
	DateRanges []Preset `json:"date_ranges"`
	Services   []Preset `json:"services"`
	Regions    []Preset `json:"regions"`
}

// FilterPresets returns the preset filters relative to now.
func FilterPresets(now time.Time) Presets {
	const layout = "2006-01-02"
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	firstOfMonth := today.AddDate(0, 0, 1-today.Day())
	lastMonthEnd := firstOfMonth.AddDate(0, 0, -1)
	lastMonthStart := lastMonthEnd.AddDate(0, 0, 1-lastMonthEnd.Day())

	dr := func(name string, start, end time.Time) Preset {
		return Preset{Name: name, Type: FilterDateRange, Start: start.Format(layout), End: end.Format(layout)}
	}
	return Presets{
		DateRanges: []Preset{
			dr("Today", today, today),
			dr("Last 7 Days", today.AddDate(0, 0, -7), today),
			dr("Last 30 Days", today.AddDate(0, 0, -30), today),
			dr("This Month", firstOfMonth, today),
			dr("Last Month", lastMonthStart, lastMonthEnd),
		},
		Services: []Preset{
			{Name: "EC2", Value: "AmazonEC2"},
			{Name: "S3", Value: "AmazonS3"},
			{Name: "RDS", Value: "AmazonRDS"},
			{Name: "Lambda", Value: "AWSLambda"},
			{Name: "EKS", Value: "AmazonEKS"},
			{Name: "DynamoDB", Value: "AmazonDynamoDB"},
		},
		Regions: []Preset{
			{Name: "US East (N. Virginia)", Value: "us-east-1"},
			{Name: "US West (Oregon)", Value: "us-west-2"},
			{Name: "EU (Ireland)", Value: "eu-west-1"},
			{Name: "Asia Pacific (Singapore)", Value: "ap-southeast-1"},
		},
	}
}

// FilterDimension maps a filter type to its Cost Explorer dimension.
// Unknown types are upper-cased.
func FilterDimension(filterType string) string {
	switch filterType {
	case FilterService:
		return "SERVICE"
	case FilterRegion:
		return "REGION"
	case FilterAccount:
		return "LINKED_ACCOUNT"
	case "instance_type":
		return "INSTANCE_TYPE"
	case "usage_type":
		return "USAGE_TYPE"
	default:
		return strings.ToUpper(filterType)
	}
}

// Regenerator re-renders a chart template with filters applied.
type Regenerator interface {
	Regenerate(ctx context.Context, chartID string, f charts.Filters) (*charts.Artifact, error)
}

// WidgetView is a widget prepared for display.
type WidgetView struct {
	Widget
	ContentHTML string `json:"content_html,omitempty"`
	Filtered    bool   `json:"filtered"`
}

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

// Views prepares d's widgets for display. Text widgets get their
// markdown rendered to HTML. Chart widgets with a stored template are
// re-rendered with the filters that apply to them; a chart that cannot
// be regenerated keeps its original URL and is reported unfiltered.
func (m *Manager) Views(ctx context.Context, d *Dashboard, regen Regenerator) []WidgetView {
	views := make([]WidgetView, 0, len(d.Widgets))
	for _, w := range d.Widgets {
		v := WidgetView{Widget: w}
		switch w.Type {
		case WidgetText:
			var buf bytes.Buffer
			if err := markdown.Convert([]byte(w.Content), &buf); err != nil {
				m.logger.Warn("render widget markdown", "widget_id", w.ID, "error", err)
			} else {
				v.ContentHTML = buf.String()
			}
		case WidgetChart:
			f := d.FiltersFor(w)
			id := w.ChartID()
			if regen == nil || id == "" || f.Empty() {
				break
			}
			art, err := regen.Regenerate(ctx, id, f)
			if err != nil {
				if !errors.Is(err, charts.ErrTemplateNotFound) {
					m.logger.Warn("could not generate filtered chart", "chart_id", id, "error", err)
				}
				break
			}
			v.ChartURL = art.URL
			v.Filtered = true
		}
		views = append(views, v)
	}
	return views
}
