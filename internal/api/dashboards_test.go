package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/nikhil-bora/finops-agent/internal/conversation"
	"github.com/nikhil-bora/finops-agent/internal/dashboard"
)

type widgetPage struct {
	Widgets []dashboard.WidgetView `json:"widgets"`
	Filters []dashboard.Filter     `json:"filters"`
}

type filterPage struct {
	Success bool               `json:"success"`
	Filters []dashboard.Filter `json:"filters"`
}

type valuesPage struct {
	Dimension string   `json:"dimension"`
	Values    []string `json:"values"`
}

func TestDashboardLifecycle(t *testing.T) {
	f := newFixture(t, Config{})

	if rec := f.do(t, "POST", "/api/dashboards", map[string]any{"description": "x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing name = %d, want 400", rec.Code)
	}

	rec := f.do(t, "POST", "/api/dashboards", map[string]any{"name": "Monthly review", "description": "ops"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create status = %d: %s", rec.Code, rec.Body.String())
	}
	d := decode[dashboard.Dashboard](t, rec)
	base := "/api/dashboards/" + d.ID

	rec = f.do(t, "POST", base+"/widgets", map[string]any{"type": "text", "title": "Notes", "content": "**Total** is up"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("add widget status = %d: %s", rec.Code, rec.Body.String())
	}
	added := decode[struct {
		Widget dashboard.Widget `json:"widget"`
	}](t, rec).Widget
	if added.ID == "" {
		t.Fatal("widget has no id")
	}
	if rec := f.do(t, "POST", base+"/widgets", map[string]any{"type": "video"}); rec.Code != http.StatusBadRequest {
		t.Errorf("bad widget type = %d, want 400", rec.Code)
	}

	rec = f.do(t, "PUT", base+"/widgets/"+added.ID, map[string]any{"title": "Summary"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update widget status = %d", rec.Code)
	}
	if rec := f.do(t, "PUT", base+"/widgets/nope", map[string]any{"title": "x"}); rec.Code != http.StatusNotFound {
		t.Errorf("update unknown widget = %d, want 404", rec.Code)
	}

	rec = f.do(t, "GET", base+"/widgets", nil)
	page := decode[widgetPage](t, rec)
	if len(page.Widgets) != 1 || page.Widgets[0].Title != "Summary" {
		t.Fatalf("widgets = %+v", page.Widgets)
	}
	if !strings.Contains(page.Widgets[0].ContentHTML, "<strong>Total</strong>") {
		t.Errorf("content_html = %q", page.Widgets[0].ContentHTML)
	}

	rec = f.do(t, "PUT", base, map[string]any{"name": "Monthly cost review"})
	if rec.Code != http.StatusOK {
		t.Fatalf("update status = %d", rec.Code)
	}
	rec = f.do(t, "GET", base, nil)
	if got := decode[dashboard.Dashboard](t, rec); got.Name != "Monthly cost review" || got.Description != "ops" {
		t.Errorf("dashboard = %+v", got)
	}

	rec = f.do(t, "GET", "/api/dashboards", nil)
	list := decode[map[string][]dashboard.Summary](t, rec)["dashboards"]
	if len(list) != 1 || list[0].WidgetCount != 1 {
		t.Errorf("list = %+v", list)
	}

	if rec := f.do(t, "DELETE", base+"/widgets/"+added.ID, nil); rec.Code != http.StatusOK {
		t.Errorf("delete widget = %d", rec.Code)
	}
	if rec := f.do(t, "DELETE", base, nil); rec.Code != http.StatusOK {
		t.Fatalf("delete = %d", rec.Code)
	}
	if rec := f.do(t, "GET", base, nil); rec.Code != http.StatusNotFound {
		t.Errorf("get after delete = %d, want 404", rec.Code)
	}
}

func TestDashboardFilters(t *testing.T) {
	f := newFixture(t, Config{})
	rec := f.do(t, "POST", "/api/dashboards", map[string]any{"name": "Filtered"})
	d := decode[dashboard.Dashboard](t, rec)
	base := "/api/dashboards/" + d.ID

	rec = f.do(t, "POST", base+"/widgets", map[string]any{"type": "chart", "title": "EC2", "chart_url": "/charts/chart_1.html"})
	widget := decode[struct {
		Widget dashboard.Widget `json:"widget"`
	}](t, rec).Widget

	if rec := f.do(t, "POST", base+"/filters", map[string]any{"name": "x"}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing type = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "POST", base+"/filters", map[string]any{"type": "colour", "value": "red"}); rec.Code != http.StatusBadRequest {
		t.Errorf("unknown type = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "POST", "/api/dashboards/nope/filters", map[string]any{"type": "service", "value": "AmazonEC2"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown dashboard = %d, want 404", rec.Code)
	}

	rec = f.do(t, "POST", base+"/filters", map[string]any{"type": "service", "value": "AmazonEC2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("add filter = %d: %s", rec.Code, rec.Body.String())
	}
	filters := decode[filterPage](t, rec).Filters
	if len(filters) != 1 || filters[0].ID == "" {
		t.Fatalf("filters = %+v", filters)
	}
	fid := filters[0].ID

	rec = f.do(t, "PUT", base+"/filters/"+fid, map[string]any{"value": "AmazonRDS"})
	if got := decode[filterPage](t, rec).Filters; len(got) != 1 || got[0].Value != "AmazonRDS" {
		t.Errorf("updated filters = %+v", got)
	}

	if rec := f.do(t, "POST", base+"/widgets/"+widget.ID+"/filters", map[string]any{}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing filter_ids = %d, want 400", rec.Code)
	}
	if rec := f.do(t, "POST", base+"/widgets/"+widget.ID+"/filters", map[string]any{"filter_ids": []string{fid}}); rec.Code != http.StatusOK {
		t.Errorf("link = %d", rec.Code)
	}

	// The chart widget is regenerated with the linked service filter.
	rec = f.do(t, "GET", base+"/widgets", nil)
	page := decode[widgetPage](t, rec)
	if len(page.Widgets) != 1 || !page.Widgets[0].Filtered || page.Widgets[0].ChartURL != "/charts/chart_1_filtered.html" {
		t.Errorf("widgets = %+v", page.Widgets)
	}
	if f.regen.called.Service != "AmazonRDS" {
		t.Errorf("regenerated with %+v", f.regen.called)
	}

	rec = f.do(t, "GET", base+"/filters", nil)
	if got := decode[filterPage](t, rec).Filters; len(got) != 1 {
		t.Errorf("filters = %+v", got)
	}
	if rec := f.do(t, "DELETE", base+"/filters/"+fid, nil); rec.Code != http.StatusOK {
		t.Errorf("delete filter = %d", rec.Code)
	}
	rec = f.do(t, "GET", base, nil)
	after := decode[dashboard.Dashboard](t, rec)
	if len(after.Filters) != 0 || len(after.Widgets[0].LinkedFilters) != 0 {
		t.Errorf("after delete filters = %+v, links = %v", after.Filters, after.Widgets[0].LinkedFilters)
	}
}

func TestDashboardFromConversation(t *testing.T) {
	f := newFixture(t, Config{})
	conv, err := f.convs.Create("default", "")
	if err != nil {
		t.Fatal(err)
	}
	analysis := "EC2 spend rose 18% month over month, driven by three new m5.4xlarge instances in us-east-1."
	for _, turn := range []conversation.Turn{
		conversation.UserTurn("why did EC2 go up?"),
		conversation.AssistantTurn(analysis),
	} {
		if err := f.convs.Append(conv.ID, turn); err != nil {
			t.Fatal(err)
		}
	}

	rec := f.do(t, "POST", "/api/dashboards", map[string]any{"name": "EC2 growth", "conversation_id": conv.ID})
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	d := decode[dashboard.Dashboard](t, rec)
	if d.ConversationID != conv.ID || len(d.Widgets) != 1 || d.Widgets[0].Content != analysis {
		t.Errorf("dashboard = %+v", d)
	}

	if rec := f.do(t, "POST", "/api/dashboards", map[string]any{"name": "x", "conversation_id": "conv_nope"}); rec.Code != http.StatusNotFound {
		t.Errorf("unknown conversation = %d, want 404", rec.Code)
	}
}

func TestFilterPresetsAndValues(t *testing.T) {
	f := newFixture(t, Config{})

	rec := f.do(t, "GET", "/api/filter-presets", nil)
	presets := decode[dashboard.Presets](t, rec)
	if len(presets.DateRanges) == 0 || len(presets.Services) == 0 {
		t.Errorf("presets = %+v", presets)
	}

	values := make([]string, 0, 60)
	for i := 59; i >= 0; i-- {
		values = append(values, "svc-"+string(rune('A'+i%26))+string(rune('a'+i/26)))
	}
	f.dims.values = values

	rec = f.do(t, "GET", "/api/filter-values/service", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	body := decode[valuesPage](t, rec)
	if f.dims.dimension != "SERVICE" {
		t.Errorf("queried dimension = %q, want SERVICE", f.dims.dimension)
	}
	if body.Dimension != "service" || len(body.Values) != filterValueLimit {
		t.Fatalf("body = %+v", body)
	}
	for i := 1; i < len(body.Values); i++ {
		if body.Values[i-1] > body.Values[i] {
			t.Fatalf("values not sorted: %v", body.Values)
		}
	}
}
