package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/nikhil-bora/finops-agent/internal/charts"
	"github.com/nikhil-bora/finops-agent/internal/cloud"
	"github.com/nikhil-bora/finops-agent/internal/kpi"
)

func TestCatalog(t *testing.T) {
	r := newTestRegistry(t, Deps{})

	want := []string{
		"query_cur_data", "get_cost_by_service", "get_cost_by_tag", "analyze_cost_anomalies",
		"get_untagged_resources", "get_ri_sp_coverage", "get_cost_forecast", "get_cost_anomalies",
		"get_rightsizing_recommendations", "get_budgets_status", "get_dimension_values",
		"get_ec2_utilization", "correlate_cost_utilization", "get_resource_utilization",
		"get_multi_resource_metrics", "execute_code", "save_workflow", "list_workflows",
		"load_workflow", "create_kpi", "list_kpis", "update_kpi", "delete_kpi", "refresh_kpi",
		"create_visualization",
	}
	got := r.Names()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Names() =\n%v\nwant\n%v", got, want)
	}

	defs := r.Definitions()
	if len(defs) != len(want) {
		t.Fatalf("Definitions() has %d entries, want %d", len(defs), len(want))
	}
	for _, d := range defs {
		if d.Description == "" {
			t.Errorf("%s has no description", d.Name)
		}
		var schema map[string]any
		if err := json.Unmarshal(d.InputSchema, &schema); err != nil {
			t.Fatalf("%s schema: %v", d.Name, err)
		}
		if schema["type"] != "object" {
			t.Errorf("%s schema type = %v, want object", d.Name, schema["type"])
		}
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := newTestRegistry(t, Deps{})
	err := r.Register(&Tool{
		Name:       "query_cur_data",
		Parameters: object(map[string]any{}),
		Handler:    func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	if err == nil {
		t.Fatal("duplicate registration succeeded")
	}
}

// spy registers a tool that records whether its handler ran.
func spy(t *testing.T, r *Registry, handler Handler) *bool {
	t.Helper()
	called := new(bool)
	err := r.Register(&Tool{
		Name:        "spy",
		Description: "test tool",
		Parameters: object(map[string]any{
			"count": number("a number"),
			"mode":  enum("a mode", "fast", "slow"),
		}, "count"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			*called = true
			return handler(ctx, args)
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return called
}

func TestExecuteSchemaViolation(t *testing.T) {
	tests := []struct {
		name  string
		input map[string]any
	}{
		{"missing required", map[string]any{}},
		{"wrong type", map[string]any{"count": "three"}},
		{"outside enum", map[string]any{"count": 3, "mode": "medium"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRegistry(t, Deps{})
			called := spy(t, r, func(context.Context, map[string]any) (any, error) {
				return "ran", nil
			})

			res := r.Execute(context.Background(), "spy", tt.input)
			if res.OK() {
				t.Fatal("expected failure")
			}
			if res.Failure.Kind != KindSchemaViolation {
				t.Errorf("kind = %s, want %s", res.Failure.Kind, KindSchemaViolation)
			}
			if res.Failure.Detail == "" {
				t.Error("detail should name the offending field")
			}
			if *called {
				t.Error("handler ran despite invalid input")
			}
		})
	}
}

func TestExecuteValidInput(t *testing.T) {
	r := newTestRegistry(t, Deps{})
	var seen map[string]any
	spy(t, r, func(_ context.Context, args map[string]any) (any, error) {
		seen = args
		return map[string]any{"ok": true}, nil
	})

	res := r.Execute(context.Background(), "spy", map[string]any{"count": 3, "mode": "fast"})
	if !res.OK() {
		t.Fatalf("unexpected failure: %+v", res.Failure)
	}
	if seen["count"] != float64(3) {
		t.Errorf("count = %#v, want float64(3) after JSON round trip", seen["count"])
	}
	if res.Content() != `{"ok":true}` {
		t.Errorf("Content() = %s", res.Content())
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := newTestRegistry(t, Deps{})
	res := r.Execute(context.Background(), "no_such_tool", nil)
	if res.OK() || res.Failure.Kind != KindUnsupported {
		t.Fatalf("result = %+v, want unsupported failure", res)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	r := newTestRegistry(t, Deps{})
	spy(t, r, func(context.Context, map[string]any) (any, error) {
		panic("boom")
	})

	res := r.Execute(context.Background(), "spy", map[string]any{"count": 1})
	if res.OK() {
		t.Fatal("expected failure")
	}
	if res.Failure.Kind != KindCollaboratorFailure || res.Failure.Detail != "boom" {
		t.Errorf("failure = %+v", res.Failure)
	}
}

func TestExecuteUnavailableCollaborator(t *testing.T) {
	r := newTestRegistry(t, Deps{})
	res := r.Execute(context.Background(), "query_cur_data", map[string]any{"query": "SELECT 1"})
	if res.OK() || res.Failure.Kind != KindUnsupported {
		t.Fatalf("result = %+v, want unsupported", res)
	}
	if !strings.Contains(res.Failure.Message, "Athena is not configured") {
		t.Errorf("message = %q", res.Failure.Message)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantKind   FailureKind
		wantDetail string
	}{
		{"shape", &charts.ShapeError{ChartType: "pie", Message: "bad"}, KindSchemaViolation, ""},
		{"unavailable", unavailable("x", "Athena"), KindUnsupported, ""},
		{"unsupported kpi", fmt.Errorf("refresh: %w", kpi.ErrUnsupportedQueryType), KindUnsupported, ""},
		{"athena timeout", fmt.Errorf("run: %w", cloud.ErrQueryTimeout), KindTimeout, ""},
		{"deadline", context.DeadlineExceeded, KindTimeout, ""},
		{"query failed", &cloud.QueryFailedError{QueryID: "q1", State: "FAILED", Reason: "syntax"}, KindCollaboratorFailure, "FAILED"},
		{"plain", errors.New("network down"), KindCollaboratorFailure, ""},
		{"explicit", &Failure{Kind: KindTimeout, Message: "slow"}, KindTimeout, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := classify(tt.err)
			if f.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s", f.Kind, tt.wantKind)
			}
			if f.Detail != tt.wantDetail {
				t.Errorf("detail = %q, want %q", f.Detail, tt.wantDetail)
			}
			if f.Message == "" {
				t.Error("message is empty")
			}
		})
	}
}

func TestContentCarriesWarnings(t *testing.T) {
	cost := &fakeCost{}
	r := newTestRegistry(t, Deps{Cost: cost})

	res := r.Execute(context.Background(), "get_cost_forecast", map[string]any{
		"start_date": "2025-01-01",
		"end_date":   "2025-05-01",
	})
	if !res.OK() {
		t.Fatalf("unexpected failure: %+v", res.Failure)
	}
	if len(res.Warnings) != 1 || res.Warnings[0].Field != "start_date" {
		t.Fatalf("warnings = %+v", res.Warnings)
	}

	var body map[string]any
	if err := json.Unmarshal([]byte(res.Content()), &body); err != nil {
		t.Fatalf("content is not JSON: %v", err)
	}
	if body["start_date"] != "2025-03-10" {
		t.Errorf("start_date = %v, want clamped to today", body["start_date"])
	}
	if _, ok := body["warnings"]; !ok {
		t.Error("content has no warnings")
	}
}

func TestContentFailure(t *testing.T) {
	res := Result{
		Tool:     "x",
		Failure:  &Failure{Kind: KindTimeout, Message: "Execution timed out (30s limit)"},
		Warnings: []Warning{{Field: "end_date"}},
	}
	var body map[string]any
	if err := json.Unmarshal([]byte(res.Content()), &body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "Execution timed out (30s limit)" || body["kind"] != "timeout" {
		t.Errorf("body = %v", body)
	}
	if _, ok := body["detail"]; ok {
		t.Error("empty detail should be omitted")
	}
	if _, ok := body["warnings"]; !ok {
		t.Error("warnings missing from failure content")
	}
}

func TestResultContentCapped(t *testing.T) {
	rows := make([]map[string]string, 5000)
	for i := range rows {
		rows[i] = map[string]string{"service": "AmazonEC2", "cost": "12.34", "note": "€"}
	}
	res := Result{Tool: "query_cur_data", Data: map[string]any{"data": rows}}

	got := res.Content()
	if len(got) > MaxContentBytes+200 {
		t.Fatalf("Content() is %d bytes, want about %d", len(got), MaxContentBytes)
	}
	if !strings.Contains(got, "bytes omitted") {
		t.Error("capped content has no omission note")
	}
	if !utf8.ValidString(got) {
		t.Error("capped content is not valid UTF-8")
	}

	small := Result{Tool: "x", Data: map[string]any{"ok": true}}
	if small.Content() != `{"ok":true}` {
		t.Errorf("small Content() = %s", small.Content())
	}
}
