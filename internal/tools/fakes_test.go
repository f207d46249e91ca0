package tools

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/nikhil-bora/finops-agent/internal/cloud"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testNow is the fixed clock used by registry tests.
var testNow = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestRegistry(t *testing.T, deps Deps) *Registry {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = discardLogger()
	}
	r, err := NewRegistry(deps)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	r.now = func() time.Time { return testNow }
	return r
}

type fakeCUR struct {
	mu      sync.Mutex
	queries []string
	result  *cloud.QueryResult
	err     error
}

func (f *fakeCUR) Query(_ context.Context, sql string) (*cloud.QueryResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, sql)
	if f.err != nil {
		return nil, f.err
	}
	if f.result == nil {
		return &cloud.QueryResult{Columns: []string{}, Rows: []map[string]*string{}}, nil
	}
	return f.result, nil
}

type fakeCost struct {
	costQuery    cloud.CostQuery
	anomalyQuery cloud.AnomalyQuery
	forecastArgs struct {
		period      cloud.DateInterval
		metric      string
		granularity string
	}
	anomalies []cloud.Anomaly
	forecast  *cloud.Forecast
	values    []string
	err       error
}

func (f *fakeCost) CostAndUsage(_ context.Context, q cloud.CostQuery) ([]cloud.PeriodCost, error) {
	f.costQuery = q
	if f.err != nil {
		return nil, f.err
	}
	return []cloud.PeriodCost{{Start: "2025-02-01", End: "2025-03-01", Total: &cloud.Amount{Amount: "12.5", Unit: "USD"}}}, nil
}

func (f *fakeCost) MetricForecast(_ context.Context, period cloud.DateInterval, metric, gran string) (*cloud.Forecast, error) {
	f.forecastArgs.period = period
	f.forecastArgs.metric = metric
	f.forecastArgs.granularity = gran
	if f.err != nil {
		return nil, f.err
	}
	if f.forecast != nil {
		return f.forecast, nil
	}
	return &cloud.Forecast{Total: cloud.Amount{Amount: "100", Unit: "USD"}}, nil
}

func (f *fakeCost) Anomalies(_ context.Context, q cloud.AnomalyQuery) ([]cloud.Anomaly, error) {
	f.anomalyQuery = q
	if f.err != nil {
		return nil, f.err
	}
	return f.anomalies, nil
}

func (f *fakeCost) ReservationCoverage(_ context.Context, _ cloud.DateInterval, _ string) (*cloud.Coverage, []cloud.Coverage, error) {
	if f.err != nil {
		return nil, nil, f.err
	}
	return &cloud.Coverage{Percentage: "42.0"}, nil, nil
}

func (f *fakeCost) SavingsPlansCoverage(_ context.Context, _ cloud.DateInterval, _ string) ([]cloud.Coverage, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []cloud.Coverage{{Percentage: "10.0"}}, nil
}

func (f *fakeCost) DimensionValues(_ context.Context, _ string, _ cloud.DateInterval, _ string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.values, nil
}

// fakeMetrics answers every query through fn.
type fakeMetrics struct {
	mu    sync.Mutex
	calls []cloud.MetricQuery
	fn    func(q cloud.MetricQuery) ([]cloud.Datapoint, error)
}

func (f *fakeMetrics) Statistics(_ context.Context, q cloud.MetricQuery) ([]cloud.Datapoint, error) {
	f.mu.Lock()
	f.calls = append(f.calls, q)
	f.mu.Unlock()
	if f.fn == nil {
		return nil, nil
	}
	return f.fn(q)
}

type fakeInstances map[string]cloud.Instance

func (f fakeInstances) DescribeInstances(_ context.Context, ids []string) (map[string]cloud.Instance, error) {
	out := make(map[string]cloud.Instance)
	for _, id := range ids {
		if inst, ok := f[id]; ok {
			out[id] = inst
		}
	}
	return out, nil
}

type fakeRightsizing struct {
	ec2, lambda       *cloud.Recommendations
	ec2Err, lambdaErr error
}

func (f *fakeRightsizing) EC2Recommendations(_ context.Context, _ int32) (*cloud.Recommendations, error) {
	return f.ec2, f.ec2Err
}

func (f *fakeRightsizing) LambdaRecommendations(_ context.Context, _ int32) (*cloud.Recommendations, error) {
	return f.lambda, f.lambdaErr
}

func point(avg, maxV float64) cloud.Datapoint {
	return cloud.Datapoint{Average: &avg, Maximum: &maxV, Minimum: &avg}
}
