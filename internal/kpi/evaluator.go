package kpi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nikhil-bora/finops-agent/internal/cloud"
)

// Evaluation errors. A null or empty result is never stored as zero.
var (
	ErrNullResult           = errors.New("query returned NULL value - check date filters")
	ErrNoData               = errors.New("query returned no data")
	ErrUnsupportedQueryType = errors.New("query type not supported yet")
)

// QueryRunner runs CUR SQL.
type QueryRunner interface {
	Query(ctx context.Context, sql string) (*cloud.QueryResult, error)
}

// CostSource serves coverage, anomaly and forecast lookups.
type CostSource interface {
	ReservationCoverage(ctx context.Context, period cloud.DateInterval, granularity string) (*cloud.Coverage, []cloud.Coverage, error)
	Anomalies(ctx context.Context, q cloud.AnomalyQuery) ([]cloud.Anomaly, error)
	CostForecast(ctx context.Context, period cloud.DateInterval, granularity string) (*cloud.Forecast, error)
}

// SavingsSource serves rightsizing recommendations.
type SavingsSource interface {
	EC2Recommendations(ctx context.Context, maxResults int32) (*cloud.Recommendations, error)
}

// BudgetSource serves budget status.
type BudgetSource interface {
	Status(ctx context.Context, accountID string) (*cloud.BudgetStatus, error)
}

// Sources bundles the collaborators a KPI query can reach. Any field
// may be nil; queries that need it then fail.
type Sources struct {
	CUR      QueryRunner
	Cost     CostSource
	Savings  SavingsSource
	Budgets  BudgetSource
	CURTable string // quoted "db"."table"
}

type namedQuery func(ctx context.Context) (any, error)

// Evaluator runs KPI query specifications. Named queries are bound once
// at construction; anything not in the table is unsupported.
type Evaluator struct {
	src    Sources
	named  map[string]map[string]namedQuery
	now    func() time.Time
	logger *slog.Logger
}

// NewEvaluator binds the named query table to src.
func NewEvaluator(src Sources, logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Evaluator{src: src, now: time.Now, logger: logger.With("component", "kpi_eval")}
	e.named = map[string]map[string]namedQuery{
		QueryCostExplorer: {
			"get_ri_coverage":     e.riCoverage,
			"get_anomalies_count": e.significantAnomalies,
		},
		QueryForecast: {
			"get_cost_forecast_next_month": e.forecastNextMonth,
			"get_mtd_vs_forecast":          e.mtdVsForecast,
		},
		QueryAnomaly: {
			"get_anomalies_30d": e.anomalies30d,
		},
		QueryOptimizer: {
			"get_ec2_savings": e.ec2Savings,
		},
		QueryBudget: {
			"get_budget_overages": e.budgetOverages,
		},
	}
	return e
}

// Supported reports whether queryType/query resolves to an evaluation.
func (e *Evaluator) Supported(queryType, query string) bool {
	if queryType == QueryCUR {
		return true
	}
	_, ok := e.named[queryType][strings.TrimSpace(query)]
	return ok
}

// Evaluate runs def's query and returns the new value.
func (e *Evaluator) Evaluate(ctx context.Context, def Definition) (any, error) {
	if def.QueryType == QueryCUR {
		return e.cur(ctx, def.Query)
	}
	calls, ok := e.named[def.QueryType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedQueryType, def.QueryType)
	}
	fn, ok := calls[strings.TrimSpace(def.Query)]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrUnsupportedQueryType, def.QueryType, def.Query)
	}
	return fn(ctx)
}

// ResolveTable substitutes the quoted CUR table for the placeholder.
func (e *Evaluator) ResolveTable(query string) string {
	return strings.ReplaceAll(query, TablePlaceholder, e.src.CURTable)
}

func (e *Evaluator) cur(ctx context.Context, query string) (any, error) {
	if e.src.CUR == nil {
		return nil, errors.New("athena not configured")
	}
	res, err := e.src.CUR.Query(ctx, e.ResolveTable(query))
	if err != nil {
		return nil, err
	}
	v, ok := res.First()
	if !ok {
		return nil, ErrNoData
	}
	if v == nil {
		return nil, ErrNullResult
	}
	return *v, nil
}

func (e *Evaluator) today() time.Time {
	now := e.now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
}

func (e *Evaluator) last30Days() cloud.DateInterval {
	today := e.today()
	return cloud.DateInterval{Start: today.AddDate(0, 0, -30), End: today}
}

func (e *Evaluator) costSource() (CostSource, error) {
	if e.src.Cost == nil {
		return nil, errors.New("cost explorer not configured")
	}
	return e.src.Cost, nil
}

func (e *Evaluator) riCoverage(ctx context.Context) (any, error) {
	ce, err := e.costSource()
	if err != nil {
		return nil, err
	}
	total, _, err := ce.ReservationCoverage(ctx, e.last30Days(), "MONTHLY")
	if err != nil {
		return nil, err
	}
	if total == nil || total.Percentage == "" {
		return nil, ErrNoData
	}
	pct, err := strconv.ParseFloat(total.Percentage, 64)
	if err != nil {
		return nil, fmt.Errorf("parse coverage %q: %w", total.Percentage, err)
	}
	return pct, nil
}

func (e *Evaluator) significantAnomalies(ctx context.Context) (any, error) {
	ce, err := e.costSource()
	if err != nil {
		return nil, err
	}
	anomalies, err := ce.Anomalies(ctx, cloud.AnomalyQuery{Period: e.last30Days(), MinImpact: 100})
	if err != nil {
		return nil, err
	}
	return len(anomalies), nil
}

func (e *Evaluator) anomalies30d(ctx context.Context) (any, error) {
	ce, err := e.costSource()
	if err != nil {
		return nil, err
	}
	anomalies, err := ce.Anomalies(ctx, cloud.AnomalyQuery{Period: e.last30Days()})
	if err != nil {
		return nil, err
	}
	return len(anomalies), nil
}

func (e *Evaluator) forecastNextMonth(ctx context.Context) (any, error) {
	ce, err := e.costSource()
	if err != nil {
		return nil, err
	}
	today := e.today()
	firstOfMonth := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC)
	period := cloud.DateInterval{
		Start: today.AddDate(0, 0, 1),
		End:   firstOfMonth.AddDate(0, 2, 0).AddDate(0, 0, -1),
	}
	f, err := ce.CostForecast(ctx, period, "MONTHLY")
	if err != nil {
		return nil, err
	}
	return f.Total.Float(), nil
}

// mtdVsForecast renders "$MTD / $month total". A forecast failure
// degrades to "$MTD (forecast unavailable)".
func (e *Evaluator) mtdVsForecast(ctx context.Context) (any, error) {
	if e.src.CUR == nil {
		return nil, errors.New("athena not configured")
	}
	query := `SELECT ROUND(SUM("lineitem/unblendedcost"), 2) AS cost
FROM ` + e.src.CURTable + `
WHERE "lineitem/usagestartdate" >= DATE_TRUNC('month', CURRENT_DATE)
  AND "lineitem/usagestartdate" < CURRENT_DATE`
	res, err := e.src.CUR.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	var mtd float64
	if v, ok := res.First(); ok && v != nil {
		mtd, _ = strconv.ParseFloat(*v, 64)
	}

	today := e.today()
	firstOfNext := time.Date(today.Year(), today.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	period := cloud.DateInterval{Start: today.AddDate(0, 0, 1), End: firstOfNext}

	if e.src.Cost != nil {
		f, err := e.src.Cost.CostForecast(ctx, period, "MONTHLY")
		if err == nil {
			return FormatMoney(mtd) + " / " + FormatMoney(mtd+f.Total.Float()), nil
		}
		e.logger.Warn("forecast unavailable for mtd kpi", "error", err)
	}
	return FormatMoney(mtd) + " (forecast unavailable)", nil
}

func (e *Evaluator) ec2Savings(ctx context.Context) (any, error) {
	if e.src.Savings == nil {
		return nil, errors.New("compute optimizer not configured")
	}
	recs, err := e.src.Savings.EC2Recommendations(ctx, 0)
	if err != nil {
		return nil, err
	}
	return recs.PotentialSavings, nil
}

func (e *Evaluator) budgetOverages(ctx context.Context) (any, error) {
	if e.src.Budgets == nil {
		return nil, errors.New("budgets not configured")
	}
	status, err := e.src.Budgets.Status(ctx, "")
	if err != nil {
		return nil, err
	}
	return status.Overages(), nil
}
