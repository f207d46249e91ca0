package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/nikhil-bora/finops-agent/internal/cloud"
)

const curQueryDescription = `PRIMARY TOOL: Execute SQL against the AWS Cost and Usage Report (CUR) in Athena. This is the most detailed, resource-level cost data; use it for all cost analysis queries.

Column names contain forward slashes and MUST be double-quoted: "lineitem/unblendedcost", "product/productname". Write {table} where the CUR table belongs; it is replaced with the configured table.

Tags are stored as JSON in raw_tags:
- Simple keys: json_extract_scalar(raw_tags, '$.Environment') = 'production'
- Keys with hyphens or colons: json_extract(raw_tags, '$["aws:eks:cluster-name"]') = '"dataplatform"' (json_extract returns quoted strings)

Example: SELECT "product/productname", ROUND(SUM("lineitem/unblendedcost"), 2) AS cost FROM {table} WHERE "lineitem/usagestartdate" >= DATE('2024-09-01') GROUP BY "product/productname" ORDER BY cost DESC LIMIT 10`

var dateRangeProps = map[string]any{
	"start_date": str("Start date YYYY-MM-DD"),
	"end_date":   str("End date YYYY-MM-DD"),
}

func withProps(base map[string]any, extra map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func (r *Registry) registerCostTools() error {
	tools := []*Tool{
		{
			Name:        "query_cur_data",
			Description: curQueryDescription,
			Parameters: object(map[string]any{
				"query": str(`SQL query against the CUR table. Double-quote every column name containing a slash, e.g. "lineitem/unblendedcost".`),
			}, "query"),
			Handler: r.handleQueryCUR,
		},
		{
			Name:        "get_cost_by_service",
			Description: "SECONDARY: Use the Cost Explorer API to get costs grouped by service. Only use this when you need forecasting context, a CUR query failed, or the user explicitly asks for Cost Explorer data.",
			Parameters: object(withProps(dateRangeProps, map[string]any{
				"granularity": enum("Time granularity", "DAILY", "MONTHLY", "HOURLY"),
			}), "start_date", "end_date"),
			Handler: r.handleCostByService,
		},
		{
			Name:        "get_cost_by_tag",
			Description: "Analyze costs grouped by a specific tag using Cost Explorer.",
			Parameters: object(withProps(dateRangeProps, map[string]any{
				"tag_key":     str("Tag key to group by"),
				"granularity": enum("Time granularity", "DAILY", "MONTHLY"),
			}), "tag_key", "start_date", "end_date"),
			Handler: r.handleCostByTag,
		},
		{
			Name:        "analyze_cost_anomalies",
			Description: "Detect cost anomalies using AWS Cost Anomaly Detection. Anomalies are retained for 90 days; older or future dates are adjusted and reported as warnings.",
			Parameters: object(withProps(dateRangeProps, map[string]any{
				"max_results": number("Maximum anomalies to return, 1 to 100 (default 50)"),
			}), "start_date", "end_date"),
			Handler: r.handleAnomalies,
		},
		{
			Name:        "get_untagged_resources",
			Description: "Find the costliest resources in CUR data, optionally only those missing any of the required tag keys.",
			Parameters: object(withProps(dateRangeProps, map[string]any{
				"required_tags": strList("Tag keys every resource should carry"),
			}), "start_date", "end_date"),
			Handler: r.handleUntagged,
		},
		{
			Name:        "get_ri_sp_coverage",
			Description: "Analyze Reserved Instance and Savings Plans coverage.",
			Parameters: object(withProps(dateRangeProps, map[string]any{
				"granularity": enum("Time granularity", "DAILY", "MONTHLY"),
			}), "start_date", "end_date"),
			Handler: r.handleCoverage,
		},
		{
			Name: "get_cost_forecast",
			Description: `Get an AWS cost forecast from Cost Explorer, predicted from historical usage.

Use for future cost predictions, next month's estimate, budget planning and projections. Forecasts cannot start in the past and cover at most 12 months; adjusted dates are reported as warnings.`,
			Parameters: object(map[string]any{
				"start_date":  str("Forecast start date (YYYY-MM-DD), today or later"),
				"end_date":    str("Forecast end date (YYYY-MM-DD)"),
				"metric":      enum("Cost metric to forecast", "UNBLENDED_COST", "BLENDED_COST", "AMORTIZED_COST"),
				"granularity": enum("Forecast granularity", "DAILY", "MONTHLY"),
			}, "start_date", "end_date"),
			Handler: r.handleForecast,
		},
		{
			Name: "get_cost_anomalies",
			Description: `Detect and retrieve cost anomalies using AWS Cost Anomaly Detection, optionally for one anomaly monitor.

Use for unexpected spikes, unusual spending patterns and recent billing surprises. Returns each anomaly's impact, root causes and time period. Requires Cost Anomaly Detection to be enabled.`,
			Parameters: object(withProps(dateRangeProps, map[string]any{
				"monitor_arn": str("Optional anomaly monitor ARN"),
			}), "start_date", "end_date"),
			Handler: r.handleAnomalies,
		},
		{
			Name: "get_rightsizing_recommendations",
			Description: `Get EC2 and Lambda rightsizing recommendations from AWS Compute Optimizer.

Use for rightsizing opportunities, over-provisioned instances and savings estimates. Returns current versus recommended configurations and estimated monthly savings. Requires Compute Optimizer to be enabled with at least 30 days of data.`,
			Parameters: object(map[string]any{
				"resource_type": enum("Type of resources to get recommendations for (default all)", "ec2", "lambda", "all"),
			}),
			Handler: r.handleRightsizing,
		},
		{
			Name:        "get_budgets_status",
			Description: "Get AWS Budgets with their limits, actual spend, forecasted spend and whether each is over budget.",
			Parameters: object(map[string]any{
				"account_id": str("AWS account ID (defaults to the current account)"),
			}),
			Handler: r.handleBudgets,
		},
		{
			Name:        "get_dimension_values",
			Description: "List the values seen for a Cost Explorer dimension, such as the services, regions, linked accounts or instance types in use. Useful before filtering or grouping.",
			Parameters: object(withProps(dateRangeProps, map[string]any{
				"dimension": enum("Dimension to list values for",
					"SERVICE", "REGION", "LINKED_ACCOUNT", "INSTANCE_TYPE", "USAGE_TYPE",
					"OPERATION", "AVAILABILITY_ZONE", "PLATFORM", "TENANCY"),
				"search_string": str("Optional search filter"),
			}), "dimension", "start_date", "end_date"),
			Handler: r.handleDimensionValues,
		},
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// curSQL resolves the {table} placeholder.
func (r *Registry) curSQL(sql string) string {
	return strings.ReplaceAll(sql, "{table}", r.deps.CURTable)
}

func (r *Registry) handleQueryCUR(ctx context.Context, args map[string]any) (any, error) {
	if r.deps.CUR == nil {
		return nil, unavailable("query_cur_data", "Athena")
	}
	return r.deps.CUR.Query(ctx, r.curSQL(stringArg(args, "query")))
}

func (r *Registry) costGrouped(ctx context.Context, tool string, args map[string]any, group cloud.GroupBy) (any, error) {
	if r.deps.Cost == nil {
		return nil, unavailable(tool, "Cost Explorer")
	}
	period, err := periodArgs(args)
	if err != nil {
		return nil, err
	}
	gran := stringArgOr(args, "granularity", "MONTHLY")
	periods, err := r.deps.Cost.CostAndUsage(ctx, cloud.CostQuery{
		Period:      period,
		Granularity: gran,
		GroupBy:     []cloud.GroupBy{group},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"start_date":  dateString(period.Start),
		"end_date":    dateString(period.End),
		"granularity": gran,
		"group_by":    group.Key,
		"results":     periods,
	}, nil
}

func (r *Registry) handleCostByService(ctx context.Context, args map[string]any) (any, error) {
	return r.costGrouped(ctx, "get_cost_by_service", args, cloud.GroupBy{Type: "DIMENSION", Key: "SERVICE"})
}

func (r *Registry) handleCostByTag(ctx context.Context, args map[string]any) (any, error) {
	return r.costGrouped(ctx, "get_cost_by_tag", args, cloud.GroupBy{Type: "TAG", Key: stringArg(args, "tag_key")})
}

// maxResultsArg bounds max_results to the 1..100 range Cost Explorer
// accepts.
func maxResultsArg(args map[string]any) int32 {
	return int32(min(max(intArg(args, "max_results", 50), 1), 100))
}

// handleAnomalies serves both anomaly tools; only get_cost_anomalies
// exposes monitor_arn and only analyze_cost_anomalies max_results.
func (r *Registry) handleAnomalies(ctx context.Context, args map[string]any) (any, error) {
	if r.deps.Cost == nil {
		return nil, unavailable("anomaly detection", "Cost Explorer")
	}
	period, err := periodArgs(args)
	if err != nil {
		return nil, err
	}
	start, end, warnings := ClampAnomaly(period.Start, period.End, r.today())
	reportClamps(ctx, r.logger, "anomalies", warnings)

	anomalies, err := r.deps.Cost.Anomalies(ctx, cloud.AnomalyQuery{
		Period:     cloud.DateInterval{Start: start, End: end},
		MonitorARN: stringArg(args, "monitor_arn"),
		MaxResults: maxResultsArg(args),
	})
	if err != nil {
		return nil, &Failure{
			Kind:    KindCollaboratorFailure,
			Message: "Cost Anomaly Detection unavailable",
			Detail: fmt.Sprintf("could not analyze anomalies for %s to %s: %v. Anomaly detection only covers about the last 90 days; consider querying CUR data for unusual spikes instead",
				dateString(start), dateString(end), err),
		}
	}

	var impact float64
	for _, a := range anomalies {
		impact += a.TotalImpact
	}
	return map[string]any{
		"start_date":   dateString(start),
		"end_date":     dateString(end),
		"anomalies":    anomalies,
		"count":        len(anomalies),
		"total_impact": impact,
	}, nil
}

var simpleTagKey = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// tagValueExpr returns the Athena expression reading a tag from
// raw_tags. Keys that are not plain identifiers need bracket syntax.
func tagValueExpr(key string) string {
	if simpleTagKey.MatchString(key) {
		return fmt.Sprintf("json_extract_scalar(raw_tags, '$.%s')", key)
	}
	escaped := strings.NewReplacer(`'`, `''`, `"`, `\"`).Replace(key)
	return fmt.Sprintf(`json_extract_scalar(raw_tags, '$["%s"]')`, escaped)
}

func untaggedSQL(table string, period cloud.DateInterval, required []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `SELECT
  "lineitem/resourceid" AS resource_id,
  "product/productname" AS service,
  ROUND(SUM("lineitem/unblendedcost"), 2) AS cost
FROM %s
WHERE "lineitem/resourceid" != ''
  AND "lineitem/usagestartdate" >= DATE('%s')
  AND "lineitem/usagestartdate" < DATE('%s')`, table, dateString(period.Start), dateString(period.End))
	if len(required) > 0 {
		missing := make([]string, 0, len(required))
		for _, key := range required {
			missing = append(missing, tagValueExpr(key)+" IS NULL")
		}
		fmt.Fprintf(&b, "\n  AND (%s)", strings.Join(missing, " OR "))
	}
	b.WriteString(`
GROUP BY "lineitem/resourceid", "product/productname"
HAVING SUM("lineitem/unblendedcost") > 0
ORDER BY cost DESC
LIMIT 100`)
	return b.String()
}

func (r *Registry) handleUntagged(ctx context.Context, args map[string]any) (any, error) {
	if r.deps.CUR == nil {
		return nil, unavailable("get_untagged_resources", "Athena")
	}
	period, err := periodArgs(args)
	if err != nil {
		return nil, err
	}
	required := stringsArg(args, "required_tags")
	res, err := r.deps.CUR.Query(ctx, untaggedSQL(r.deps.CURTable, period, required))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"required_tags": required,
		"columns":       res.Columns,
		"data":          res.Rows,
		"rowCount":      res.RowCount,
	}, nil
}

func (r *Registry) handleCoverage(ctx context.Context, args map[string]any) (any, error) {
	if r.deps.Cost == nil {
		return nil, unavailable("get_ri_sp_coverage", "Cost Explorer")
	}
	period, err := periodArgs(args)
	if err != nil {
		return nil, err
	}
	gran := stringArgOr(args, "granularity", "MONTHLY")

	total, byTime, err := r.deps.Cost.ReservationCoverage(ctx, period, gran)
	if err != nil {
		return nil, err
	}
	sp, err := r.deps.Cost.SavingsPlansCoverage(ctx, period, gran)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"reservedInstanceCoverage": map[string]any{
			"total":     total,
			"by_period": byTime,
		},
		"savingsPlansCoverage": sp,
	}, nil
}

func (r *Registry) handleForecast(ctx context.Context, args map[string]any) (any, error) {
	if r.deps.Cost == nil {
		return nil, unavailable("get_cost_forecast", "Cost Explorer")
	}
	period, err := periodArgs(args)
	if err != nil {
		return nil, err
	}
	start, end, warnings := ClampForecast(period.Start, period.End, r.today())
	reportClamps(ctx, r.logger, "get_cost_forecast", warnings)

	metric := stringArgOr(args, "metric", "UNBLENDED_COST")
	gran := stringArgOr(args, "granularity", "MONTHLY")
	f, err := r.deps.Cost.MetricForecast(ctx, cloud.DateInterval{Start: start, End: end}, metric, gran)
	if err != nil {
		return nil, &Failure{
			Kind:    KindCollaboratorFailure,
			Message: "Cost Explorer forecast unavailable",
			Detail: fmt.Sprintf("could not forecast %s to %s: %v. Cost Explorer may lack enough history for this period; consider estimating from CUR trends instead",
				dateString(start), dateString(end), err),
		}
	}
	return map[string]any{
		"start_date":  dateString(start),
		"end_date":    dateString(end),
		"metric":      metric,
		"granularity": gran,
		"total":       f.Total,
		"forecast":    f.Forecast,
	}, nil
}

// handleRightsizing collects EC2 and Lambda recommendations. With
// resource_type all, one source failing is reported alongside the
// other's results; the tool only fails when nothing could be fetched.
func (r *Registry) handleRightsizing(ctx context.Context, args map[string]any) (any, error) {
	if r.deps.Rightsizing == nil {
		return nil, unavailable("get_rightsizing_recommendations", "Compute Optimizer")
	}
	kind := stringArgOr(args, "resource_type", "all")

	type source struct {
		name  string
		fetch func(context.Context, int32) (*cloud.Recommendations, error)
	}
	var sources []source
	if kind == "ec2" || kind == "all" {
		sources = append(sources, source{"ec2", r.deps.Rightsizing.EC2Recommendations})
	}
	if kind == "lambda" || kind == "all" {
		sources = append(sources, source{"lambda", r.deps.Rightsizing.LambdaRecommendations})
	}

	out := map[string]any{"resource_type": kind}
	var total float64
	var lastErr error
	fetched := 0
	for _, s := range sources {
		recs, err := s.fetch(ctx, 100)
		if err != nil {
			lastErr = err
			out[s.name+"_error"] = err.Error()
			r.logger.Warn("rightsizing source failed", "source", s.name, "error", err)
			continue
		}
		fetched++
		out[s.name] = recs
		total += recs.PotentialSavings
	}
	if fetched == 0 && lastErr != nil {
		return nil, lastErr
	}
	out["total_potential_savings"] = total
	return out, nil
}

func (r *Registry) handleBudgets(ctx context.Context, args map[string]any) (any, error) {
	if r.deps.Budgets == nil {
		return nil, unavailable("get_budgets_status", "AWS Budgets")
	}
	status, err := r.deps.Budgets.Status(ctx, stringArg(args, "account_id"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"account_id": status.AccountID,
		"budgets":    status.Budgets,
		"count":      status.Count,
		"over_count": status.Overages(),
	}, nil
}

func (r *Registry) handleDimensionValues(ctx context.Context, args map[string]any) (any, error) {
	if r.deps.Cost == nil {
		return nil, unavailable("get_dimension_values", "Cost Explorer")
	}
	period, err := periodArgs(args)
	if err != nil {
		return nil, err
	}
	dim := stringArg(args, "dimension")
	values, err := r.deps.Cost.DimensionValues(ctx, dim, period, stringArg(args, "search_string"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"dimension": dim,
		"values":    values,
		"count":     len(values),
	}, nil
}
