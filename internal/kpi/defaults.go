package kpi

// monthFilter restricts a CUR query to the current billing period.
const monthFilter = `MONTH("bill/billingperiodstartdate") = MONTH(current_date)
  AND YEAR("bill/billingperiodstartdate") = YEAR(current_date)`

// Defaults returns the KPIs seeded into an empty store.
func Defaults() []Definition {
	return []Definition{
		{
			ID:          "total_monthly_cost",
			Name:        "Total Monthly Cost",
			Description: "Total AWS spend for current month",
			QueryType:   QueryCUR,
			Query: `SELECT SUM("lineitem/unblendedcost") AS total_cost
FROM {table}
WHERE ` + monthFilter,
			Format:          FormatCurrency,
			Icon:            "💰",
			Color:           "#a826b3",
			Size:            "large",
			RefreshInterval: 3600,
		},
		{
			ID:          "daily_cost",
			Name:        "Daily Cost",
			Description: "Average daily spend this month",
			QueryType:   QueryCUR,
			Query: `SELECT SUM("lineitem/unblendedcost") / COUNT(DISTINCT DATE("lineitem/usagestartdate")) AS daily_avg
FROM {table}
WHERE ` + monthFilter,
			Format:          FormatCurrency,
			Icon:            "📊",
			Color:           "#33ccff",
			Size:            "medium",
			RefreshInterval: 1800,
		},
		{
			ID:          "top_service",
			Name:        "Top Service",
			Description: "Highest cost service this month",
			QueryType:   QueryCUR,
			Query: `SELECT "lineitem/productcode" AS service
FROM {table}
WHERE ` + monthFilter + `
GROUP BY "lineitem/productcode"
ORDER BY SUM("lineitem/unblendedcost") DESC
LIMIT 1`,
			Format:          FormatText,
			Icon:            "🥇",
			Color:           "#ff5c69",
			Size:            "medium",
			RefreshInterval: 3600,
		},
		{
			ID:          "ec2_instances",
			Name:        "EC2 Instances",
			Description: "Total running EC2 instances",
			QueryType:   QueryCUR,
			Query: `SELECT COUNT(DISTINCT "lineitem/resourceid") AS instance_count
FROM {table}
WHERE "lineitem/productcode" = 'AmazonEC2'
  AND "lineitem/usagetype" LIKE '%BoxUsage%'
  AND ` + monthFilter,
			Format:          FormatNumber,
			Icon:            "🖥️",
			Color:           "#3cf",
			Size:            "small",
			RefreshInterval: 1800,
		},
		{
			ID:              "ri_coverage",
			Name:            "RI Coverage",
			Description:     "Reserved Instance coverage percentage",
			QueryType:       QueryCostExplorer,
			Query:           "get_ri_coverage",
			Format:          FormatPercentage,
			Icon:            "🎯",
			Color:           "#a826b3",
			Size:            "medium",
			RefreshInterval: 3600,
		},
		{
			ID:              "cost_anomalies",
			Name:            "Cost Anomalies",
			Description:     "Number of cost anomalies detected",
			QueryType:       QueryCostExplorer,
			Query:           "get_anomalies_count",
			Format:          FormatNumber,
			Icon:            "⚠️",
			Color:           "#ff5c69",
			Size:            "small",
			RefreshInterval: 1800,
		},
	}
}

// Template is a starting point offered to users creating a KPI.
type Template struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
	QueryType   string `json:"query_type"`
	Query       string `json:"query"`
	Format      string `json:"format"`
	Icon        string `json:"icon"`
	Color       string `json:"color"`
}

// Templates returns the built-in KPI templates.
func Templates() []Template {
	return []Template{
		{
			Key:         "forecast_next_month",
			Name:        "Next Month Cost Forecast",
			Description: "Predicted costs for next month based on historical usage",
			QueryType:   QueryForecast,
			Query:       "get_cost_forecast_next_month",
			Format:      FormatCurrency,
			Icon:        "🔮",
			Color:       "#a826b3",
		},
		{
			Key:         "mtd_vs_forecast",
			Name:        "MTD vs Forecast",
			Description: "Month-to-date spend against the forecast month total",
			QueryType:   QueryForecast,
			Query:       "get_mtd_vs_forecast",
			Format:      FormatText,
			Icon:        "📈",
			Color:       "#33ccff",
		},
		{
			Key:         "anomalies_30d",
			Name:        "Cost Anomalies (30d)",
			Description: "Number of cost anomalies detected in last 30 days",
			QueryType:   QueryAnomaly,
			Query:       "get_anomalies_30d",
			Format:      FormatNumber,
			Icon:        "⚠️",
			Color:       "#ff5c69",
		},
		{
			Key:         "ec2_savings",
			Name:        "EC2 Rightsizing Savings",
			Description: "Potential monthly savings from EC2 rightsizing",
			QueryType:   QueryOptimizer,
			Query:       "get_ec2_savings",
			Format:      FormatCurrency,
			Icon:        "✂️",
			Color:       "#33ccff",
		},
		{
			Key:         "budget_overages",
			Name:        "Budget Status",
			Description: "Number of budgets over their limit",
			QueryType:   QueryBudget,
			Query:       "get_budget_overages",
			Format:      FormatNumber,
			Icon:        "💰",
			Color:       "#ff5c69",
		},
		{
			Key:         "s3_cost",
			Name:        "S3 Total Cost",
			Description: "Total S3 storage and data transfer costs",
			QueryType:   QueryCUR,
			Query: `SELECT SUM("lineitem/unblendedcost") AS s3_cost
FROM {table}
WHERE "lineitem/productcode" = 'AmazonS3'
  AND ` + monthFilter,
			Format: FormatCurrency,
			Icon:   "🗄️",
			Color:  "#ff5c69",
		},
		{
			Key:         "lambda_invocations",
			Name:        "Lambda Invocations",
			Description: "Total Lambda function invocations",
			QueryType:   QueryCUR,
			Query: `SELECT SUM("lineitem/usageamount") AS invocations
FROM {table}
WHERE "lineitem/productcode" = 'AWSLambda'
  AND "lineitem/usagetype" LIKE '%Request%'
  AND ` + monthFilter,
			Format: FormatNumber,
			Icon:   "⚡",
			Color:  "#3cf",
		},
		{
			Key:         "rds_cost",
			Name:        "RDS Cost",
			Description: "Total RDS database costs",
			QueryType:   QueryCUR,
			Query: `SELECT SUM("lineitem/unblendedcost") AS rds_cost
FROM {table}
WHERE "lineitem/productcode" = 'AmazonRDS'
  AND ` + monthFilter,
			Format: FormatCurrency,
			Icon:   "💾",
			Color:  "#a826b3",
		},
		{
			Key:         "data_transfer_cost",
			Name:        "Data Transfer Cost",
			Description: "Total data transfer out costs",
			QueryType:   QueryCUR,
			Query: `SELECT SUM("lineitem/unblendedcost") AS transfer_cost
FROM {table}
WHERE "lineitem/usagetype" LIKE '%DataTransfer-Out%'
  AND ` + monthFilter,
			Format: FormatCurrency,
			Icon:   "🌐",
			Color:  "#ff5c69",
		},
	}
}
