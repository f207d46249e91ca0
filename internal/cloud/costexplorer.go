package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
)

// CostExplorerAPI is the subset of the Cost Explorer client used here.
type CostExplorerAPI interface {
	GetCostAndUsage(ctx context.Context, params *costexplorer.GetCostAndUsageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error)
	GetCostForecast(ctx context.Context, params *costexplorer.GetCostForecastInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetCostForecastOutput, error)
	GetAnomalies(ctx context.Context, params *costexplorer.GetAnomaliesInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetAnomaliesOutput, error)
	GetReservationCoverage(ctx context.Context, params *costexplorer.GetReservationCoverageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetReservationCoverageOutput, error)
	GetSavingsPlansCoverage(ctx context.Context, params *costexplorer.GetSavingsPlansCoverageInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetSavingsPlansCoverageOutput, error)
	GetDimensionValues(ctx context.Context, params *costexplorer.GetDimensionValuesInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetDimensionValuesOutput, error)
	GetTags(ctx context.Context, params *costexplorer.GetTagsInput, optFns ...func(*costexplorer.Options)) (*costexplorer.GetTagsOutput, error)
}

// CostExplorer wraps the managed cost and usage API.
type CostExplorer struct {
	api    CostExplorerAPI
	logger *slog.Logger
}

// NewCostExplorer creates a Cost Explorer collaborator.
func NewCostExplorer(api CostExplorerAPI, logger *slog.Logger) *CostExplorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &CostExplorer{api: api, logger: logger.With("component", "costexplorer")}
}

// Amount is a monetary value as reported by the API.
type Amount struct {
	Amount string `json:"amount"`
	Unit   string `json:"unit"`
}

// Float parses the amount, returning 0 for an empty or malformed value.
func (a Amount) Float() float64 {
	f, _ := strconv.ParseFloat(a.Amount, 64)
	return f
}

func amountOf(v cetypes.MetricValue) Amount {
	return Amount{Amount: aws.ToString(v.Amount), Unit: aws.ToString(v.Unit)}
}

// GroupCost is one group's cost within a period.
type GroupCost struct {
	Keys []string `json:"keys"`
	Cost Amount   `json:"cost"`
}

// PeriodCost is one time bucket of a cost and usage report.
type PeriodCost struct {
	Start     string      `json:"start"`
	End       string      `json:"end"`
	Total     *Amount     `json:"total,omitempty"`
	Groups    []GroupCost `json:"groups,omitempty"`
	Estimated bool        `json:"estimated"`
}

// CostQuery parameterizes GetCostAndUsage.
type CostQuery struct {
	Period      DateInterval
	Granularity string // DAILY, MONTHLY or HOURLY; default MONTHLY
	GroupBy     []GroupBy
	Filter      *cetypes.Expression
}

// GroupBy names a grouping dimension. Type is DIMENSION or TAG.
type GroupBy struct {
	Type string
	Key  string
}

func granularity(g string) cetypes.Granularity {
	switch g {
	case "DAILY":
		return cetypes.GranularityDaily
	case "HOURLY":
		return cetypes.GranularityHourly
	default:
		return cetypes.GranularityMonthly
	}
}

// CostAndUsage returns unblended cost, following pagination.
func (c *CostExplorer) CostAndUsage(ctx context.Context, q CostQuery) ([]PeriodCost, error) {
	input := &costexplorer.GetCostAndUsageInput{
		TimePeriod: &cetypes.DateInterval{
			Start: aws.String(q.Period.startString()),
			End:   aws.String(q.Period.endString()),
		},
		Granularity: granularity(q.Granularity),
		Metrics:     []string{"UnblendedCost"},
		Filter:      q.Filter,
	}
	for _, g := range q.GroupBy {
		input.GroupBy = append(input.GroupBy, cetypes.GroupDefinition{
			Type: cetypes.GroupDefinitionType(g.Type),
			Key:  aws.String(g.Key),
		})
	}

	var periods []PeriodCost
	for {
		out, err := c.api.GetCostAndUsage(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("get cost and usage: %w", err)
		}
		for _, r := range out.ResultsByTime {
			p := PeriodCost{Estimated: r.Estimated}
			if r.TimePeriod != nil {
				p.Start = aws.ToString(r.TimePeriod.Start)
				p.End = aws.ToString(r.TimePeriod.End)
			}
			if v, ok := r.Total["UnblendedCost"]; ok {
				amt := amountOf(v)
				p.Total = &amt
			}
			for _, g := range r.Groups {
				p.Groups = append(p.Groups, GroupCost{
					Keys: g.Keys,
					Cost: amountOf(g.Metrics["UnblendedCost"]),
				})
			}
			periods = append(periods, p)
		}
		if out.NextPageToken == nil || *out.NextPageToken == "" {
			break
		}
		input.NextPageToken = out.NextPageToken
	}
	return periods, nil
}

// Forecast is a predicted spend total plus per-period values.
type Forecast struct {
	Total    Amount           `json:"total"`
	Forecast []ForecastPeriod `json:"forecast"`
}

// ForecastPeriod is one predicted time bucket.
type ForecastPeriod struct {
	Start      string `json:"start"`
	End        string `json:"end"`
	Mean       string `json:"mean"`
	LowerBound string `json:"lower_bound,omitempty"`
	UpperBound string `json:"upper_bound,omitempty"`
}

// CostForecast predicts unblended cost. The period must start no
// earlier than today.
func (c *CostExplorer) CostForecast(ctx context.Context, period DateInterval, gran string) (*Forecast, error) {
	return c.MetricForecast(ctx, period, string(cetypes.MetricUnblendedCost), gran)
}

// MetricForecast predicts the named cost metric (UNBLENDED_COST,
// BLENDED_COST, AMORTIZED_COST...).
func (c *CostExplorer) MetricForecast(ctx context.Context, period DateInterval, metric, gran string) (*Forecast, error) {
	if metric == "" {
		metric = string(cetypes.MetricUnblendedCost)
	}
	out, err := c.api.GetCostForecast(ctx, &costexplorer.GetCostForecastInput{
		TimePeriod: &cetypes.DateInterval{
			Start: aws.String(period.startString()),
			End:   aws.String(period.endString()),
		},
		Metric:      cetypes.Metric(metric),
		Granularity: granularity(gran),
	})
	if err != nil {
		return nil, fmt.Errorf("get cost forecast: %w", err)
	}

	f := &Forecast{Forecast: []ForecastPeriod{}}
	if out.Total != nil {
		f.Total = amountOf(*out.Total)
	}
	for _, r := range out.ForecastResultsByTime {
		fp := ForecastPeriod{
			Mean:       aws.ToString(r.MeanValue),
			LowerBound: aws.ToString(r.PredictionIntervalLowerBound),
			UpperBound: aws.ToString(r.PredictionIntervalUpperBound),
		}
		if r.TimePeriod != nil {
			fp.Start = aws.ToString(r.TimePeriod.Start)
			fp.End = aws.ToString(r.TimePeriod.End)
		}
		f.Forecast = append(f.Forecast, fp)
	}
	return f, nil
}

// Anomaly is a detected spend anomaly.
type Anomaly struct {
	ID             string      `json:"anomaly_id"`
	StartDate      string      `json:"start_date"`
	EndDate        string      `json:"end_date,omitempty"`
	DimensionValue string      `json:"dimension_value,omitempty"`
	MaxScore       float64     `json:"max_score"`
	CurrentScore   float64     `json:"current_score"`
	TotalImpact    float64     `json:"total_impact"`
	MaxImpact      float64     `json:"max_impact"`
	RootCauses     []RootCause `json:"root_causes,omitempty"`
	MonitorARN     string      `json:"monitor_arn,omitempty"`
}

// RootCause names where an anomaly originated.
type RootCause struct {
	Service       string `json:"service,omitempty"`
	Region        string `json:"region,omitempty"`
	LinkedAccount string `json:"linked_account,omitempty"`
	UsageType     string `json:"usage_type,omitempty"`
}

// AnomalyQuery parameterizes GetAnomalies. MinImpact, when positive,
// keeps only anomalies whose total impact is at least that value.
type AnomalyQuery struct {
	Period     DateInterval
	MonitorARN string
	MaxResults int32
	MinImpact  float64
}

// Anomalies lists spend anomalies in the window.
func (c *CostExplorer) Anomalies(ctx context.Context, q AnomalyQuery) ([]Anomaly, error) {
	maxResults := q.MaxResults
	if maxResults <= 0 {
		maxResults = 50
	}
	input := &costexplorer.GetAnomaliesInput{
		DateInterval: &cetypes.AnomalyDateInterval{
			StartDate: aws.String(q.Period.startString()),
			EndDate:   aws.String(q.Period.endString()),
		},
		MaxResults: aws.Int32(maxResults),
	}
	if q.MonitorARN != "" {
		input.MonitorArn = aws.String(q.MonitorARN)
	}
	if q.MinImpact > 0 {
		input.TotalImpact = &cetypes.TotalImpactFilter{
			NumericOperator: cetypes.NumericOperatorGreaterThanOrEqual,
			StartValue:      q.MinImpact,
		}
	}

	out, err := c.api.GetAnomalies(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get anomalies: %w", err)
	}

	anomalies := make([]Anomaly, 0, len(out.Anomalies))
	for _, a := range out.Anomalies {
		an := Anomaly{
			ID:             aws.ToString(a.AnomalyId),
			StartDate:      aws.ToString(a.AnomalyStartDate),
			EndDate:        aws.ToString(a.AnomalyEndDate),
			DimensionValue: aws.ToString(a.DimensionValue),
			MonitorARN:     aws.ToString(a.MonitorArn),
		}
		if a.AnomalyScore != nil {
			an.MaxScore = a.AnomalyScore.MaxScore
			an.CurrentScore = a.AnomalyScore.CurrentScore
		}
		if a.Impact != nil {
			an.TotalImpact = a.Impact.TotalImpact
			an.MaxImpact = a.Impact.MaxImpact
		}
		for _, rc := range a.RootCauses {
			an.RootCauses = append(an.RootCauses, RootCause{
				Service:       aws.ToString(rc.Service),
				Region:        aws.ToString(rc.Region),
				LinkedAccount: aws.ToString(rc.LinkedAccount),
				UsageType:     aws.ToString(rc.UsageType),
			})
		}
		anomalies = append(anomalies, an)
	}
	return anomalies, nil
}

// Coverage is a coverage percentage for one period, or the total.
type Coverage struct {
	Start      string `json:"start,omitempty"`
	End        string `json:"end,omitempty"`
	Percentage string `json:"coverage_percentage"`
	OnDemand   string `json:"on_demand,omitempty"`
	Covered    string `json:"covered,omitempty"`
	Total      string `json:"total,omitempty"`
}

// ReservationCoverage reports reserved instance hour coverage. The
// first return value is the whole-window total.
func (c *CostExplorer) ReservationCoverage(ctx context.Context, period DateInterval, gran string) (*Coverage, []Coverage, error) {
	out, err := c.api.GetReservationCoverage(ctx, &costexplorer.GetReservationCoverageInput{
		TimePeriod: &cetypes.DateInterval{
			Start: aws.String(period.startString()),
			End:   aws.String(period.endString()),
		},
		Granularity: granularity(gran),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("get reservation coverage: %w", err)
	}

	var total *Coverage
	if out.Total != nil && out.Total.CoverageHours != nil {
		total = hoursCoverage(out.Total.CoverageHours)
	}
	byTime := make([]Coverage, 0, len(out.CoveragesByTime))
	for _, ct := range out.CoveragesByTime {
		cv := Coverage{}
		if ct.Total != nil && ct.Total.CoverageHours != nil {
			cv = *hoursCoverage(ct.Total.CoverageHours)
		}
		if ct.TimePeriod != nil {
			cv.Start = aws.ToString(ct.TimePeriod.Start)
			cv.End = aws.ToString(ct.TimePeriod.End)
		}
		byTime = append(byTime, cv)
	}
	return total, byTime, nil
}

func hoursCoverage(h *cetypes.CoverageHours) *Coverage {
	return &Coverage{
		Percentage: aws.ToString(h.CoverageHoursPercentage),
		OnDemand:   aws.ToString(h.OnDemandHours),
		Covered:    aws.ToString(h.ReservedHours),
		Total:      aws.ToString(h.TotalRunningHours),
	}
}

// SavingsPlansCoverage reports the share of eligible spend covered by
// savings plans per period.
func (c *CostExplorer) SavingsPlansCoverage(ctx context.Context, period DateInterval, gran string) ([]Coverage, error) {
	out, err := c.api.GetSavingsPlansCoverage(ctx, &costexplorer.GetSavingsPlansCoverageInput{
		TimePeriod: &cetypes.DateInterval{
			Start: aws.String(period.startString()),
			End:   aws.String(period.endString()),
		},
		Granularity: granularity(gran),
	})
	if err != nil {
		return nil, fmt.Errorf("get savings plans coverage: %w", err)
	}

	byTime := make([]Coverage, 0, len(out.SavingsPlansCoverages))
	for _, sp := range out.SavingsPlansCoverages {
		cv := Coverage{}
		if sp.TimePeriod != nil {
			cv.Start = aws.ToString(sp.TimePeriod.Start)
			cv.End = aws.ToString(sp.TimePeriod.End)
		}
		if d := sp.Coverage; d != nil {
			cv.Percentage = aws.ToString(d.CoveragePercentage)
			cv.OnDemand = aws.ToString(d.OnDemandCost)
			cv.Covered = aws.ToString(d.SpendCoveredBySavingsPlans)
			cv.Total = aws.ToString(d.TotalCost)
		}
		byTime = append(byTime, cv)
	}
	return byTime, nil
}

// DimensionValues lists the values seen for a dimension such as
// SERVICE, REGION or LINKED_ACCOUNT.
func (c *CostExplorer) DimensionValues(ctx context.Context, dimension string, period DateInterval, search string) ([]string, error) {
	input := &costexplorer.GetDimensionValuesInput{
		Dimension: cetypes.Dimension(dimension),
		TimePeriod: &cetypes.DateInterval{
			Start: aws.String(period.startString()),
			End:   aws.String(period.endString()),
		},
	}
	if search != "" {
		input.SearchString = aws.String(search)
	}

	out, err := c.api.GetDimensionValues(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get dimension values: %w", err)
	}
	values := make([]string, 0, len(out.DimensionValues))
	for _, v := range out.DimensionValues {
		values = append(values, aws.ToString(v.Value))
	}
	return values, nil
}

// TagKeys lists the cost allocation tag keys active in the window.
func (c *CostExplorer) TagKeys(ctx context.Context, period DateInterval) ([]string, error) {
	out, err := c.api.GetTags(ctx, &costexplorer.GetTagsInput{
		TimePeriod: &cetypes.DateInterval{
			Start: aws.String(period.startString()),
			End:   aws.String(period.endString()),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("get tags: %w", err)
	}
	return out.Tags, nil
}

// DimensionFilter builds a Cost Explorer filter from dimension values.
// Multiple dimensions are combined with And. It returns nil when every
// value list is empty.
func DimensionFilter(dims map[string][]string, order []string) *cetypes.Expression {
	var exprs []cetypes.Expression
	for _, key := range order {
		values := dims[key]
		if len(values) == 0 {
			continue
		}
		exprs = append(exprs, cetypes.Expression{
			Dimensions: &cetypes.DimensionValues{
				Key:    cetypes.Dimension(key),
				Values: values,
			},
		})
	}
	switch len(exprs) {
	case 0:
		return nil
	case 1:
		return &exprs[0]
	default:
		return &cetypes.Expression{And: exprs}
	}
}
