package cloud

import (
	"context"
	"errors"
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/budgets"
	budgettypes "github.com/aws/aws-sdk-go-v2/service/budgets/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/computeoptimizer"
	cotypes "github.com/aws/aws-sdk-go-v2/service/computeoptimizer/types"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"
)

type fakeCE struct {
	CostExplorerAPI
	usageIn    []*costexplorer.GetCostAndUsageInput
	usagePages []*costexplorer.GetCostAndUsageOutput
	anomalyIn  *costexplorer.GetAnomaliesInput
}

func (f *fakeCE) GetCostAndUsage(_ context.Context, in *costexplorer.GetCostAndUsageInput, _ ...func(*costexplorer.Options)) (*costexplorer.GetCostAndUsageOutput, error) {
	cp := *in
	f.usageIn = append(f.usageIn, &cp)
	return f.usagePages[len(f.usageIn)-1], nil
}

func (f *fakeCE) GetAnomalies(_ context.Context, in *costexplorer.GetAnomaliesInput, _ ...func(*costexplorer.Options)) (*costexplorer.GetAnomaliesOutput, error) {
	f.anomalyIn = in
	return &costexplorer.GetAnomaliesOutput{
		Anomalies: []cetypes.Anomaly{{
			AnomalyId:        aws.String("a-1"),
			AnomalyStartDate: aws.String("2026-10-01"),
			Impact:           &cetypes.Impact{TotalImpact: 250},
			RootCauses:       []cetypes.RootCause{{Service: aws.String("Amazon EC2")}},
		}},
	}, nil
}

func interval(t *testing.T, start, end string) DateInterval {
	t.Helper()
	s, err := ParseDate(start)
	if err != nil {
		t.Fatal(err)
	}
	e, err := ParseDate(end)
	if err != nil {
		t.Fatal(err)
	}
	return DateInterval{Start: s, End: e}
}

func TestCostAndUsage_GroupsAndPages(t *testing.T) {
	api := &fakeCE{usagePages: []*costexplorer.GetCostAndUsageOutput{
		{
			ResultsByTime: []cetypes.ResultByTime{{
				TimePeriod: &cetypes.DateInterval{Start: aws.String("2026-09-01"), End: aws.String("2026-10-01")},
				Groups: []cetypes.Group{{
					Keys:    []string{"Amazon EC2"},
					Metrics: map[string]cetypes.MetricValue{"UnblendedCost": {Amount: aws.String("42.10"), Unit: aws.String("USD")}},
				}},
			}},
			NextPageToken: aws.String("next"),
		},
		{
			ResultsByTime: []cetypes.ResultByTime{{
				TimePeriod: &cetypes.DateInterval{Start: aws.String("2026-10-01"), End: aws.String("2026-10-15")},
				Total:      map[string]cetypes.MetricValue{"UnblendedCost": {Amount: aws.String("7"), Unit: aws.String("USD")}},
				Estimated:  true,
			}},
		},
	}}
	ce := NewCostExplorer(api, nil)

	periods, err := ce.CostAndUsage(context.Background(), CostQuery{
		Period:  interval(t, "2026-09-01", "2026-10-15"),
		GroupBy: []GroupBy{{Type: "DIMENSION", Key: "SERVICE"}},
	})
	if err != nil {
		t.Fatalf("CostAndUsage: %v", err)
	}
	if len(api.usageIn) != 2 {
		t.Fatalf("calls = %d, want 2", len(api.usageIn))
	}
	in := api.usageIn[0]
	if in.Granularity != cetypes.GranularityMonthly {
		t.Errorf("granularity = %s, want MONTHLY default", in.Granularity)
	}
	if aws.ToString(in.TimePeriod.Start) != "2026-09-01" || aws.ToString(in.TimePeriod.End) != "2026-10-15" {
		t.Errorf("time period = %v..%v", aws.ToString(in.TimePeriod.Start), aws.ToString(in.TimePeriod.End))
	}
	if len(in.GroupBy) != 1 || in.GroupBy[0].Type != cetypes.GroupDefinitionTypeDimension {
		t.Errorf("group by = %+v", in.GroupBy)
	}
	if len(periods) != 2 {
		t.Fatalf("periods = %d, want 2", len(periods))
	}
	if got := periods[0].Groups[0].Cost.Float(); got != 42.10 {
		t.Errorf("group cost = %v", got)
	}
	if periods[1].Total == nil || periods[1].Total.Float() != 7 || !periods[1].Estimated {
		t.Errorf("second period = %+v", periods[1])
	}
}

func TestAnomalies_MinImpactFilter(t *testing.T) {
	api := &fakeCE{}
	ce := NewCostExplorer(api, nil)

	got, err := ce.Anomalies(context.Background(), AnomalyQuery{
		Period:    interval(t, "2026-09-17", "2026-10-17"),
		MinImpact: 100,
	})
	if err != nil {
		t.Fatalf("Anomalies: %v", err)
	}
	if aws.ToInt32(api.anomalyIn.MaxResults) != 50 {
		t.Errorf("MaxResults = %d, want default 50", aws.ToInt32(api.anomalyIn.MaxResults))
	}
	f := api.anomalyIn.TotalImpact
	if f == nil || f.NumericOperator != cetypes.NumericOperatorGreaterThanOrEqual || f.StartValue != 100 {
		t.Errorf("TotalImpact filter = %+v", f)
	}
	if len(got) != 1 || got[0].TotalImpact != 250 || got[0].RootCauses[0].Service != "Amazon EC2" {
		t.Errorf("anomalies = %+v", got)
	}
}

func TestDimensionFilter(t *testing.T) {
	order := []string{"SERVICE", "REGION", "LINKED_ACCOUNT"}

	if f := DimensionFilter(map[string][]string{}, order); f != nil {
		t.Errorf("empty filter = %+v, want nil", f)
	}

	single := DimensionFilter(map[string][]string{"SERVICE": {"Amazon EC2"}}, order)
	if single == nil || single.Dimensions == nil || single.Dimensions.Key != "SERVICE" || len(single.And) != 0 {
		t.Errorf("single filter = %+v", single)
	}

	multi := DimensionFilter(map[string][]string{
		"SERVICE": {"Amazon EC2"},
		"REGION":  {"us-east-1", "eu-west-1"},
	}, order)
	if multi == nil || len(multi.And) != 2 {
		t.Fatalf("multi filter = %+v", multi)
	}
	if multi.And[1].Dimensions.Key != "REGION" || len(multi.And[1].Dimensions.Values) != 2 {
		t.Errorf("second clause = %+v", multi.And[1].Dimensions)
	}
}

type fakeCW struct {
	in *cloudwatch.GetMetricStatisticsInput
}

func (f *fakeCW) GetMetricStatistics(_ context.Context, in *cloudwatch.GetMetricStatisticsInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	f.in = in
	t0 := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)
	return &cloudwatch.GetMetricStatisticsOutput{Datapoints: []cwtypes.Datapoint{
		{Timestamp: aws.Time(t0.Add(time.Hour)), Average: aws.Float64(30), Maximum: aws.Float64(50), Minimum: aws.Float64(10)},
		{Timestamp: aws.Time(t0), Average: aws.Float64(10), Maximum: aws.Float64(20), Minimum: aws.Float64(5)},
	}}, nil
}

func TestStatistics_SortedAndSummarized(t *testing.T) {
	api := &fakeCW{}
	cw := NewCloudWatch(api, nil)
	start := time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC)

	points, err := cw.Statistics(context.Background(), MetricQuery{
		Namespace:  "AWS/EC2",
		Metric:     "CPUUtilization",
		Dimensions: []Dimension{{Name: "InstanceId", Value: "i-1"}},
		Start:      start,
		End:        start.Add(2 * time.Hour),
		Period:     5 * time.Minute,
		Statistics: []string{"Average", "Maximum", "Minimum"},
	})
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if aws.ToInt32(api.in.Period) != 300 {
		t.Errorf("period = %d, want 300", aws.ToInt32(api.in.Period))
	}
	if len(api.in.Statistics) != 3 || api.in.Statistics[0] != cwtypes.StatisticAverage {
		t.Errorf("statistics = %v", api.in.Statistics)
	}
	if !points[0].Timestamp.Before(points[1].Timestamp) {
		t.Error("datapoints not sorted by timestamp")
	}

	s := Summarize(points)
	if s.Datapoints != 2 || s.Average != 20 || s.Maximum != 50 || s.Minimum != 5 {
		t.Errorf("Summarize = %+v", s)
	}
	if empty := Summarize(nil); empty != (Summary{}) {
		t.Errorf("Summarize(nil) = %+v", empty)
	}
}

type fakeEC2 struct{}

func (fakeEC2) DescribeInstances(_ context.Context, _ *ec2.DescribeInstancesInput, _ ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	return &ec2.DescribeInstancesOutput{Reservations: []ec2types.Reservation{{
		Instances: []ec2types.Instance{
			{
				InstanceId:   aws.String("i-run"),
				InstanceType: ec2types.InstanceTypeT3Micro,
				State:        &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
				Monitoring:   &ec2types.Monitoring{State: ec2types.MonitoringStateDisabled},
				Tags:         []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String("web")}},
			},
			{
				InstanceId: aws.String("i-stop"),
				State:      &ec2types.InstanceState{Name: ec2types.InstanceStateNameStopped},
			},
		},
	}}}, nil
}

func TestDescribeInstances(t *testing.T) {
	e := NewEC2(fakeEC2{}, nil)
	got, err := e.DescribeInstances(context.Background(), []string{"i-run", "i-stop"})
	if err != nil {
		t.Fatalf("DescribeInstances: %v", err)
	}
	run := got["i-run"]
	if run.Name != "web" || run.InstanceType != "t3.micro" || run.Monitoring != "disabled" || run.Stopped() {
		t.Errorf("running instance = %+v", run)
	}
	if !got["i-stop"].Stopped() {
		t.Errorf("stopped instance = %+v", got["i-stop"])
	}
}

type fakeOptimizer struct{}

func savings(v float64) *cotypes.SavingsOpportunity {
	return &cotypes.SavingsOpportunity{EstimatedMonthlySavings: &cotypes.EstimatedMonthlySavings{Value: v, Currency: cotypes.CurrencyUsd}}
}

func (fakeOptimizer) GetEC2InstanceRecommendations(_ context.Context, _ *computeoptimizer.GetEC2InstanceRecommendationsInput, _ ...func(*computeoptimizer.Options)) (*computeoptimizer.GetEC2InstanceRecommendationsOutput, error) {
	return &computeoptimizer.GetEC2InstanceRecommendationsOutput{InstanceRecommendations: []cotypes.InstanceRecommendation{
		{
			InstanceArn:         aws.String("arn:i-1"),
			CurrentInstanceType: aws.String("m5.xlarge"),
			Finding:             cotypes.FindingOverProvisioned,
			RecommendationOptions: []cotypes.InstanceRecommendationOption{
				{InstanceType: aws.String("m5.2xlarge"), SavingsOpportunity: savings(0)},
				{InstanceType: aws.String("m5.large"), SavingsOpportunity: savings(35.555)},
				{InstanceType: aws.String("t3.large"), SavingsOpportunity: savings(50)},
			},
		},
		{
			InstanceArn:         aws.String("arn:i-2"),
			CurrentInstanceType: aws.String("c5.large"),
			Finding:             cotypes.FindingOptimized,
		},
		{
			InstanceArn: aws.String("arn:i-3"),
			RecommendationOptions: []cotypes.InstanceRecommendationOption{
				{InstanceType: aws.String("t3.small"), SavingsOpportunity: savings(10.001)},
			},
		},
	}}, nil
}

func (fakeOptimizer) GetLambdaFunctionRecommendations(_ context.Context, _ *computeoptimizer.GetLambdaFunctionRecommendationsInput, _ ...func(*computeoptimizer.Options)) (*computeoptimizer.GetLambdaFunctionRecommendationsOutput, error) {
	return &computeoptimizer.GetLambdaFunctionRecommendationsOutput{}, nil
}

func TestEC2Recommendations_PotentialSavings(t *testing.T) {
	o := NewOptimizer(fakeOptimizer{}, nil)
	recs, err := o.EC2Recommendations(context.Background(), 0)
	if err != nil {
		t.Fatalf("EC2Recommendations: %v", err)
	}
	if recs.Count != 3 {
		t.Errorf("Count = %d, want 3", recs.Count)
	}
	if recs.Recommendations[0].Recommended != "m5.large" {
		t.Errorf("recommended = %q, want first positive option", recs.Recommendations[0].Recommended)
	}
	if math.Abs(recs.PotentialSavings-45.56) > 1e-9 {
		t.Errorf("PotentialSavings = %v, want 45.56", recs.PotentialSavings)
	}

	lambda, err := o.LambdaRecommendations(context.Background(), 0)
	if err != nil || lambda.Count != 0 {
		t.Errorf("LambdaRecommendations = %+v, %v", lambda, err)
	}
}

type fakeBudgets struct{ account string }

func (f *fakeBudgets) DescribeBudgets(_ context.Context, in *budgets.DescribeBudgetsInput, _ ...func(*budgets.Options)) (*budgets.DescribeBudgetsOutput, error) {
	f.account = aws.ToString(in.AccountId)
	spendOf := func(v string) *budgettypes.Spend {
		return &budgettypes.Spend{Amount: aws.String(v), Unit: aws.String("USD")}
	}
	return &budgets.DescribeBudgetsOutput{Budgets: []budgettypes.Budget{
		{BudgetName: aws.String("prod"), BudgetLimit: spendOf("1000"), CalculatedSpend: &budgettypes.CalculatedSpend{ActualSpend: spendOf("1200")}},
		{BudgetName: aws.String("dev"), BudgetLimit: spendOf("500"), CalculatedSpend: &budgettypes.CalculatedSpend{ActualSpend: spendOf("100")}},
	}}, nil
}

type fakeSTS struct{ calls int }

func (f *fakeSTS) GetCallerIdentity(_ context.Context, _ *sts.GetCallerIdentityInput, _ ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error) {
	f.calls++
	return &sts.GetCallerIdentityOutput{Account: aws.String("123456789012")}, nil
}

func TestBudgetStatus(t *testing.T) {
	api := &fakeBudgets{}
	stsAPI := &fakeSTS{}
	b := NewBudgets(api, stsAPI, nil)

	for range 2 {
		status, err := b.Status(context.Background(), "")
		if err != nil {
			t.Fatalf("Status: %v", err)
		}
		if status.Count != 2 || status.Overages() != 1 {
			t.Errorf("status = %+v", status)
		}
		if status.Budgets[0].PercentUsed != 120 {
			t.Errorf("percent used = %v", status.Budgets[0].PercentUsed)
		}
	}
	if api.account != "123456789012" {
		t.Errorf("account = %q", api.account)
	}
	if stsAPI.calls != 1 {
		t.Errorf("GetCallerIdentity calls = %d, want 1", stsAPI.calls)
	}

	// Verify bypasses the cached account.
	if err := b.Verify(context.Background()); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if stsAPI.calls != 2 {
		t.Errorf("GetCallerIdentity calls after Verify = %d, want 2", stsAPI.calls)
	}
}

type fakeS3 struct{ key, bucket string }

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.bucket = aws.ToString(in.Bucket)
	f.key = aws.ToString(in.Key)
	return &s3.PutObjectOutput{}, nil
}

func TestArtifactsPut(t *testing.T) {
	api := &fakeS3{}
	a := NewArtifacts(api, nil)

	uri, err := a.Put(context.Background(), "reports", "/charts/", "chart.html", []byte("<html>"), "text/html")
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if uri != "s3://reports/charts/chart.html" || api.key != "charts/chart.html" {
		t.Errorf("uri = %q key = %q", uri, api.key)
	}

	if _, err := a.Put(context.Background(), " ", "", "x", nil, ""); err == nil {
		t.Error("expected error for empty bucket")
	}
}

func TestErrorCode(t *testing.T) {
	apiErr := &smithy.GenericAPIError{Code: "DataUnavailableException", Message: "no data"}
	wrapped := fmt.Errorf("get cost forecast: %w", apiErr)

	if got := ErrorCode(wrapped); got != "DataUnavailableException" {
		t.Errorf("ErrorCode = %q", got)
	}
	if got := ErrorCode(errors.New("plain")); got != "" {
		t.Errorf("ErrorCode(plain) = %q, want empty", got)
	}
}
