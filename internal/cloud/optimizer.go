package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/computeoptimizer"
)

// OptimizerAPI is the subset of the Compute Optimizer client used here.
type OptimizerAPI interface {
	GetEC2InstanceRecommendations(ctx context.Context, params *computeoptimizer.GetEC2InstanceRecommendationsInput, optFns ...func(*computeoptimizer.Options)) (*computeoptimizer.GetEC2InstanceRecommendationsOutput, error)
	GetLambdaFunctionRecommendations(ctx context.Context, params *computeoptimizer.GetLambdaFunctionRecommendationsInput, optFns ...func(*computeoptimizer.Options)) (*computeoptimizer.GetLambdaFunctionRecommendationsOutput, error)
}

// Optimizer fetches rightsizing recommendations.
type Optimizer struct {
	api    OptimizerAPI
	logger *slog.Logger
}

// NewOptimizer creates a Compute Optimizer collaborator.
func NewOptimizer(api OptimizerAPI, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{api: api, logger: logger.With("component", "optimizer")}
}

// Recommendation summarizes one resource's rightsizing advice.
type Recommendation struct {
	Resource         string  `json:"resource"`
	Name             string  `json:"name,omitempty"`
	Finding          string  `json:"finding"`
	Current          string  `json:"current"`
	Recommended      string  `json:"recommended,omitempty"`
	MonthlySavings   float64 `json:"estimated_monthly_savings"`
	SavingsPercent   float64 `json:"savings_percentage,omitempty"`
	SavingsCurrency  string  `json:"currency,omitempty"`
	RecommendedCount int     `json:"options"`
}

// Recommendations is a set of recommendations and their combined
// savings.
type Recommendations struct {
	Recommendations  []Recommendation `json:"recommendations"`
	Count            int              `json:"count"`
	PotentialSavings float64          `json:"potential_savings"`
}

// EC2Recommendations lists instance recommendations. PotentialSavings
// sums the first option with positive savings per instance.
func (o *Optimizer) EC2Recommendations(ctx context.Context, maxResults int32) (*Recommendations, error) {
	input := &computeoptimizer.GetEC2InstanceRecommendationsInput{}
	if maxResults > 0 {
		input.MaxResults = aws.Int32(maxResults)
	}
	out, err := o.api.GetEC2InstanceRecommendations(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get ec2 recommendations: %w", err)
	}

	recs := &Recommendations{Recommendations: []Recommendation{}}
	var total float64
	for _, r := range out.InstanceRecommendations {
		rec := Recommendation{
			Resource:         aws.ToString(r.InstanceArn),
			Name:             aws.ToString(r.InstanceName),
			Finding:          string(r.Finding),
			Current:          aws.ToString(r.CurrentInstanceType),
			RecommendedCount: len(r.RecommendationOptions),
		}
		if len(r.RecommendationOptions) > 0 {
			rec.Recommended = aws.ToString(r.RecommendationOptions[0].InstanceType)
		}
		for _, opt := range r.RecommendationOptions {
			so := opt.SavingsOpportunity
			if so == nil || so.EstimatedMonthlySavings == nil || so.EstimatedMonthlySavings.Value <= 0 {
				continue
			}
			rec.Recommended = aws.ToString(opt.InstanceType)
			rec.MonthlySavings = so.EstimatedMonthlySavings.Value
			rec.SavingsPercent = so.SavingsOpportunityPercentage
			rec.SavingsCurrency = string(so.EstimatedMonthlySavings.Currency)
			total += rec.MonthlySavings
			break
		}
		recs.Recommendations = append(recs.Recommendations, rec)
	}
	recs.Count = len(recs.Recommendations)
	recs.PotentialSavings = math.Round(total*100) / 100
	return recs, nil
}

// LambdaRecommendations lists memory-size recommendations for functions.
func (o *Optimizer) LambdaRecommendations(ctx context.Context, maxResults int32) (*Recommendations, error) {
	input := &computeoptimizer.GetLambdaFunctionRecommendationsInput{}
	if maxResults > 0 {
		input.MaxResults = aws.Int32(maxResults)
	}
	out, err := o.api.GetLambdaFunctionRecommendations(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("get lambda recommendations: %w", err)
	}

	recs := &Recommendations{Recommendations: []Recommendation{}}
	var total float64
	for _, r := range out.LambdaFunctionRecommendations {
		rec := Recommendation{
			Resource:         aws.ToString(r.FunctionArn),
			Finding:          string(r.Finding),
			Current:          fmt.Sprintf("%d MB", r.CurrentMemorySize),
			RecommendedCount: len(r.MemorySizeRecommendationOptions),
		}
		if len(r.MemorySizeRecommendationOptions) > 0 {
			opt := r.MemorySizeRecommendationOptions[0]
			rec.Recommended = fmt.Sprintf("%d MB", opt.MemorySize)
			so := opt.SavingsOpportunity
			if so != nil && so.EstimatedMonthlySavings != nil && so.EstimatedMonthlySavings.Value > 0 {
				rec.MonthlySavings = so.EstimatedMonthlySavings.Value
				rec.SavingsPercent = so.SavingsOpportunityPercentage
				rec.SavingsCurrency = string(so.EstimatedMonthlySavings.Currency)
				total += rec.MonthlySavings
			}
		}
		recs.Recommendations = append(recs.Recommendations, rec)
	}
	recs.Count = len(recs.Recommendations)
	recs.PotentialSavings = math.Round(total*100) / 100
	return recs, nil
}
