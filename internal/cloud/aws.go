// Package cloud wraps the AWS billing, metrics and advisor services the
// agent's tools call. Each collaborator sits behind a narrow interface
// holding only the SDK methods it uses, so tests can substitute fakes.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	"github.com/aws/aws-sdk-go-v2/service/budgets"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/computeoptimizer"
	"github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/aws/smithy-go"

	"github.com/nikhil-bora/finops-agent/internal/config"
)

// DateLayout is the YYYY-MM-DD form every billing API accepts.
const DateLayout = "2006-01-02"

// LoadAWSConfig resolves credentials and region for all collaborators.
// Static keys take precedence over the profile, which takes precedence
// over the SDK default chain.
func LoadAWSConfig(ctx context.Context, cfg config.AWSConfig, httpClient *http.Client) (aws.Config, error) {
	region := strings.TrimSpace(cfg.Region)
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	} else if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	if httpClient != nil {
		opts = append(opts, awsconfig.WithHTTPClient(httpClient))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// Clients bundles every collaborator. It is built once at startup and
// handed to the tool registry and KPI evaluator by reference.
type Clients struct {
	Athena       *Athena
	CostExplorer *CostExplorer
	CloudWatch   *CloudWatch
	EC2          *EC2
	Optimizer    *Optimizer
	Budgets      *Budgets
	Artifacts    *Artifacts
}

// NewClients constructs SDK clients from a resolved config. Cost
// Explorer, Budgets and Compute Optimizer use cfg.CostExplorerRegion.
func NewClients(awsCfg aws.Config, cfg config.AWSConfig, logger *slog.Logger) *Clients {
	if logger == nil {
		logger = slog.Default()
	}

	billingRegion := cfg.CostExplorerRegion
	if billingRegion == "" {
		billingRegion = "us-east-1"
	}
	inBillingRegion := func(region *string) { *region = billingRegion }

	return &Clients{
		Athena: NewAthena(athena.NewFromConfig(awsCfg), AthenaOptions{
			Database:       cfg.Athena.Database,
			OutputLocation: cfg.Athena.OutputLocation,
			Workgroup:      cfg.Athena.Workgroup,
			PollAttempts:   cfg.Athena.PollAttempts,
			PollInterval:   cfg.Athena.PollInterval,
			MaxRows:        cfg.Athena.MaxRows,
		}, logger),
		CostExplorer: NewCostExplorer(costexplorer.NewFromConfig(awsCfg, func(o *costexplorer.Options) {
			inBillingRegion(&o.Region)
		}), logger),
		CloudWatch: NewCloudWatch(cloudwatch.NewFromConfig(awsCfg), logger),
		EC2:        NewEC2(ec2.NewFromConfig(awsCfg), logger),
		Optimizer: NewOptimizer(computeoptimizer.NewFromConfig(awsCfg, func(o *computeoptimizer.Options) {
			inBillingRegion(&o.Region)
		}), logger),
		Budgets: NewBudgets(
			budgets.NewFromConfig(awsCfg, func(o *budgets.Options) { inBillingRegion(&o.Region) }),
			sts.NewFromConfig(awsCfg),
			logger,
		),
		Artifacts: NewArtifacts(s3.NewFromConfig(awsCfg), logger),
	}
}

// ErrorCode returns the AWS error code carried by err, or "" when err
// did not come from an AWS API.
func ErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// DateInterval is an inclusive-start, exclusive-end day range.
type DateInterval struct {
	Start time.Time
	End   time.Time
}

func (d DateInterval) startString() string { return d.Start.Format(DateLayout) }
func (d DateInterval) endString() string   { return d.End.Format(DateLayout) }

// ParseDate parses a YYYY-MM-DD date in UTC.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}
