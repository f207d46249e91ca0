package cloud

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/budgets"
	budgettypes "github.com/aws/aws-sdk-go-v2/service/budgets/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// BudgetsAPI is the subset of the Budgets client used here.
type BudgetsAPI interface {
	DescribeBudgets(ctx context.Context, params *budgets.DescribeBudgetsInput, optFns ...func(*budgets.Options)) (*budgets.DescribeBudgetsOutput, error)
}

// STSAPI resolves the caller's account id.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Budgets reports budget status for the caller's account.
type Budgets struct {
	api    BudgetsAPI
	sts    STSAPI
	logger *slog.Logger

	mu        sync.Mutex
	accountID string
}

// NewBudgets creates a budgets collaborator.
func NewBudgets(api BudgetsAPI, stsAPI STSAPI, logger *slog.Logger) *Budgets {
	if logger == nil {
		logger = slog.Default()
	}
	return &Budgets{api: api, sts: stsAPI, logger: logger.With("component", "budgets")}
}

// Budget is one budget's limit versus spend.
type Budget struct {
	Name        string  `json:"name"`
	Type        string  `json:"budget_type"`
	TimeUnit    string  `json:"time_unit"`
	Limit       float64 `json:"limit"`
	Actual      float64 `json:"actual"`
	Forecasted  float64 `json:"forecasted"`
	Unit        string  `json:"unit"`
	PercentUsed float64 `json:"percent_used"`
	OverBudget  bool    `json:"over_budget"`
}

// BudgetStatus lists budgets with usage.
type BudgetStatus struct {
	AccountID string   `json:"account_id"`
	Budgets   []Budget `json:"budgets"`
	Count     int      `json:"count"`
}

// Overages counts budgets whose actual spend exceeds the limit.
func (s *BudgetStatus) Overages() int {
	n := 0
	for _, b := range s.Budgets {
		if b.OverBudget {
			n++
		}
	}
	return n
}

// Account returns the caller's account id, resolving it once.
func (b *Budgets) Account(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.accountID != "" {
		return b.accountID, nil
	}
	out, err := b.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	b.accountID = aws.ToString(out.Account)
	return b.accountID, nil
}

// Verify checks that the credentials still resolve to an identity.
// Unlike Account it always calls STS.
func (b *Budgets) Verify(ctx context.Context) error {
	if _, err := b.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{}); err != nil {
		return fmt.Errorf("get caller identity: %w", err)
	}
	return nil
}

// Status describes every budget in accountID, or in the caller's
// account when accountID is empty.
func (b *Budgets) Status(ctx context.Context, accountID string) (*BudgetStatus, error) {
	if accountID == "" {
		var err error
		if accountID, err = b.Account(ctx); err != nil {
			return nil, err
		}
	}

	status := &BudgetStatus{AccountID: accountID, Budgets: []Budget{}}
	input := &budgets.DescribeBudgetsInput{AccountId: aws.String(accountID)}
	for {
		out, err := b.api.DescribeBudgets(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("describe budgets: %w", err)
		}
		for _, bud := range out.Budgets {
			status.Budgets = append(status.Budgets, budgetOf(bud))
		}
		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		input.NextToken = out.NextToken
	}
	status.Count = len(status.Budgets)
	return status, nil
}

func budgetOf(bud budgettypes.Budget) Budget {
	out := Budget{
		Name:     aws.ToString(bud.BudgetName),
		Type:     string(bud.BudgetType),
		TimeUnit: string(bud.TimeUnit),
	}
	if bud.BudgetLimit != nil {
		out.Limit = spend(bud.BudgetLimit)
		out.Unit = aws.ToString(bud.BudgetLimit.Unit)
	}
	if cs := bud.CalculatedSpend; cs != nil {
		out.Actual = spend(cs.ActualSpend)
		out.Forecasted = spend(cs.ForecastedSpend)
	}
	if out.Limit > 0 {
		out.PercentUsed = out.Actual / out.Limit * 100
	}
	out.OverBudget = out.Actual > out.Limit
	return out
}

func spend(s *budgettypes.Spend) float64 {
	if s == nil {
		return 0
	}
	f, _ := strconv.ParseFloat(aws.ToString(s.Amount), 64)
	return f
}
