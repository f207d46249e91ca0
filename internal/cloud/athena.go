package cloud

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/athena"
	athenatypes "github.com/aws/aws-sdk-go-v2/service/athena/types"
)

// ErrQueryTimeout is returned when a query does not reach a terminal
// state within the poll budget.
var ErrQueryTimeout = errors.New("athena query timed out")

// QueryFailedError reports a query that ended FAILED or CANCELLED.
type QueryFailedError struct {
	QueryID string
	State   string
	Reason  string
}

// Error implements the error interface.
func (e *QueryFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("query %s: %s", e.QueryID, e.State)
	}
	return fmt.Sprintf("query %s: %s: %s", e.QueryID, e.State, e.Reason)
}

// AthenaAPI is the subset of the Athena client used here.
type AthenaAPI interface {
	StartQueryExecution(ctx context.Context, params *athena.StartQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.StartQueryExecutionOutput, error)
	GetQueryExecution(ctx context.Context, params *athena.GetQueryExecutionInput, optFns ...func(*athena.Options)) (*athena.GetQueryExecutionOutput, error)
	GetQueryResults(ctx context.Context, params *athena.GetQueryResultsInput, optFns ...func(*athena.Options)) (*athena.GetQueryResultsOutput, error)
}

// AthenaOptions locates the CUR database and bounds result polling.
type AthenaOptions struct {
	Database       string
	OutputLocation string
	Workgroup      string
	PollAttempts   int
	PollInterval   time.Duration
	MaxRows        int // rows fetched per query; 0 means DefaultMaxRows
}

// DefaultMaxRows bounds the rows fetched for one query.
const DefaultMaxRows = 1000

// QueryResult is a fetched result set. Cells are nil for SQL NULL.
type QueryResult struct {
	Columns   []string             `json:"columns"`
	Rows      []map[string]*string `json:"data"`
	RowCount  int                  `json:"rowCount"`
	Truncated bool                 `json:"truncated,omitempty"`
}

// First returns the first cell of the first row. ok is false when the
// result has no rows.
func (r *QueryResult) First() (value *string, ok bool) {
	if r == nil || len(r.Rows) == 0 || len(r.Columns) == 0 {
		return nil, false
	}
	return r.Rows[0][r.Columns[0]], true
}

// Athena runs SQL against the Cost and Usage Report.
type Athena struct {
	api    AthenaAPI
	opts   AthenaOptions
	logger *slog.Logger
}

// NewAthena creates an Athena collaborator. Zero poll settings default
// to 60 attempts one second apart, and a zero MaxRows to DefaultMaxRows.
func NewAthena(api AthenaAPI, opts AthenaOptions, logger *slog.Logger) *Athena {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollAttempts <= 0 {
		opts.PollAttempts = 60
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxRows <= 0 {
		opts.MaxRows = DefaultMaxRows
	}
	return &Athena{api: api, opts: opts, logger: logger.With("component", "athena")}
}

// Query submits sql, waits for it to finish and fetches result pages
// until MaxRows rows are read. Truncated is set when rows were left
// behind. The header row Athena prepends to the first page is dropped.
func (a *Athena) Query(ctx context.Context, sql string) (*QueryResult, error) {
	input := &athena.StartQueryExecutionInput{
		QueryString: aws.String(sql),
		QueryExecutionContext: &athenatypes.QueryExecutionContext{
			Database: aws.String(a.opts.Database),
		},
		ResultConfiguration: &athenatypes.ResultConfiguration{
			OutputLocation: aws.String(a.opts.OutputLocation),
		},
	}
	if a.opts.Workgroup != "" {
		input.WorkGroup = aws.String(a.opts.Workgroup)
	}

	start := time.Now()
	out, err := a.api.StartQueryExecution(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("start query: %w", err)
	}
	queryID := aws.ToString(out.QueryExecutionId)
	a.logger.Debug("query submitted", "query_id", queryID)

	if err := a.wait(ctx, queryID); err != nil {
		return nil, err
	}

	result, err := a.fetch(ctx, queryID)
	if err != nil {
		return nil, err
	}
	a.logger.Debug("query complete",
		"query_id", queryID,
		"rows", result.RowCount,
		"truncated", result.Truncated,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return result, nil
}

func (a *Athena) wait(ctx context.Context, queryID string) error {
	for attempt := 0; attempt < a.opts.PollAttempts; attempt++ {
		out, err := a.api.GetQueryExecution(ctx, &athena.GetQueryExecutionInput{
			QueryExecutionId: aws.String(queryID),
		})
		if err != nil {
			return fmt.Errorf("get query execution: %w", err)
		}

		var (
			state  athenatypes.QueryExecutionState
			reason string
		)
		if qe := out.QueryExecution; qe != nil && qe.Status != nil {
			state = qe.Status.State
			reason = aws.ToString(qe.Status.StateChangeReason)
		}

		switch state {
		case athenatypes.QueryExecutionStateSucceeded:
			return nil
		case athenatypes.QueryExecutionStateFailed, athenatypes.QueryExecutionStateCancelled:
			return &QueryFailedError{QueryID: queryID, State: string(state), Reason: reason}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(a.opts.PollInterval):
		}
	}
	return fmt.Errorf("query %s after %d attempts: %w", queryID, a.opts.PollAttempts, ErrQueryTimeout)
}

func (a *Athena) fetch(ctx context.Context, queryID string) (*QueryResult, error) {
	result := &QueryResult{Rows: []map[string]*string{}}
	var token *string
	first := true

	for {
		out, err := a.api.GetQueryResults(ctx, &athena.GetQueryResultsInput{
			QueryExecutionId: aws.String(queryID),
			NextToken:        token,
		})
		if err != nil {
			return nil, fmt.Errorf("get query results: %w", err)
		}
		if out.ResultSet == nil {
			break
		}

		if first && out.ResultSet.ResultSetMetadata != nil {
			for _, col := range out.ResultSet.ResultSetMetadata.ColumnInfo {
				result.Columns = append(result.Columns, aws.ToString(col.Name))
			}
		}

		rows := out.ResultSet.Rows
		if first && len(rows) > 0 {
			rows = rows[1:]
		}
		first = false

		if room := a.opts.MaxRows - len(result.Rows); len(rows) > room {
			rows = rows[:room]
			result.Truncated = true
		}
		for _, row := range rows {
			rec := make(map[string]*string, len(result.Columns))
			for i, col := range result.Columns {
				if i < len(row.Data) {
					rec[col] = row.Data[i].VarCharValue
				} else {
					rec[col] = nil
				}
			}
			result.Rows = append(result.Rows, rec)
		}

		if out.NextToken == nil || *out.NextToken == "" {
			break
		}
		if len(result.Rows) >= a.opts.MaxRows {
			result.Truncated = true
			break
		}
		token = out.NextToken
	}

	result.RowCount = len(result.Rows)
	return result, nil
}
