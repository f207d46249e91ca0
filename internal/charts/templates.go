package charts

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	cetypes "github.com/aws/aws-sdk-go-v2/service/costexplorer/types"

	"github.com/nikhil-bora/finops-agent/internal/cloud"
	"github.com/nikhil-bora/finops-agent/internal/docstore"
)

// TemplateNamespace is the docstore namespace holding chart templates.
const TemplateNamespace = "chart_template"

// Template query sources.
const (
	SourceCostExplorer = "cost_explorer"
	SourceAthena       = "athena"
	SourceStatic       = "static"
)

// Dimension keys filters map onto, in the order they are combined.
var filterDimensions = []string{"SERVICE", "REGION", "LINKED_ACCOUNT"}

// Errors returned by Templates.
var (
	ErrTemplateNotFound = errors.New("chart template not found")
	ErrNoData           = errors.New("query returned no data")
)

// Query is the data source of a chart template.
type Query struct {
	QueryType   string              `json:"query_type"`
	StartDate   string              `json:"start_date,omitempty"`
	EndDate     string              `json:"end_date,omitempty"`
	Granularity string              `json:"granularity,omitempty"`
	GroupBy     []GroupKey          `json:"group_by,omitempty"`
	Dimensions  map[string][]string `json:"dimensions,omitempty"`
	SQL         string              `json:"sql,omitempty"`
	Data        map[string]any      `json:"data,omitempty"`
}

// GroupKey is a Cost Explorer grouping.
type GroupKey struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

// Filter returns the Cost Explorer expression for the query's dimension
// values, or nil when there are none.
func (q Query) Filter() *cetypes.Expression {
	return cloud.DimensionFilter(q.Dimensions, filterDimensions)
}

// Filters is the set of dashboard filter values applied to a query.
// Empty fields are left alone.
type Filters struct {
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`
	Service   string `json:"service,omitempty"`
	Region    string `json:"region,omitempty"`
	Account   string `json:"account,omitempty"`
}

// Empty reports whether no filter value is set.
func (f Filters) Empty() bool {
	return f == Filters{}
}

// Apply returns a copy of q with the filter values applied. Dates
// replace the query's own; each dimension value replaces that
// dimension's values. q is not modified.
func (f Filters) Apply(q Query) Query {
	out := q
	out.Dimensions = make(map[string][]string, len(q.Dimensions)+3)
	for k, v := range q.Dimensions {
		out.Dimensions[k] = append([]string(nil), v...)
	}
	if f.StartDate != "" {
		out.StartDate = f.StartDate
	}
	if f.EndDate != "" {
		out.EndDate = f.EndDate
	}
	for key, value := range map[string]string{
		"SERVICE":        f.Service,
		"REGION":         f.Region,
		"LINKED_ACCOUNT": f.Account,
	} {
		if value != "" {
			out.Dimensions[key] = []string{value}
		}
	}
	return out
}

// Template is a stored chart definition that can be re-rendered with
// fresh data.
type Template struct {
	ChartID     string    `json:"chart_id"`
	Title       string    `json:"title"`
	ChartType   string    `json:"chart_type"`
	Description string    `json:"description,omitempty"`
	XLabel      string    `json:"x_label,omitempty"`
	YLabel      string    `json:"y_label,omitempty"`
	ColorScheme string    `json:"color_scheme,omitempty"`
	Query       Query     `json:"query_params"`
	CreatedAt   time.Time `json:"created_at"`
}

// CostSource runs Cost Explorer cost and usage reports.
type CostSource interface {
	CostAndUsage(ctx context.Context, q cloud.CostQuery) ([]cloud.PeriodCost, error)
}

// QueryRunner runs CUR SQL.
type QueryRunner interface {
	Query(ctx context.Context, sql string) (*cloud.QueryResult, error)
}

// Templates stores chart templates and regenerates charts from them.
type Templates struct {
	docs     *docstore.Collection[Template]
	renderer *Renderer
	cost     CostSource
	cur      QueryRunner
	curTable string
	now      func() time.Time
	logger   *slog.Logger
}

// TemplateSources are the data collaborators a template can query. Any
// may be nil; templates that need a missing one fail to regenerate.
type TemplateSources struct {
	Cost     CostSource
	CUR      QueryRunner
	CURTable string
}

// NewTemplates returns a template store rendering through r.
func NewTemplates(store *docstore.Store, r *Renderer, src TemplateSources, logger *slog.Logger) *Templates {
	if logger == nil {
		logger = slog.Default()
	}
	return &Templates{
		docs:     docstore.NewCollection[Template](store, TemplateNamespace),
		renderer: r,
		cost:     src.Cost,
		cur:      src.CUR,
		curTable: src.CURTable,
		now:      time.Now,
		logger:   logger.With("component", "chart_templates"),
	}
}

// Save stores t under its chart id, replacing any previous template.
func (t *Templates) Save(tmpl Template) error {
	if tmpl.ChartID == "" {
		return errors.New("chart template needs a chart id")
	}
	if tmpl.CreatedAt.IsZero() {
		tmpl.CreatedAt = t.now().UTC()
	}
	if tmpl.Query.QueryType == "" {
		tmpl.Query.QueryType = SourceCostExplorer
	}
	return t.docs.Put(tmpl.ChartID, tmpl)
}

// SaveStatic records a rendered spec as a static template so the chart
// can be placed on dashboards and re-rendered later.
func (t *Templates) SaveStatic(chartID string, spec Spec) error {
	return t.Save(Template{
		ChartID:     chartID,
		Title:       spec.Title,
		ChartType:   spec.ChartType,
		Description: spec.Description,
		XLabel:      spec.XLabel,
		YLabel:      spec.YLabel,
		ColorScheme: spec.ColorScheme,
		Query:       Query{QueryType: SourceStatic, Data: spec.Data},
	})
}

// Get returns the template for chartID.
func (t *Templates) Get(chartID string) (Template, error) {
	tmpl, err := t.docs.Get(chartID)
	if errors.Is(err, docstore.ErrNotFound) {
		return tmpl, fmt.Errorf("%w: %s", ErrTemplateNotFound, chartID)
	}
	return tmpl, err
}

// Delete removes a template.
func (t *Templates) Delete(chartID string) error {
	err := t.docs.Delete(chartID)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrTemplateNotFound, chartID)
	}
	return err
}

// Regenerate re-runs a template's query with f applied and renders the
// result as <chart_id>_filtered_<ts>.html.
func (t *Templates) Regenerate(ctx context.Context, chartID string, f Filters) (*Artifact, error) {
	tmpl, err := t.Get(chartID)
	if err != nil {
		return nil, err
	}
	q := tmpl.Query
	if !f.Empty() {
		q = f.Apply(q)
	}

	data, err := t.execute(ctx, q, tmpl.ChartType)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrNoData
	}

	spec := Spec{
		Title:       tmpl.Title,
		ChartType:   tmpl.ChartType,
		Description: tmpl.Description,
		XLabel:      tmpl.XLabel,
		YLabel:      tmpl.YLabel,
		ColorScheme: tmpl.ColorScheme,
		Data:        data,
	}
	stem := fmt.Sprintf("%s_filtered_%s", chartID, t.now().Format("20060102_150405"))
	return t.renderer.RenderAs(ctx, spec, stem)
}

func (t *Templates) execute(ctx context.Context, q Query, chartType string) (map[string]any, error) {
	switch q.QueryType {
	case SourceStatic:
		return q.Data, nil
	case SourceCostExplorer, "":
		return t.costExplorer(ctx, q, chartType)
	case SourceAthena:
		return t.athena(ctx, q, chartType)
	default:
		return nil, fmt.Errorf("unknown template query type %q", q.QueryType)
	}
}

func (t *Templates) period(q Query) (cloud.DateInterval, error) {
	today := t.now().UTC().Truncate(24 * time.Hour)
	p := cloud.DateInterval{Start: today.AddDate(0, 0, -30), End: today}
	if q.StartDate != "" {
		start, err := cloud.ParseDate(q.StartDate)
		if err != nil {
			return p, err
		}
		p.Start = start
	}
	if q.EndDate != "" {
		end, err := cloud.ParseDate(q.EndDate)
		if err != nil {
			return p, err
		}
		p.End = end
	}
	return p, nil
}

func (t *Templates) costExplorer(ctx context.Context, q Query, chartType string) (map[string]any, error) {
	if t.cost == nil {
		return nil, errors.New("cost explorer not configured")
	}
	period, err := t.period(q)
	if err != nil {
		return nil, err
	}
	gran := q.Granularity
	if gran == "" {
		gran = "DAILY"
	}
	cq := cloud.CostQuery{Period: period, Granularity: gran, Filter: q.Filter()}
	for _, g := range q.GroupBy {
		cq.GroupBy = append(cq.GroupBy, cloud.GroupBy{Type: g.Type, Key: g.Key})
	}

	periods, err := t.cost.CostAndUsage(ctx, cq)
	if err != nil {
		return nil, err
	}
	return costData(periods, chartType), nil
}

// costData shapes a cost report for a chart type: a time series for
// bar, line and area charts, a per-group total for pie and donut charts.
func costData(periods []cloud.PeriodCost, chartType string) map[string]any {
	switch chartType {
	case Bar, Line, Area:
		if len(periods) == 0 {
			return nil
		}
		x := make([]any, 0, len(periods))
		y := make([]any, 0, len(periods))
		for _, p := range periods {
			x = append(x, p.Start)
			var total float64
			if len(p.Groups) > 0 {
				for _, g := range p.Groups {
					total += g.Cost.Float()
				}
			} else if p.Total != nil {
				total = p.Total.Float()
			}
			y = append(y, total)
		}
		return map[string]any{"x": x, "y": y}
	case Pie, Donut:
		totals := make(map[string]float64)
		var order []string
		for _, p := range periods {
			for _, g := range p.Groups {
				key := "Unknown"
				if len(g.Keys) > 0 {
					key = g.Keys[0]
				}
				if _, seen := totals[key]; !seen {
					order = append(order, key)
				}
				totals[key] += g.Cost.Float()
			}
		}
		if len(order) == 0 {
			return nil
		}
		labels := make([]any, 0, len(order))
		values := make([]any, 0, len(order))
		for _, key := range order {
			labels = append(labels, key)
			values = append(values, totals[key])
		}
		return map[string]any{"labels": labels, "values": values}
	default:
		return nil
	}
}

// athena runs the template SQL and reads the first column as the
// category and the second as the value. Dimension filters do not apply.
func (t *Templates) athena(ctx context.Context, q Query, chartType string) (map[string]any, error) {
	if t.cur == nil {
		return nil, errors.New("athena not configured")
	}
	sql := strings.ReplaceAll(q.SQL, "{table}", t.curTable)
	res, err := t.cur.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	if len(res.Columns) < 2 || len(res.Rows) == 0 {
		return nil, nil
	}
	cats := make([]any, 0, len(res.Rows))
	vals := make([]any, 0, len(res.Rows))
	for _, row := range res.Rows {
		cats = append(cats, deref(row[res.Columns[0]]))
		v, _ := strconv.ParseFloat(deref(row[res.Columns[1]]), 64)
		vals = append(vals, v)
	}
	switch chartType {
	case Pie, Donut, Treemap:
		return map[string]any{"labels": cats, "values": vals}, nil
	default:
		return map[string]any{"x": cats, "y": vals}, nil
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
