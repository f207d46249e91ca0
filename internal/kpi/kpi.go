// Package kpi manages KPI definitions and evaluates their queries.
//
// A KPI pairs a query specification (a query type tag plus a body) with
// presentation hints. Refreshing a KPI runs its query through the
// [Evaluator], takes the first scalar of the result as the new value and
// overwrites the stored last value, timestamp and trend. There is no
// history: each refresh replaces the previous value.
package kpi

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Query types.
const (
	QueryCUR          = "cur"
	QueryCostExplorer = "cost_explorer"
	QueryForecast     = "mcp_forecast"
	QueryAnomaly      = "mcp_anomaly"
	QueryOptimizer    = "mcp_optimizer"
	QueryBudget       = "mcp_budget"
)

// ValidQueryType reports whether t is a known query type.
func ValidQueryType(t string) bool {
	switch t {
	case QueryCUR, QueryCostExplorer, QueryForecast, QueryAnomaly, QueryOptimizer, QueryBudget:
		return true
	}
	return false
}

// Display formats.
const (
	FormatCurrency   = "currency"
	FormatNumber     = "number"
	FormatPercentage = "percentage"
	FormatText       = "text"
)

// Trend markers.
const (
	TrendUp   = "up"
	TrendDown = "down"
	TrendFlat = "flat"
)

// TablePlaceholder is replaced with the quoted CUR table in cur queries.
const TablePlaceholder = "{table}"

// Definition is a persisted KPI record.
type Definition struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	Description     string     `json:"description"`
	QueryType       string     `json:"query_type"`
	Query           string     `json:"query"`
	Format          string     `json:"format"`
	Icon            string     `json:"icon"`
	Color           string     `json:"color"`
	Size            string     `json:"size"`
	RefreshInterval int        `json:"refresh_interval"` // seconds
	LastUpdated     *time.Time `json:"last_updated"`
	LastValue       any        `json:"last_value"`
	Trend           string     `json:"trend"`
}

// NeedsRefresh reports whether the value is missing or older than the
// refresh interval.
func (d Definition) NeedsRefresh(now time.Time) bool {
	if d.LastUpdated == nil {
		return true
	}
	return now.Sub(*d.LastUpdated) > time.Duration(d.RefreshInterval)*time.Second
}

// Interval returns the refresh cadence, defaulting to 30 minutes.
func (d Definition) Interval() time.Duration {
	if d.RefreshInterval <= 0 {
		return 30 * time.Minute
	}
	return time.Duration(d.RefreshInterval) * time.Second
}

// Update is a partial change. Nil fields are left untouched.
type Update struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	QueryType       *string `json:"query_type,omitempty"`
	Query           *string `json:"query,omitempty"`
	Format          *string `json:"format,omitempty"`
	Icon            *string `json:"icon,omitempty"`
	Color           *string `json:"color,omitempty"`
	Size            *string `json:"size,omitempty"`
	RefreshInterval *int    `json:"refresh_interval,omitempty"`
}

func (u Update) apply(d *Definition) {
	set := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	set(&d.Name, u.Name)
	set(&d.Description, u.Description)
	set(&d.QueryType, u.QueryType)
	set(&d.Query, u.Query)
	set(&d.Format, u.Format)
	set(&d.Icon, u.Icon)
	set(&d.Color, u.Color)
	set(&d.Size, u.Size)
	if u.RefreshInterval != nil {
		d.RefreshInterval = *u.RefreshInterval
	}
}

// Slug derives a KPI id from a display name: lowercase with spaces and
// hyphens turned into underscores. Names that differ only in those
// characters share an id, and the later write wins.
func Slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// Numeric extracts a float from a KPI value. It accepts numbers and
// numeric strings.
func Numeric(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Trend compares a new value against the previous one. It returns ""
// when either side is not numeric.
func Trend(prev, next any) string {
	p, ok := Numeric(prev)
	if !ok {
		return ""
	}
	n, ok := Numeric(next)
	if !ok {
		return ""
	}
	switch {
	case n > p:
		return TrendUp
	case n < p:
		return TrendDown
	default:
		return TrendFlat
	}
}

// FormatMoney renders an amount as $1,234.56.
func FormatMoney(v float64) string {
	neg := v < 0
	if neg {
		v = -v
	}
	s := strconv.FormatFloat(v, 'f', 2, 64)
	intPart, frac := s[:len(s)-3], s[len(s)-3:]

	var b strings.Builder
	for i, r := range intPart {
		if i > 0 && (len(intPart)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	out := fmt.Sprintf("$%s%s", b.String(), frac)
	if neg {
		return "-" + out
	}
	return out
}
