package tools

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

const day = 24 * time.Hour

// Cost Explorer limits.
const (
	maxForecastSpan   = 365 * day
	defaultWindow     = 30 * day
	anomalyRetention  = 90 * day
	hourlyAfter       = 15 * day
	fiveMinuteAfter   = 1 * day
	hourlyPeriod      = time.Hour
	fiveMinutePeriod  = 5 * time.Minute
	oneMinutePeriod   = time.Minute
	metricsPublishLag = 5 * time.Minute
)

// rangeClamp accumulates the adjustments made to a date range.
type rangeClamp struct {
	start, end       time.Time
	origStart        time.Time
	origEnd          time.Time
	startWhy, endWhy []string
}

func newRangeClamp(start, end time.Time) *rangeClamp {
	return &rangeClamp{start: start, end: end, origStart: start, origEnd: end}
}

func (c *rangeClamp) setStart(t time.Time, why string) {
	c.start = t
	c.startWhy = append(c.startWhy, why)
}

func (c *rangeClamp) setEnd(t time.Time, why string) {
	c.end = t
	c.endWhy = append(c.endWhy, why)
}

func (c *rangeClamp) warnings() []Warning {
	var out []Warning
	if !c.start.Equal(c.origStart) {
		out = append(out, Warning{
			Field:     "start_date",
			Requested: dateString(c.origStart),
			Actual:    dateString(c.start),
			Message:   strings.Join(c.startWhy, "; "),
		})
	}
	if !c.end.Equal(c.origEnd) {
		out = append(out, Warning{
			Field:     "end_date",
			Requested: dateString(c.origEnd),
			Actual:    dateString(c.end),
			Message:   strings.Join(c.endWhy, "; "),
		})
	}
	return out
}

// ClampForecast fits a requested forecast window to what Cost Explorer
// accepts: it cannot start before today, spans at most 365 days, and
// must end after it starts. A window that ends too early is extended
// to 30 days.
func ClampForecast(start, end, today time.Time) (time.Time, time.Time, []Warning) {
	c := newRangeClamp(start, end)
	if c.start.Before(today) {
		c.setStart(today, "forecasts cannot start in the past")
	}
	if limit := c.start.Add(maxForecastSpan); c.end.After(limit) {
		c.setEnd(limit, "forecasts cover at most 12 months")
	}
	if !c.end.After(c.start) {
		c.setEnd(c.start.Add(defaultWindow), "end must follow start, using 30 days ahead")
	}
	return c.start, c.end, c.warnings()
}

// ClampAnomaly fits a requested anomaly window to the detection
// service's retention: it cannot end after today or start more than 90
// days ago, and must end after it starts.
func ClampAnomaly(start, end, today time.Time) (time.Time, time.Time, []Warning) {
	c := newRangeClamp(start, end)
	floor := today.Add(-anomalyRetention)
	if c.end.After(today) {
		c.setEnd(today, "anomaly search cannot extend past today")
	}
	if c.start.Before(floor) {
		c.setStart(floor, "anomalies are retained for 90 days")
	}
	if !c.start.Before(c.end) {
		c.setStart(c.end.Add(-defaultWindow), "start must precede end, using 30 days before end")
		if c.start.Before(floor) {
			c.setStart(floor, "anomalies are retained for 90 days")
		}
		if !c.start.Before(c.end) {
			c.setEnd(c.start.Add(defaultWindow), "requested window is older than retention, using 30 days from the floor")
		}
	}
	return c.start, c.end, c.warnings()
}

// SamplingPeriod picks the CloudWatch period for a window: hourly past
// 15 days, 5 minutes past 1 day, otherwise 1 minute. The tiers follow
// CloudWatch's resolution retention.
func SamplingPeriod(window time.Duration) time.Duration {
	switch {
	case window > hourlyAfter:
		return hourlyPeriod
	case window > fiveMinuteAfter:
		return fiveMinutePeriod
	default:
		return oneMinutePeriod
	}
}

// reportClamps attaches clamp warnings to the running tool result and
// logs them.
func reportClamps(ctx context.Context, logger *slog.Logger, tool string, warnings []Warning) {
	for _, w := range warnings {
		addWarning(ctx, w)
		logger.Info("adjusted requested range",
			"tool", tool,
			"field", w.Field,
			"requested", w.Requested,
			"actual", w.Actual,
			"reason", w.Message,
		)
	}
}
