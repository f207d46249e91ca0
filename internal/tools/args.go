package tools

import (
	"fmt"
	"strings"
	"time"

	"github.com/nikhil-bora/finops-agent/internal/cloud"
)

// Argument accessors. The executor has already validated the payload
// against the tool's schema, so a missing or mistyped optional value
// falls back to the zero value or the supplied default.

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func stringArgOr(args map[string]any, key, def string) string {
	if s := stringArg(args, key); s != "" {
		return s
	}
	return def
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

func stringsArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func objectArg(args map[string]any, key string) map[string]any {
	m, _ := args[key].(map[string]any)
	return m
}

// dateArg parses a YYYY-MM-DD argument.
func dateArg(args map[string]any, key string) (time.Time, error) {
	raw := stringArg(args, key)
	t, err := cloud.ParseDate(raw)
	if err != nil {
		return time.Time{}, &Failure{
			Kind:    KindSchemaViolation,
			Message: fmt.Sprintf("%s must be a date in YYYY-MM-DD format", key),
			Detail:  fmt.Sprintf("got %q", raw),
		}
	}
	return t, nil
}

func periodArgs(args map[string]any) (cloud.DateInterval, error) {
	start, err := dateArg(args, "start_date")
	if err != nil {
		return cloud.DateInterval{}, err
	}
	end, err := dateArg(args, "end_date")
	if err != nil {
		return cloud.DateInterval{}, err
	}
	return cloud.DateInterval{Start: start, End: end}, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	cloud.DateLayout,
}

// timeArg parses an ISO 8601 timestamp. Values without a zone are UTC.
func timeArg(args map[string]any, key string) (time.Time, error) {
	raw := strings.TrimSpace(stringArg(args, key))
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, &Failure{
		Kind:    KindSchemaViolation,
		Message: fmt.Sprintf("%s must be an ISO 8601 timestamp", key),
		Detail:  fmt.Sprintf("got %q", raw),
	}
}

func dateString(t time.Time) string {
	return t.Format(cloud.DateLayout)
}
