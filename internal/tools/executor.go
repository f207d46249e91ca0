package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nikhil-bora/finops-agent/internal/charts"
	"github.com/nikhil-bora/finops-agent/internal/cloud"
	"github.com/nikhil-bora/finops-agent/internal/kpi"
)

// Execute validates input against the tool's schema, runs the handler
// and wraps the outcome in a Result. It never panics and never returns
// a bare error: every failure is classified into the envelope.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) Result {
	started := time.Now()
	res := Result{Tool: name}

	t, ok := r.tools[name]
	if !ok {
		res.Failure = classify(&ErrToolUnavailable{ToolName: name})
		return r.finish(res, started)
	}

	args, fail := validate(t, input)
	if fail != nil {
		res.Failure = fail
		return r.finish(res, started)
	}

	ctx, sink := withWarnings(ctx)
	data, err := r.dispatch(ctx, t, args)
	res.Warnings = sink.list()
	if err != nil {
		res.Failure = classify(err)
	} else {
		res.Data = data
	}
	return r.finish(res, started)
}

func (r *Registry) finish(res Result, started time.Time) Result {
	res.Duration = time.Since(started)
	outcome := "ok"
	if res.Failure != nil {
		outcome = string(res.Failure.Kind)
		r.logger.Warn("tool failed",
			"tool", res.Tool,
			"kind", res.Failure.Kind,
			"error", res.Failure.Message,
			"detail", res.Failure.Detail,
		)
	}
	r.stats.RecordTool(res.Tool, outcome, res.Duration)
	r.logger.Debug("tool executed",
		"tool", res.Tool,
		"outcome", outcome,
		"warnings", len(res.Warnings),
		"elapsed", res.Duration.Round(time.Millisecond),
	)
	return res
}

func (r *Registry) dispatch(ctx context.Context, t *Tool, args map[string]any) (data any, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("tool handler panicked",
				"tool", t.Name,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			data = nil
			err = &Failure{
				Kind:    KindCollaboratorFailure,
				Message: fmt.Sprintf("tool %s failed unexpectedly", t.Name),
				Detail:  fmt.Sprint(p),
			}
		}
	}()
	return t.Handler(ctx, args)
}

// validate round-trips input through JSON so the schema sees the same
// value types a decoded request would carry, then checks it.
func validate(t *Tool, input map[string]any) (map[string]any, *Failure) {
	if input == nil {
		input = map[string]any{}
	}
	raw, err := json.Marshal(input)
	if err != nil {
		return nil, &Failure{Kind: KindSchemaViolation, Message: "tool input is not valid JSON", Detail: err.Error()}
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, &Failure{Kind: KindSchemaViolation, Message: "tool input is not valid JSON", Detail: err.Error()}
	}
	if err := t.schema.Validate(decoded); err != nil {
		return nil, &Failure{
			Kind:    KindSchemaViolation,
			Message: fmt.Sprintf("invalid input for %s", t.Name),
			Detail:  describeValidation(err),
		}
	}
	args, _ := decoded.(map[string]any)
	return args, nil
}

// describeValidation flattens a schema error to its leaf causes, each
// prefixed with the offending location in the input.
func describeValidation(err error) string {
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return err.Error()
	}
	var msgs []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			msgs = append(msgs, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(msgs, "; ")
}

// classify maps a handler error onto a failure kind.
func classify(err error) *Failure {
	var f *Failure
	if errors.As(err, &f) {
		return f
	}

	var shape *charts.ShapeError
	if errors.As(err, &shape) {
		return &Failure{Kind: KindSchemaViolation, Message: shape.Error()}
	}

	var unavail *ErrToolUnavailable
	if errors.As(err, &unavail) {
		return &Failure{Kind: KindUnsupported, Message: unavail.Error()}
	}
	if errors.Is(err, kpi.ErrUnsupportedQueryType) {
		return &Failure{Kind: KindUnsupported, Message: err.Error()}
	}

	if errors.Is(err, cloud.ErrQueryTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: KindTimeout, Message: err.Error()}
	}

	fail := &Failure{Kind: KindCollaboratorFailure, Message: err.Error()}
	var qf *cloud.QueryFailedError
	if errors.As(err, &qf) {
		fail.Detail = qf.State
	} else if code := cloud.ErrorCode(err); code != "" {
		fail.Detail = code
	}
	return fail
}
