package agent

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/nikhil-bora/finops-agent/internal/events"
	"github.com/nikhil-bora/finops-agent/internal/llm"
	"github.com/nikhil-bora/finops-agent/internal/tools"
)

// executeBatch runs one cycle's tool requests, at most ToolConcurrency
// at a time. results[i] belongs to calls[i] whatever the completion
// order. A failing tool never cancels its siblings: Execute folds every
// failure into its Result.
func (l *Loop) executeBatch(ctx context.Context, t *turn, calls []llm.ToolCall) []tools.Result {
	results := make([]tools.Result, len(calls))
	ctx = tools.WithConversationID(ctx, t.convID)

	var g errgroup.Group
	g.SetLimit(l.cfg.ToolConcurrency)
	for i, call := range calls {
		g.Go(func() error {
			name := call.Function.Name
			t.emit(events.KindToolCall, map[string]any{
				"tool":        name,
				"tool_use_id": call.ID,
				"status":      events.ToolStarted,
				"input":       call.Function.Arguments,
			})

			res := l.deps.Tools.Execute(ctx, name, call.Function.Arguments)
			results[i] = res

			data := map[string]any{
				"tool":        name,
				"tool_use_id": call.ID,
				"result":      eventResult(name, res),
			}
			if res.OK() {
				data["status"] = events.ToolCompleted
			} else {
				data["status"] = events.ToolError
				data["error"] = res.Failure.Message
			}
			if len(res.Warnings) > 0 {
				data["warnings"] = res.Warnings
			}
			t.emit(events.KindToolCall, data)
			return nil
		})
	}
	_ = g.Wait()
	return results
}
