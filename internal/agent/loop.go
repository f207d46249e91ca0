package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nikhil-bora/finops-agent/internal/conversation"
	"github.com/nikhil-bora/finops-agent/internal/events"
	"github.com/nikhil-bora/finops-agent/internal/llm"
	"github.com/nikhil-bora/finops-agent/internal/prompts"
	"github.com/nikhil-bora/finops-agent/internal/tools"
	"github.com/nikhil-bora/finops-agent/internal/usage"
)

// Resolve returns the conversation a request targets: the named one,
// or the session's current conversation.
func (l *Loop) Resolve(req Request) (*conversation.Conversation, error) {
	store := l.deps.Conversations
	if req.ConversationID != "" {
		conv, err := store.Get(req.ConversationID)
		if err != nil {
			return nil, fmt.Errorf("load conversation %s: %w", req.ConversationID, err)
		}
		return conv, nil
	}
	conv, err := conversation.Current(store, req.SessionID)
	if err != nil {
		return nil, fmt.Errorf("resolve session conversation: %w", err)
	}
	return conv, nil
}

// Run processes one user message to completion. Tool failures are
// handed back to the model; inference errors, the cycle ceiling and
// context cancellation end the turn with an error. A failed turn keeps
// the user turn and any tool turns already appended.
func (l *Loop) Run(ctx context.Context, req Request) (*Response, error) {
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		return nil, ErrEmptyMessage
	}
	if req.Source == "" {
		req.Source = "chat"
	}

	conv, err := l.Resolve(req)
	if err != nil {
		return nil, err
	}
	convID := conv.ID
	unlock := l.lock(convID)
	defer unlock()

	log := l.logger.With("conversation_id", convID)
	store := l.deps.Conversations
	if err := store.Append(convID, conversation.UserTurn(req.Message)); err != nil {
		return nil, fmt.Errorf("append user turn: %w", err)
	}
	conv, err = store.Get(convID)
	if err != nil {
		return nil, fmt.Errorf("load conversation %s: %w", convID, err)
	}
	history := conv.Turns

	log.Info("turn started", "session_id", conv.SessionID, "history", len(history), "contexts", len(req.ContextIDs))

	t := &turn{
		loop:   l,
		req:    req,
		convID: convID,
		turnID: newTurnID(),
		resp:   &Response{ConversationID: convID},
	}
	defs := l.deps.Tools.Definitions()
	var atts []llm.Attachment
	if l.deps.Attachments != nil && len(req.ContextIDs) > 0 {
		atts = l.deps.Attachments(req.ContextIDs)
	}
	var inflight []llm.Message

	for cycle := 1; cycle <= l.cfg.MaxCycles; cycle++ {
		if err := ctx.Err(); err != nil {
			return nil, t.fail(fmt.Errorf("turn cancelled after %d cycles: %w", cycle-1, err))
		}
		t.resp.Cycles = cycle
		t.emit(events.KindLoopState, map[string]any{"state": StateAwaitingModel, "cycle": cycle})

		msgs := BuildRequest(history, inflight, l.deps.Preamble(req.ContextIDs), l.cfg.HistoryWindow)
		msgs = AttachToFirstUser(msgs, atts)
		log.Debug("calling model", "cycle", cycle, "messages", len(msgs), "attachments", len(atts))

		resp, err := l.deps.LLM.Chat(ctx, l.cfg.Model, msgs, defs)
		if err != nil {
			return nil, t.fail(fmt.Errorf("inference: %w", err))
		}
		l.deps.Stats.RecordCycle()
		t.account(ctx, cycle, resp)

		for _, seg := range resp.TextSegments {
			if seg == "" {
				continue
			}
			t.emit(events.KindTextResponse, map[string]any{"text": seg})
		}

		if !resp.HasToolCalls() {
			return t.finalize(resp)
		}

		calls := resp.Message.ToolCalls
		t.emit(events.KindLoopState, map[string]any{
			"state": StateExecutingTools,
			"cycle": cycle,
			"tools": len(calls),
		})
		results := l.executeBatch(ctx, t, calls)
		t.resp.ToolCalls += len(calls)

		inflight = append(inflight, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: calls,
		})
		for i, call := range calls {
			res := results[i]
			content := res.Content()
			inflight = append(inflight, llm.Message{
				Role:       llm.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
				IsError:    !res.OK(),
			})
			if err := store.Append(convID, conversation.ToolTurn(call.Function.Name, call.Function.Arguments, content)); err != nil {
				log.Warn("could not persist tool turn", "tool", call.Function.Name, "error", err)
			}
		}
	}

	log.Warn("turn did not converge", "cycles", l.cfg.MaxCycles)
	return nil, t.fail(fmt.Errorf("%w (%d cycles)", ErrMaxAttempts, l.cfg.MaxCycles))
}

// turn carries per-turn state through Run.
type turn struct {
	loop   *Loop
	req    Request
	convID string
	turnID string
	resp   *Response
}

func (t *turn) emit(kind string, data map[string]any) {
	data["conversation_id"] = t.convID
	t.loop.deps.Events.Emit(events.SourceAgent, kind, data)
}

// account records token usage for one inference call.
func (t *turn) account(ctx context.Context, cycle int, resp *llm.ChatResponse) {
	l := t.loop
	t.resp.InputTokens += resp.InputTokens
	t.resp.OutputTokens += resp.OutputTokens
	l.deps.Stats.RecordTokens(resp.InputTokens, resp.OutputTokens)

	model := resp.Model
	if model == "" {
		model = l.cfg.Model
	}
	rec := usage.Record{
		Timestamp:      time.Now(),
		TurnID:         t.turnID,
		SessionID:      t.req.SessionID,
		ConversationID: t.convID,
		Model:          model,
		Cycle:          cycle,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		CostUSD:        usage.ComputeCost(model, resp.InputTokens, resp.OutputTokens, l.deps.Pricing),
		Source:         t.req.Source,
	}
	if err := l.deps.Usage.Record(ctx, rec); err != nil {
		l.logger.Warn("could not record usage", "conversation_id", t.convID, "error", err)
	}
}

// finalize persists the answer of a tool-free response.
func (t *turn) finalize(resp *llm.ChatResponse) (*Response, error) {
	l := t.loop
	text := llm.JoinText(nonEmpty(resp.TextSegments))
	if text == "" {
		text = strings.TrimSpace(resp.Message.Content)
	}
	if text != "" {
		if err := l.deps.Conversations.Append(t.convID, conversation.AssistantTurn(text)); err != nil {
			return nil, t.fail(fmt.Errorf("append assistant turn: %w", err))
		}
		t.resp.Content = text
	} else {
		l.logger.Warn("model returned no text", "conversation_id", t.convID, "cycles", t.resp.Cycles)
		t.resp.Content = prompts.EmptyResponseFallback
	}

	t.emit(events.KindLoopState, map[string]any{"state": StateFinalized, "cycle": t.resp.Cycles})
	t.emit(events.KindComplete, map[string]any{"response": t.resp.Content})
	l.deps.Stats.RecordTurn("ok")
	l.logger.Info("turn completed",
		"conversation_id", t.convID,
		"cycles", t.resp.Cycles,
		"tool_calls", t.resp.ToolCalls,
		"input_tokens", t.resp.InputTokens,
		"output_tokens", t.resp.OutputTokens,
	)
	return t.resp, nil
}

// fail publishes a turn-level failure and returns err.
func (t *turn) fail(err error) error {
	l := t.loop
	outcome := "error"
	msg := err.Error()
	switch {
	case errors.Is(err, ErrMaxAttempts):
		outcome = "max_attempts"
		msg = prompts.MaxAttemptsMessage
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
	}
	t.emit(events.KindLoopState, map[string]any{"state": StateFailed, "cycle": t.resp.Cycles})
	t.emit(events.KindError, map[string]any{"error": msg, "outcome": outcome})
	l.deps.Stats.RecordTurn(outcome)
	l.logger.Error("turn failed", "conversation_id", t.convID, "cycles", t.resp.Cycles, "error", err)
	return err
}

func nonEmpty(segs []string) []string {
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func newTurnID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// eventResult renders a tool result for a tool_call event. Visualization
// results are passed whole so the UI can draw the chart.
func eventResult(name string, res tools.Result) any {
	if name == tools.VisualizationTool && res.OK() {
		return res.Data
	}
	s := res.Content()
	if r := []rune(s); len(r) > eventResultLimit {
		return string(r[:eventResultLimit])
	}
	return s
}
