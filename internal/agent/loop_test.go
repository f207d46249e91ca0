package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nikhil-bora/finops-agent/internal/conversation"
	"github.com/nikhil-bora/finops-agent/internal/events"
	"github.com/nikhil-bora/finops-agent/internal/llm"
	"github.com/nikhil-bora/finops-agent/internal/prompts"
	"github.com/nikhil-bora/finops-agent/internal/tools"
	"github.com/nikhil-bora/finops-agent/internal/usage"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// stubLLM answers each Chat call with respond(n), n counting from 1.
type stubLLM struct {
	mu       sync.Mutex
	calls    int
	requests [][]llm.Message
	respond  func(n int) (*llm.ChatResponse, error)
}

func (s *stubLLM) Chat(_ context.Context, _ string, messages []llm.Message, _ []llm.ToolDefinition) (*llm.ChatResponse, error) {
	s.mu.Lock()
	s.calls++
	n := s.calls
	s.requests = append(s.requests, append([]llm.Message(nil), messages...))
	s.mu.Unlock()
	return s.respond(n)
}

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "stub",
		Message:      llm.Message{Role: llm.RoleAssistant, Content: text},
		TextSegments: []string{text},
		InputTokens:  100,
		OutputTokens: 20,
	}
}

func toolResponse(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:        "stub",
		Message:      llm.Message{Role: llm.RoleAssistant, ToolCalls: calls},
		InputTokens:  100,
		OutputTokens: 20,
	}
}

func call(id, name string) llm.ToolCall {
	return llm.ToolCall{ID: id, Function: llm.FunctionCall{Name: name, Arguments: map[string]any{"id": id}}}
}

// stubTools runs fn for every Execute.
type stubTools struct {
	calls atomic.Int32
	fn    func(name string, input map[string]any) tools.Result
}

func (s *stubTools) Execute(_ context.Context, name string, input map[string]any) tools.Result {
	s.calls.Add(1)
	if s.fn == nil {
		return tools.Result{Tool: name, Data: map[string]any{"ok": true}}
	}
	return s.fn(name, input)
}

func (s *stubTools) Definitions() []llm.ToolDefinition {
	return []llm.ToolDefinition{{Name: "query_cur_data"}}
}

type fixture struct {
	loop  *Loop
	llm   *stubLLM
	tools *stubTools
	store *conversation.MemoryStore
	bus   *events.Bus
	ch    <-chan events.Event
}

func newFixture(t *testing.T, respond func(n int) (*llm.ChatResponse, error), cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		llm:   &stubLLM{respond: respond},
		tools: &stubTools{},
		store: conversation.NewMemoryStore(conversation.Options{}),
		bus:   events.New(),
	}
	f.ch = f.bus.Subscribe(4096)
	t.Cleanup(func() { f.bus.Unsubscribe(f.ch) })
	f.loop = New(cfg, Deps{
		LLM:           f.llm,
		Tools:         f.tools,
		Conversations: f.store,
		Events:        f.bus,
		Logger:        discardLogger(),
	})
	return f
}

// drain returns every event published so far.
func (f *fixture) drain() []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-f.ch:
			out = append(out, e)
		default:
			return out
		}
	}
}

func kinds(evs []events.Event, kind string) []events.Event {
	var out []events.Event
	for _, e := range evs {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func TestRunFinalizesInOneCycle(t *testing.T) {
	f := newFixture(t, func(int) (*llm.ChatResponse, error) {
		return textResponse("EC2 is your largest cost."), nil
	}, Config{})

	resp, err := f.loop.Run(context.Background(), Request{Message: "What costs the most?"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if f.llm.calls != 1 || resp.Cycles != 1 {
		t.Errorf("calls = %d, cycles = %d, want 1", f.llm.calls, resp.Cycles)
	}
	if resp.Content != "EC2 is your largest cost." {
		t.Errorf("content = %q", resp.Content)
	}

	conv, err := f.store.Get(resp.ConversationID)
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Turns) != 2 || conv.Turns[0].Role != conversation.RoleUser || conv.Turns[1].Content != resp.Content {
		t.Errorf("turns = %+v", conv.Turns)
	}
	if conv.Title != "What costs the most?" {
		t.Errorf("title = %q", conv.Title)
	}

	evs := f.drain()
	complete := kinds(evs, events.KindComplete)
	if len(complete) != 1 || complete[0].Data["response"] != resp.Content {
		t.Fatalf("complete events = %+v", complete)
	}
	for _, e := range evs {
		if e.ConversationID() != resp.ConversationID {
			t.Errorf("event %s lacks conversation id", e.Kind)
		}
	}
	if len(kinds(evs, events.KindTextResponse)) != 1 {
		t.Error("expected one text_response event")
	}
}

func TestRunAbortsAtMaxAttempts(t *testing.T) {
	f := newFixture(t, func(n int) (*llm.ChatResponse, error) {
		return toolResponse(call(fmt.Sprintf("tu_%d", n), "query_cur_data")), nil
	}, Config{})

	_, err := f.loop.Run(context.Background(), Request{Message: "loop forever"})
	if !errors.Is(err, ErrMaxAttempts) {
		t.Fatalf("err = %v, want ErrMaxAttempts", err)
	}
	if f.llm.calls != 50 {
		t.Errorf("inference calls = %d, want exactly 50", f.llm.calls)
	}
	if got := f.tools.calls.Load(); got != 50 {
		t.Errorf("tool calls = %d, want 50", got)
	}

	evs := f.drain()
	errs := kinds(evs, events.KindError)
	if len(errs) != 1 || errs[0].Data["outcome"] != "max_attempts" || errs[0].Data["error"] != prompts.MaxAttemptsMessage {
		t.Errorf("error events = %+v", errs)
	}
	if len(kinds(evs, events.KindComplete)) != 0 {
		t.Error("aborted turn must not publish complete")
	}
}

func TestRunCustomCeiling(t *testing.T) {
	f := newFixture(t, func(n int) (*llm.ChatResponse, error) {
		return toolResponse(call(fmt.Sprintf("tu_%d", n), "x")), nil
	}, Config{MaxCycles: 3})

	if _, err := f.loop.Run(context.Background(), Request{Message: "q"}); !errors.Is(err, ErrMaxAttempts) {
		t.Fatalf("err = %v", err)
	}
	if f.llm.calls != 3 {
		t.Errorf("calls = %d, want 3", f.llm.calls)
	}
}

func TestRunBatchIsolation(t *testing.T) {
	f := newFixture(t, func(n int) (*llm.ChatResponse, error) {
		if n == 1 {
			return toolResponse(
				call("tu_1", "get_cost_by_service"),
				call("tu_2", "query_cur_data"),
				call("tu_3", "get_cost_forecast"),
			), nil
		}
		return textResponse("done"), nil
	}, Config{})
	f.tools.fn = func(name string, _ map[string]any) tools.Result {
		if name == "query_cur_data" {
			return tools.Result{Tool: name, Failure: &tools.Failure{Kind: tools.KindCollaboratorFailure, Message: "Athena query failed"}}
		}
		return tools.Result{Tool: name, Data: map[string]any{"tool": name}}
	}

	resp, err := f.loop.Run(context.Background(), Request{Message: "compare"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Cycles != 2 || resp.ToolCalls != 3 {
		t.Errorf("cycles = %d, tool calls = %d", resp.Cycles, resp.ToolCalls)
	}

	second := f.llm.requests[1]
	var results []llm.Message
	for _, m := range second {
		if m.Role == llm.RoleTool {
			results = append(results, m)
		}
	}
	if len(results) != 3 {
		t.Fatalf("tool results = %d, want 3", len(results))
	}
	for i, want := range []string{"tu_1", "tu_2", "tu_3"} {
		if results[i].ToolCallID != want {
			t.Errorf("result %d id = %s, want %s", i, results[i].ToolCallID, want)
		}
	}
	if results[0].IsError || !results[1].IsError || results[2].IsError {
		t.Errorf("error flags = %v %v %v", results[0].IsError, results[1].IsError, results[2].IsError)
	}
	if !strings.Contains(results[1].Content, "Athena query failed") {
		t.Errorf("failure content = %s", results[1].Content)
	}

	conv, _ := f.store.Get(resp.ConversationID)
	var toolTurns []string
	for _, turn := range conv.Turns {
		if turn.Role == conversation.RoleTool {
			toolTurns = append(toolTurns, turn.ToolName)
		}
	}
	if strings.Join(toolTurns, ",") != "get_cost_by_service,query_cur_data,get_cost_forecast" {
		t.Errorf("tool turns = %v", toolTurns)
	}

	evs := kinds(f.drain(), events.KindToolCall)
	status := map[string]int{}
	for _, e := range evs {
		status[e.Data["status"].(string)]++
	}
	if status[events.ToolStarted] != 3 || status[events.ToolCompleted] != 2 || status[events.ToolError] != 1 {
		t.Errorf("tool_call statuses = %v", status)
	}
}

func TestRunBatchPreservesRequestOrder(t *testing.T) {
	f := newFixture(t, func(n int) (*llm.ChatResponse, error) {
		if n == 1 {
			return toolResponse(call("a", "slow"), call("b", "medium"), call("c", "fast")), nil
		}
		return textResponse("ok"), nil
	}, Config{ToolConcurrency: 3})
	delay := map[string]time.Duration{"slow": 60 * time.Millisecond, "medium": 30 * time.Millisecond, "fast": 0}
	f.tools.fn = func(name string, _ map[string]any) tools.Result {
		time.Sleep(delay[name])
		return tools.Result{Tool: name, Data: name}
	}

	if _, err := f.loop.Run(context.Background(), Request{Message: "go"}); err != nil {
		t.Fatal(err)
	}
	var got []string
	for _, m := range f.llm.requests[1] {
		if m.Role == llm.RoleTool {
			got = append(got, m.Content)
		}
	}
	if strings.Join(got, ",") != `"slow","medium","fast"` {
		t.Errorf("results = %v, want request order", got)
	}
}

func TestRunInferenceError(t *testing.T) {
	f := newFixture(t, func(int) (*llm.ChatResponse, error) {
		return nil, errors.New("rate limited")
	}, Config{})

	_, err := f.loop.Run(context.Background(), Request{Message: "hi", SessionID: "s1"})
	if err == nil || !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("err = %v", err)
	}

	id, _ := f.store.SessionConversation("s1")
	conv, err := f.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(conv.Turns) != 1 || conv.Turns[0].Role != conversation.RoleUser {
		t.Errorf("turns = %+v, want only the user turn", conv.Turns)
	}
	if errs := kinds(f.drain(), events.KindError); len(errs) != 1 {
		t.Errorf("error events = %d", len(errs))
	}
}

func TestRunEmptyMessage(t *testing.T) {
	f := newFixture(t, func(int) (*llm.ChatResponse, error) { return textResponse("x"), nil }, Config{})
	if _, err := f.loop.Run(context.Background(), Request{Message: "   "}); !errors.Is(err, ErrEmptyMessage) {
		t.Errorf("err = %v", err)
	}
	if f.llm.calls != 0 {
		t.Error("model called for an empty message")
	}
}

func TestRunUnknownConversation(t *testing.T) {
	f := newFixture(t, func(int) (*llm.ChatResponse, error) { return textResponse("x"), nil }, Config{})
	_, err := f.loop.Run(context.Background(), Request{Message: "q", ConversationID: "conv_missing"})
	if !errors.Is(err, conversation.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, func(n int) (*llm.ChatResponse, error) {
		cancel()
		return toolResponse(call("tu", "x")), nil
	}, Config{})

	_, err := f.loop.Run(ctx, Request{Message: "q"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if f.llm.calls != 1 {
		t.Errorf("calls = %d, want the loop to stop before the next cycle", f.llm.calls)
	}
}

func TestRunRegeneratesPreambleEachCycle(t *testing.T) {
	f := newFixture(t, func(n int) (*llm.ChatResponse, error) {
		if n < 3 {
			return toolResponse(call(fmt.Sprintf("tu_%d", n), "x")), nil
		}
		return textResponse("done"), nil
	}, Config{})
	var built int
	var gotIDs []string
	f.loop.deps.Preamble = func(ids []string) string {
		built++
		gotIDs = ids
		return fmt.Sprintf("preamble %d", built)
	}

	if _, err := f.loop.Run(context.Background(), Request{Message: "q", ContextIDs: []string{"ctx_1"}}); err != nil {
		t.Fatal(err)
	}
	if built != 3 {
		t.Errorf("preamble built %d times, want 3", built)
	}
	if len(gotIDs) != 1 || gotIDs[0] != "ctx_1" {
		t.Errorf("context ids = %v", gotIDs)
	}
	if f.llm.requests[2][0].Content != "preamble 3" {
		t.Errorf("third request system = %q", f.llm.requests[2][0].Content)
	}
}

func TestRunAttachesContextMedia(t *testing.T) {
	f := newFixture(t, func(n int) (*llm.ChatResponse, error) {
		if n == 1 {
			return toolResponse(call("tu_1", "x")), nil
		}
		return textResponse("done"), nil
	}, Config{})
	var resolved int
	f.loop.deps.Attachments = func(ids []string) []llm.Attachment {
		resolved++
		if len(ids) != 1 || ids[0] != "ctx_img" {
			t.Errorf("attachment ids = %v", ids)
		}
		return []llm.Attachment{{MediaType: llm.MediaPNG, Data: "AAAA"}}
	}

	if _, err := f.loop.Run(context.Background(), Request{Message: "what is in the screenshot?", ContextIDs: []string{"ctx_img"}}); err != nil {
		t.Fatal(err)
	}
	if resolved != 1 {
		t.Errorf("attachments resolved %d times, want once per turn", resolved)
	}
	for i, req := range f.llm.requests {
		first := req[0]
		if first.Role != llm.RoleUser || len(first.Attachments) != 1 || first.Attachments[0].Data != "AAAA" {
			t.Errorf("request %d first message = %+v", i, first)
		}
	}
}

func TestRunEmptyAnswerUsesFallback(t *testing.T) {
	f := newFixture(t, func(int) (*llm.ChatResponse, error) {
		return &llm.ChatResponse{Message: llm.Message{Role: llm.RoleAssistant}}, nil
	}, Config{})

	resp, err := f.loop.Run(context.Background(), Request{Message: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != prompts.EmptyResponseFallback {
		t.Errorf("content = %q", resp.Content)
	}
	conv, _ := f.store.Get(resp.ConversationID)
	if len(conv.Turns) != 1 {
		t.Errorf("turns = %d, want no assistant turn for an empty answer", len(conv.Turns))
	}
}

func TestRunContinuesConversation(t *testing.T) {
	f := newFixture(t, func(n int) (*llm.ChatResponse, error) {
		return textResponse(fmt.Sprintf("answer %d", n)), nil
	}, Config{})
	ctx := context.Background()

	first, err := f.loop.Run(ctx, Request{Message: "q1", SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.loop.Run(ctx, Request{Message: "q2", SessionID: "s"})
	if err != nil {
		t.Fatal(err)
	}
	if first.ConversationID != second.ConversationID {
		t.Errorf("session did not continue its conversation")
	}
	if roles(f.llm.requests[1]) != "uau" {
		t.Errorf("second request roles = %q", roles(f.llm.requests[1]))
	}
}

func TestToolCallEventTruncation(t *testing.T) {
	long := strings.Repeat("x", 2000)
	res := tools.Result{Tool: "query_cur_data", Data: long}
	got := eventResult("query_cur_data", res).(string)
	if len(got) != eventResultLimit {
		t.Errorf("len = %d, want %d", len(got), eventResultLimit)
	}

	chart := map[string]any{"url": "/charts/x.html", "html": long}
	viz := tools.Result{Tool: tools.VisualizationTool, Data: chart}
	if m, ok := eventResult(tools.VisualizationTool, viz).(map[string]any); !ok || m["html"] != long {
		t.Error("visualization result should be passed whole")
	}
}

func TestRunRecordsUsage(t *testing.T) {
	ledger, err := usage.NewStore(filepath.Join(t.TempDir(), "usage.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer ledger.Close()

	f := newFixture(t, func(n int) (*llm.ChatResponse, error) {
		if n == 1 {
			return toolResponse(call("tu", "x")), nil
		}
		return textResponse("done"), nil
	}, Config{Model: "claude-3-7-sonnet-20250219"})
	f.loop.deps.Usage = ledger
	f.loop.deps.Pricing = map[string]usage.Pricing{"stub": {InputPerMillion: 1_000_000, OutputPerMillion: 0}}

	resp, err := f.loop.Run(context.Background(), Request{Message: "q"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.InputTokens != 200 || resp.OutputTokens != 40 {
		t.Errorf("tokens = %d/%d", resp.InputTokens, resp.OutputTokens)
	}
	sum, err := ledger.Summary(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if sum.TotalRecords != 2 || sum.TotalCostUSD != 200 {
		t.Errorf("ledger = %+v", sum)
	}
	byConv, _ := ledger.SummaryByConversation(time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if byConv[resp.ConversationID] == nil {
		t.Errorf("ledger not keyed by conversation: %v", byConv)
	}
}
