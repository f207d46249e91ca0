// Package agent implements the orchestration loop: it alternates
// between inference and tool execution until the model answers without
// requesting tools, or until the cycle ceiling is reached.
//
// One call to [Loop.Run] handles one user message. The loop appends the
// user turn, then repeats:
//
//	AwaitingModel -> HasToolRequests -> ExecutingTools -> AwaitingModel
//	AwaitingModel -> Done -> Finalized
//
// Every transition is published on the event bus so a UI can render
// progress without polling.
package agent

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/nikhil-bora/finops-agent/internal/conversation"
	"github.com/nikhil-bora/finops-agent/internal/events"
	"github.com/nikhil-bora/finops-agent/internal/llm"
	"github.com/nikhil-bora/finops-agent/internal/metrics"
	"github.com/nikhil-bora/finops-agent/internal/tools"
	"github.com/nikhil-bora/finops-agent/internal/usage"
)

// ErrMaxAttempts is returned when a turn does not finalize within the
// cycle ceiling.
var ErrMaxAttempts = errors.New("exceeded max attempts")

// ErrEmptyMessage is returned for a blank user message.
var ErrEmptyMessage = errors.New("empty message")

// Loop states published in loop_state events.
const (
	StateAwaitingModel  = "awaiting_model"
	StateExecutingTools = "executing_tools"
	StateFinalized      = "finalized"
	StateFailed         = "failed"
)

// eventResultLimit caps tool results carried in tool_call events.
const eventResultLimit = 500

// ToolExecutor runs tools and describes them to the model.
type ToolExecutor interface {
	Execute(ctx context.Context, name string, input map[string]any) tools.Result
	Definitions() []llm.ToolDefinition
}

// PreambleFunc builds the system preamble. It is called once per
// cycle with the context ids attached to the request.
type PreambleFunc func(contextIDs []string) string

// AttachmentFunc resolves the media attached to a request's contexts.
type AttachmentFunc func(contextIDs []string) []llm.Attachment

// Config tunes the loop.
type Config struct {
	Model           string
	MaxCycles       int // default 50
	ToolConcurrency int // default 4; 1 runs a batch sequentially
	HistoryWindow   int // stored text turns re-fed per cycle; 0 = all
}

// Deps are the loop's collaborators. LLM, Tools and Conversations are
// required; the rest may be nil.
type Deps struct {
	LLM           llm.Client
	Tools         ToolExecutor
	Conversations conversation.Store
	Preamble      PreambleFunc
	Attachments   AttachmentFunc
	Events        *events.Bus
	Usage         *usage.Store
	Pricing       map[string]usage.Pricing
	Stats         *metrics.Metrics
	Logger        *slog.Logger
}

// Request is one user message.
type Request struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversation_id,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	ContextIDs     []string `json:"context_ids,omitempty"`
	Source         string   `json:"-"` // usage ledger tag, default "chat"
}

// Response is the finalized answer of one turn.
type Response struct {
	ConversationID string `json:"conversation_id"`
	Content        string `json:"response"`
	Cycles         int    `json:"cycles"`
	ToolCalls      int    `json:"tool_calls"`
	InputTokens    int    `json:"input_tokens"`
	OutputTokens   int    `json:"output_tokens"`
}

// Loop is the orchestration loop. It is safe for concurrent use; turns
// on the same conversation are serialized.
type Loop struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*convLock
}

type convLock struct {
	mu   sync.Mutex
	refs int
}

// New creates a loop.
func New(cfg Config, deps Deps) *Loop {
	if cfg.MaxCycles <= 0 {
		cfg.MaxCycles = 50
	}
	if cfg.ToolConcurrency <= 0 {
		cfg.ToolConcurrency = 4
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Preamble == nil {
		deps.Preamble = func([]string) string { return "" }
	}
	return &Loop{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "agent"),
		locks:  make(map[string]*convLock),
	}
}

// lock serializes turns on one conversation and returns the unlock
// function.
func (l *Loop) lock(id string) func() {
	l.mu.Lock()
	cl, ok := l.locks[id]
	if !ok {
		cl = &convLock{}
		l.locks[id] = cl
	}
	cl.refs++
	l.mu.Unlock()

	cl.mu.Lock()
	return func() {
		cl.mu.Unlock()
		l.mu.Lock()
		cl.refs--
		if cl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
