package tools

import (
	"context"
	"sync"
)

type contextKey string

const conversationIDKey contextKey = "conversation_id"
const warningsKey contextKey = "warnings"

// WithConversationID adds the conversation ID to the context.
func WithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext extracts the conversation ID from the context.
// Returns "default" if not set.
func ConversationIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(conversationIDKey).(string); ok && id != "" {
		return id
	}
	return "default"
}

// warningSink collects the range adjustments a handler made so the
// executor can attach them to the result.
type warningSink struct {
	mu       sync.Mutex
	warnings []Warning
}

func withWarnings(ctx context.Context) (context.Context, *warningSink) {
	sink := &warningSink{}
	return context.WithValue(ctx, warningsKey, sink), sink
}

// addWarning records w on the sink in ctx. Without a sink it is a no-op.
func addWarning(ctx context.Context, w Warning) {
	sink, ok := ctx.Value(warningsKey).(*warningSink)
	if !ok {
		return
	}
	sink.mu.Lock()
	sink.warnings = append(sink.warnings, w)
	sink.mu.Unlock()
}

func (s *warningSink) list() []Warning {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Warning(nil), s.warnings...)
}
