// Package llm provides the inference backend used by the orchestration
// loop. Messages and tool calls are provider-neutral; conversion to the
// wire format happens at the provider boundary (anthropic.go).
package llm

import "context"

// Client is the interface that inference providers implement.
type Client interface {
	// Chat sends the ordered message history and the available tools,
	// and returns the model's text and tool requests for one cycle.
	Chat(ctx context.Context, model string, messages []Message, tools []ToolDefinition) (*ChatResponse, error)
}
