package llm

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM. Assistant messages
// may carry ToolCalls; tool messages carry the result of one call and
// echo its ToolCallID.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
	IsError    bool       `json:"is_error,omitempty"`     // For tool responses

	// Attachments are sent ahead of the text of a user message.
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment is base64 media carried on a user message.
type Attachment struct {
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Media types accepted as attachments.
const (
	MediaJPEG = "image/jpeg"
	MediaPNG  = "image/png"
	MediaGIF  = "image/gif"
	MediaWebP = "image/webp"
	MediaPDF  = "application/pdf"
)

// SupportedMedia reports whether mediaType can be attached.
func SupportedMedia(mediaType string) bool {
	switch mediaType {
	case MediaJPEG, MediaPNG, MediaGIF, MediaWebP, MediaPDF:
		return true
	}
	return false
}

// FunctionCall names the tool and its structured input.
type FunctionCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// ToolCall represents a tool call from the model.
type ToolCall struct {
	ID       string       `json:"id,omitempty"` // Provider-assigned correlation id
	Function FunctionCall `json:"function"`
}

// ToolDefinition describes one invocable tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ChatResponse is the unified response from a provider. TextSegments
// keeps each text block separately, in the order the model emitted
// them; Message.Content holds them joined with newlines.
type ChatResponse struct {
	Model        string
	CreatedAt    time.Time
	Message      Message
	TextSegments []string
	StopReason   string

	// Token usage (provider-neutral)
	InputTokens  int
	OutputTokens int
}

// HasToolCalls reports whether the model requested any tools.
func (r *ChatResponse) HasToolCalls() bool {
	return r != nil && len(r.Message.ToolCalls) > 0
}

// JoinText joins text segments the way a final answer is rendered.
func JoinText(segments []string) string {
	return strings.Join(segments, "\n")
}
