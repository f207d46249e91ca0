package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nikhil-bora/finops-agent/internal/httpkit"
)

// AnthropicConfig configures the Anthropic client.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string
	MaxTokens int
}

// AnthropicClient is a client for the Anthropic Messages API.
type AnthropicClient struct {
	client    anthropic.Client
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig, logger *slog.Logger) *AnthropicClient {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("provider", "anthropic")

	// Long prompts with many tool results can take a while before
	// headers arrive.
	t := httpkit.NewTransport()
	t.ResponseHeaderTimeout = 120 * time.Second
	hc := httpkit.NewClient(
		httpkit.WithTimeout(0),
		httpkit.WithTransport(t),
		httpkit.WithRetry(2, time.Second),
		httpkit.WithLogger(logger),
	)

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(hc),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	maxTokens := int64(cfg.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		maxTokens: maxTokens,
		logger:    logger,
	}
}

// Chat sends one non-streaming Messages request.
func (c *AnthropicClient) Chat(ctx context.Context, model string, messages []Message, tools []ToolDefinition) (*ChatResponse, error) {
	converted, system, dropped := convertToAnthropic(messages)
	for _, id := range dropped {
		c.logger.Warn("dropping tool result with unknown correlation id", "tool_use_id", id)
	}
	for _, m := range messages {
		for _, a := range m.Attachments {
			if !SupportedMedia(a.MediaType) {
				c.logger.Warn("dropping attachment with unsupported media type", "media_type", a.MediaType)
			}
		}
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  converted,
		MaxTokens: c.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(tools) > 0 {
		toolParams, err := convertTools(tools)
		if err != nil {
			return nil, err
		}
		params.Tools = toolParams
	}

	c.logger.Log(ctx, LevelTrace, "anthropic request",
		"model", model,
		"messages", len(converted),
		"tools", len(tools),
	)

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("anthropic API error (status %d): %w", apiErr.StatusCode, err)
		}
		return nil, fmt.Errorf("anthropic request: %w", err)
	}

	resp, err := convertFromAnthropic(msg)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("anthropic response",
		"model", resp.Model,
		"stop_reason", resp.StopReason,
		"tool_calls", len(resp.Message.ToolCalls),
		"input_tokens", resp.InputTokens,
		"output_tokens", resp.OutputTokens,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return resp, nil
}

// convertToAnthropic maps provider-neutral messages to Anthropic
// message params. System messages are lifted into the system prompt.
// Consecutive tool messages become one user message of tool_result
// blocks. A tool result whose id was not requested by the preceding
// assistant message is dropped and its id returned. User attachments
// become image or document blocks ahead of the text.
func convertToAnthropic(messages []Message) (out []anthropic.MessageParam, system string, dropped []string) {
	var (
		pendingIDs map[string]bool
		results    []anthropic.ContentBlockParamUnion
	)
	flushResults := func() {
		if len(results) > 0 {
			out = append(out, anthropic.NewUserMessage(results...))
			results = nil
		}
	}

	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += m.Content

		case RoleTool:
			if !pendingIDs[m.ToolCallID] {
				dropped = append(dropped, m.ToolCallID)
				continue
			}
			delete(pendingIDs, m.ToolCallID)
			results = append(results, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, m.IsError))

		case RoleAssistant:
			flushResults()
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			pendingIDs = make(map[string]bool, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				input := tc.Function.Arguments
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Function.Name))
				pendingIDs[tc.ID] = true
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}

		default:
			flushResults()
			pendingIDs = nil
			blocks := attachmentBlocks(m.Attachments)
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	flushResults()
	return out, system, dropped
}

// attachmentBlocks converts attachments, skipping unsupported media.
func attachmentBlocks(atts []Attachment) []anthropic.ContentBlockParamUnion {
	if len(atts) == 0 {
		return nil
	}
	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(atts)+1)
	for _, a := range atts {
		switch {
		case a.MediaType == MediaPDF:
			blocks = append(blocks, anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{Data: a.Data}))
		case SupportedMedia(a.MediaType):
			blocks = append(blocks, anthropic.NewImageBlockBase64(a.MediaType, a.Data))
		}
	}
	return blocks
}

// convertTools maps tool definitions to Anthropic tool params.
func convertTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}

// convertFromAnthropic maps a Messages API response to ChatResponse.
func convertFromAnthropic(msg *anthropic.Message) (*ChatResponse, error) {
	resp := &ChatResponse{
		Model:        string(msg.Model),
		CreatedAt:    time.Now(),
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Message:      Message{Role: RoleAssistant},
	}

	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.TextSegments = append(resp.TextSegments, block.Text)
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					return nil, fmt.Errorf("decode tool input for %s: %w", block.Name, err)
				}
			}
			resp.Message.ToolCalls = append(resp.Message.ToolCalls, ToolCall{
				ID:       block.ID,
				Function: FunctionCall{Name: block.Name, Arguments: args},
			})
		}
	}
	resp.Message.Content = JoinText(resp.TextSegments)
	return resp, nil
}
