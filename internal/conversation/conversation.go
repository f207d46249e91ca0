// Package conversation stores multi-turn conversations as append-only
// logs of turns. Two implementations share one contract: a durable
// SQLite store and an in-process store used when the database cannot
// be opened. Conversations expire after a retention window counted
// from their last update, and each session keeps a pointer to its
// current conversation with its own shorter expiry.
package conversation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned for unknown or expired conversations.
var ErrNotFound = errors.New("conversation not found")

// DefaultTitle is the placeholder title replaced by the first user turn.
const DefaultTitle = "New Conversation"

// DefaultSession is used when a caller does not name a session.
const DefaultSession = "default"

// Storage caps applied to tool turns.
const (
	MaxToolOutput = 1000
	titleLength   = 50

	// fullOutputTool keeps its whole output because dashboards rebuild
	// chart widgets from it.
	fullOutputTool = "create_visualization"
)

// Role tags a turn.
type Role string

// Turn roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Turn is one entry in a conversation log. User and assistant turns
// carry Content; tool turns carry ToolName, ToolInput and ToolOutput.
type Turn struct {
	Role       Role           `json:"role"`
	Content    string         `json:"content,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	ToolOutput string         `json:"tool_output,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}

// UserTurn builds a user turn.
func UserTurn(content string) Turn {
	return Turn{Role: RoleUser, Content: content}
}

// AssistantTurn builds an assistant turn.
func AssistantTurn(content string) Turn {
	return Turn{Role: RoleAssistant, Content: content}
}

// ToolTurn builds a tool-invocation turn. The output is capped at
// MaxToolOutput characters except for visualization results.
func ToolTurn(name string, input map[string]any, output string) Turn {
	if name != fullOutputTool {
		output = truncate(output, MaxToolOutput)
	}
	return Turn{Role: RoleTool, ToolName: name, ToolInput: input, ToolOutput: output}
}

// Conversation is the full record of one conversation.
type Conversation struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Title     string         `json:"title"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	Turns     []Turn         `json:"messages"`
	Metadata  map[string]any `json:"metadata"`
}

// Summary is the list view of a conversation.
type Summary struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Store is the conversation storage contract. Appends to the same
// conversation must be serialized by the caller; the stores keep turn
// order as received.
type Store interface {
	// Create starts a conversation. An empty session maps to
	// DefaultSession and an empty title to DefaultTitle.
	Create(sessionID, title string) (*Conversation, error)
	// Append adds a turn to the end of the log.
	Append(id string, turn Turn) error
	// Get returns the conversation with all turns in append order.
	Get(id string) (*Conversation, error)
	// List returns summaries newest-first by last update.
	List(limit, offset int) ([]Summary, error)
	// Delete removes a conversation and its turns.
	Delete(id string) error
	// Purge removes conversations not updated within olderThan and any
	// past their retention expiry. Returns the number removed.
	Purge(olderThan time.Duration) (int, error)
	// SessionConversation returns the session's current conversation
	// id, or "" when none is set or the pointer expired.
	SessionConversation(sessionID string) (string, error)
	// SetSessionConversation points a session at a conversation.
	SetSessionConversation(sessionID, conversationID string) error
	// ClearSession drops the session pointer.
	ClearSession(sessionID string) error
	// Durable reports whether data survives a restart.
	Durable() bool
	Close() error
}

// Options configures retention for either implementation.
type Options struct {
	Retention  time.Duration
	SessionTTL time.Duration
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Retention <= 0 {
		o.Retention = 7 * 24 * time.Hour
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = 24 * time.Hour
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Current returns the session's current conversation, creating one
// and pointing the session at it when the pointer is missing or stale.
func Current(s Store, sessionID string) (*Conversation, error) {
	if sessionID == "" {
		sessionID = DefaultSession
	}
	id, err := s.SessionConversation(sessionID)
	if err != nil {
		return nil, err
	}
	if id != "" {
		conv, err := s.Get(id)
		if err == nil {
			return conv, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, err
		}
	}
	conv, err := s.Create(sessionID, "")
	if err != nil {
		return nil, err
	}
	if err := s.SetSessionConversation(sessionID, conv.ID); err != nil {
		return nil, err
	}
	return conv, nil
}

// TitleFrom derives a title from the first user message.
func TitleFrom(message string) string {
	r := []rune(message)
	if len(r) > titleLength {
		return string(r[:titleLength]) + "..."
	}
	return message
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// idGen hands out conv_YYYYMMDD_HHMMSS_ffffff ids that strictly
// increase even when two calls land in the same microsecond.
type idGen struct {
	mu   sync.Mutex
	last time.Time
}

func (g *idGen) next(now time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	now = now.Truncate(time.Microsecond)
	if !now.After(g.last) {
		now = g.last.Add(time.Microsecond)
	}
	g.last = now
	return fmt.Sprintf("conv_%s_%06d", now.Format("20060102_150405"), now.Nanosecond()/1000)
}

func encodeMetadata(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode metadata: %w", err)
	}
	return string(b), nil
}
