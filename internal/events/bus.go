// Package events is the delivery channel for live progress. Events flow
// from the orchestration loop, KPI refresh and background jobs to
// subscribers (the WebSocket hub, the CLI ask command). Delivery is
// best effort and never affects the correctness of a turn. The bus is
// nil-safe: calling Publish on a nil *Bus is a no-op.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the orchestration loop.
	SourceAgent = "agent"
	// SourceKPI identifies events from KPI management and refresh.
	SourceKPI = "kpi"
	// SourceScheduler identifies events from background jobs.
	SourceScheduler = "scheduler"
	// SourceHealth identifies dependency reachability changes.
	SourceHealth = "health"
)

// Kind constants describe the type of event within a source. Every
// agent event carries conversation_id in Data.
const (
	// KindLoopState signals a loop state transition.
	// Data: conversation_id, state, cycle.
	KindLoopState = "loop_state"
	// KindTextResponse carries assistant text produced in a cycle.
	// Data: conversation_id, text, cycle.
	KindTextResponse = "text_response"
	// KindToolCall signals a tool start, completion or failure.
	// Data: conversation_id, tool, tool_use_id, status
	// (started|completed|error), input, result, error.
	KindToolCall = "tool_call"
	// KindKPICreated signals a KPI was created through a tool call.
	// Data: conversation_id, kpi.
	KindKPICreated = "kpi_created"
	// KindComplete signals the final answer of a turn.
	// Data: conversation_id, response, cycles.
	KindComplete = "complete"
	// KindError signals a turn-level failure.
	// Data: conversation_id, error.
	KindError = "error"

	// KindKPIRefreshed signals a background KPI refresh.
	// Data: kpi_id, value, trend, error.
	KindKPIRefreshed = "kpi_refreshed"
	// KindPurge signals a conversation purge run.
	// Data: removed.
	KindPurge = "purge"
	// KindDependency signals a collaborator became reachable or not.
	// Data: name, ready, error.
	KindDependency = "dependency"
)

// Tool call status values carried in KindToolCall events.
const (
	ToolStarted   = "started"
	ToolCompleted = "completed"
	ToolError     = "error"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// Emit stamps and publishes an event. Safe on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// ConversationID returns the conversation the event belongs to, or ""
// for process-wide events.
func (e Event) ConversationID() string {
	id, _ := e.Data["conversation_id"].(string)
	return id
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
