package api

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nikhil-bora/finops-agent/internal/events"
)

func dialEvents(t *testing.T, f *fixture, query string) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(f.handler)
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	// The handler subscribes before registering the connection.
	deadline := time.Now().Add(2 * time.Second)
	for f.srv.hub.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("websocket never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg wsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return msg
}

func TestWebSocketForwardsEvents(t *testing.T) {
	f := newFixture(t, Config{})
	conn := dialEvents(t, f, "")

	f.bus.Emit(events.SourceAgent, events.KindTextResponse, map[string]any{
		"conversation_id": "conv_1",
		"text":            "Looking at EC2 costs",
	})

	msg := readMessage(t, conn)
	if msg.Type != events.KindTextResponse || msg.Source != events.SourceAgent {
		t.Errorf("message = %+v", msg)
	}
	if msg.Data["text"] != "Looking at EC2 costs" || msg.Data["conversation_id"] != "conv_1" {
		t.Errorf("data = %v", msg.Data)
	}
}

func TestWebSocketConversationFilter(t *testing.T) {
	f := newFixture(t, Config{})
	conn := dialEvents(t, f, "?conversation_id=conv_b")

	f.bus.Emit(events.SourceAgent, events.KindComplete, map[string]any{"conversation_id": "conv_a", "response": "a"})
	f.bus.Emit(events.SourceKPI, events.KindKPIRefreshed, map[string]any{"kpi_id": "daily_cost"})
	f.bus.Emit(events.SourceAgent, events.KindComplete, map[string]any{"conversation_id": "conv_b", "response": "b"})

	first := readMessage(t, conn)
	if first.Type != events.KindKPIRefreshed {
		t.Errorf("first = %+v, want the conversation-free kpi event", first)
	}
	second := readMessage(t, conn)
	if second.Type != events.KindComplete || second.Data["response"] != "b" {
		t.Errorf("second = %+v", second)
	}
}

func TestMatchesConversation(t *testing.T) {
	tests := []struct {
		data   map[string]any
		filter string
		want   bool
	}{
		{map[string]any{"conversation_id": "a"}, "", true},
		{map[string]any{"conversation_id": "a"}, "a", true},
		{map[string]any{"conversation_id": "a"}, "b", false},
		{map[string]any{}, "b", true},
		{nil, "b", true},
	}
	for _, tt := range tests {
		if got := matchesConversation(events.Event{Data: tt.data}, tt.filter); got != tt.want {
			t.Errorf("matchesConversation(%v, %q) = %v, want %v", tt.data, tt.filter, got, tt.want)
		}
	}
}
