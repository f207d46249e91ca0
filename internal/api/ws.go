package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nikhil-bora/finops-agent/internal/events"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxPayload     = 64 << 10
	wsSubscriberSize = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The UI may be served from another origin during development.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsMessage is the frame sent to WebSocket clients for each event.
type wsMessage struct {
	Type      string         `json:"type"`
	Source    string         `json:"source"`
	Timestamp time.Time      `json:"ts"`
	Data      map[string]any `json:"data,omitempty"`
}

// hub tracks open WebSocket connections. Each connection holds its own
// event bus subscription.
type hub struct {
	logger *slog.Logger

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{logger: logger, conns: make(map[*websocket.Conn]struct{})}
}

func (h *hub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("websocket connected", "clients", n)
}

func (h *hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, c)
	n := len(h.conns)
	h.mu.Unlock()
	h.logger.Info("websocket disconnected", "clients", n)
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.conns)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		c.Close()
	}
}

// handleWebSocket streams bus events to the client. With a
// conversation_id query parameter only that conversation's events and
// events not tied to any conversation are sent.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	filter := r.URL.Query().Get("conversation_id")

	sub := s.deps.Events.Subscribe(wsSubscriberSize)
	s.hub.add(conn)

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wsReadLoop(conn)
	}()

	s.wsWriteLoop(conn, sub, filter, done)

	s.deps.Events.Unsubscribe(sub)
	s.hub.remove(conn)
	conn.Close()
	<-done
}

// wsReadLoop drains client frames so pongs and close frames are
// processed. Clients have nothing to send.
func (s *Server) wsReadLoop(conn *websocket.Conn) {
	conn.SetReadLimit(wsMaxPayload)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		if mt != websocket.TextMessage {
			continue
		}
		s.logger.Debug("websocket message received", "bytes", len(data))
	}
}

func (s *Server) wsWriteLoop(conn *websocket.Conn, sub <-chan events.Event, filter string, done <-chan struct{}) {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.ctx.Done():
			return
		case e, ok := <-sub:
			if !ok {
				return
			}
			if !matchesConversation(e, filter) {
				continue
			}
			msg, err := json.Marshal(wsMessage{Type: e.Kind, Source: e.Source, Timestamp: e.Timestamp, Data: e.Data})
			if err != nil {
				s.logger.Warn("could not encode event", "kind", e.Kind, "error", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func matchesConversation(e events.Event, filter string) bool {
	if filter == "" {
		return true
	}
	id, ok := e.Data["conversation_id"].(string)
	return !ok || id == "" || id == filter
}
