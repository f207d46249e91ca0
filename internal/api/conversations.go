package api

import (
	"net/http"

	"github.com/nikhil-bora/finops-agent/internal/conversation"
)

func (s *Server) conversationsReady(w http.ResponseWriter) bool {
	if s.deps.Conversations == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "conversation store not configured")
		return false
	}
	return true
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	if !s.conversationsReady(w) {
		return
	}
	limit := parseIntParam(r, "limit", 50)
	offset := parseIntParam(r, "offset", 0)

	convs, err := s.deps.Conversations.List(limit, offset)
	if err != nil {
		s.internalError(w, "list conversations", err)
		return
	}
	if convs == nil {
		convs = []conversation.Summary{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"conversations": convs,
		"limit":         limit,
		"offset":        offset,
	}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	if !s.conversationsReady(w) {
		return
	}
	conv, err := s.deps.Conversations.Get(r.PathValue("id"))
	if err != nil {
		s.storeError(w, "get conversation", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, conv, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	if !s.conversationsReady(w) {
		return
	}
	if err := s.deps.Conversations.Delete(r.PathValue("id")); err != nil {
		s.storeError(w, "delete conversation", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]bool{"success": true}, s.logger)
}

// handleConversationNew starts a conversation and makes it the
// session's current one.
func (s *Server) handleConversationNew(w http.ResponseWriter, r *http.Request) {
	if !s.conversationsReady(w) {
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
		Title     string `json:"title"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if req.SessionID == "" {
		req.SessionID = conversation.DefaultSession
	}
	conv, err := s.startConversation(req.SessionID, req.Title)
	if err != nil {
		s.internalError(w, "new conversation", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"conversation_id": conv.ID,
		"session_id":      req.SessionID,
	}, s.logger)
}
