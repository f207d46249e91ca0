package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/nikhil-bora/finops-agent/internal/agent"
	"github.com/nikhil-bora/finops-agent/internal/conversation"
	"github.com/nikhil-bora/finops-agent/internal/prompts"
)

// chatRequest is the body of POST /api/chat.
type chatRequest struct {
	Message        string   `json:"message"`
	ConversationID string   `json:"conversation_id,omitempty"`
	SessionID      string   `json:"session_id,omitempty"`
	ContextIDs     []string `json:"context_ids,omitempty"`
	// Wait makes the request block until the turn finishes and return
	// the answer instead of streaming it over /ws only.
	Wait bool `json:"wait,omitempty"`
}

// chatAccepted is returned for a turn running in the background.
type chatAccepted struct {
	Status         string `json:"status"`
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agent == nil || s.deps.Conversations == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "agent not configured")
		return
	}

	var req chatRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "Empty message")
		return
	}
	if req.SessionID == "" {
		req.SessionID = conversation.DefaultSession
	}
	if !s.limiter.allow(clientKey(r)) {
		s.errorResponse(w, http.StatusTooManyRequests, "too many chat requests, slow down")
		return
	}

	store := s.deps.Conversations
	if req.ConversationID == "" {
		conv, err := s.startConversation(req.SessionID, conversation.TitleFrom(req.Message))
		if err != nil {
			s.internalError(w, "create conversation", err)
			return
		}
		req.ConversationID = conv.ID
	} else if _, err := store.Get(req.ConversationID); err != nil {
		s.storeError(w, "load conversation", err)
		return
	}

	turn := agent.Request{
		Message:        req.Message,
		ConversationID: req.ConversationID,
		SessionID:      req.SessionID,
		ContextIDs:     req.ContextIDs,
		Source:         "chat",
	}
	s.logger.Info("chat message received",
		"conversation_id", req.ConversationID,
		"session_id", req.SessionID,
		"contexts", len(req.ContextIDs),
		"wait", req.Wait,
	)

	if req.Wait {
		ctx, cancel := context.WithTimeout(r.Context(), s.cfg.TurnTimeout)
		defer cancel()
		resp, err := s.deps.Agent.Run(ctx, turn)
		if err != nil {
			s.turnError(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, resp, s.logger)
		return
	}

	s.turns.Add(1)
	go func() {
		defer s.turns.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.cfg.TurnTimeout)
		defer cancel()
		// Failures reach the client as error events.
		if _, err := s.deps.Agent.Run(ctx, turn); err != nil {
			s.logger.Warn("background turn failed", "conversation_id", turn.ConversationID, "error", err)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	writeJSON(w, chatAccepted{Status: "processing", ConversationID: req.ConversationID}, s.logger)
}

func (s *Server) turnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agent.ErrEmptyMessage):
		s.errorResponse(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, agent.ErrMaxAttempts):
		s.errorResponse(w, http.StatusInternalServerError, prompts.MaxAttemptsMessage)
	case errors.Is(err, context.DeadlineExceeded):
		s.errorResponse(w, http.StatusGatewayTimeout, "turn timed out")
	case isNotFound(err):
		s.errorResponse(w, http.StatusNotFound, err.Error())
	default:
		s.internalError(w, "chat turn", err)
	}
}

// handleClear starts a fresh conversation for the session.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if s.deps.Conversations == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "conversation store not configured")
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !s.decodeJSON(w, r, &req) {
		return
	}
	conv, err := s.startConversation(req.SessionID, "")
	if err != nil {
		s.internalError(w, "clear session", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]string{
		"status":          "cleared",
		"conversation_id": conv.ID,
	}, s.logger)
}

// startConversation creates a conversation and makes it the session's
// current one.
func (s *Server) startConversation(sessionID, title string) (*conversation.Conversation, error) {
	if sessionID == "" {
		sessionID = conversation.DefaultSession
	}
	store := s.deps.Conversations
	conv, err := store.Create(sessionID, title)
	if err != nil {
		return nil, err
	}
	if err := store.SetSessionConversation(sessionID, conv.ID); err != nil {
		return nil, err
	}
	return conv, nil
}
