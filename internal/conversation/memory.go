package conversation

import (
	"sort"
	"sync"
	"time"
)

type sessionPointer struct {
	conversationID string
	expiresAt      time.Time
}

// MemoryStore keeps conversations in process memory. It has the same
// read/write semantics as SQLiteStore but nothing survives a restart.
type MemoryStore struct {
	mu            sync.RWMutex
	opts          Options
	ids           idGen
	conversations map[string]*Conversation
	sessions      map[string]sessionPointer
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:          opts.withDefaults(),
		conversations: make(map[string]*Conversation),
		sessions:      make(map[string]sessionPointer),
	}
}

// Create starts a conversation.
func (s *MemoryStore) Create(sessionID, title string) (*Conversation, error) {
	if sessionID == "" {
		sessionID = DefaultSession
	}
	if title == "" {
		title = DefaultTitle
	}
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	conv := &Conversation{
		ID:        s.ids.next(now),
		SessionID: sessionID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Turns:     []Turn{},
		Metadata:  map[string]any{},
	}
	s.conversations[conv.ID] = conv
	return conv.copy(), nil
}

// Append adds a turn to the end of a conversation.
func (s *MemoryStore) Append(id string, turn Turn) error {
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.live(id, now)
	if !ok {
		return ErrNotFound
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}
	conv.Turns = append(conv.Turns, turn)
	conv.UpdatedAt = now
	if turn.Role == RoleUser && conv.Title == DefaultTitle {
		conv.Title = TitleFrom(turn.Content)
	}
	return nil
}

// Get returns a copy of the conversation.
func (s *MemoryStore) Get(id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.live(id, s.opts.Now())
	if !ok {
		return nil, ErrNotFound
	}
	return conv.copy(), nil
}

// live returns a conversation that exists and has not expired.
// Callers must hold the lock.
func (s *MemoryStore) live(id string, now time.Time) (*Conversation, bool) {
	conv, ok := s.conversations[id]
	if !ok || now.Sub(conv.UpdatedAt) > s.opts.Retention {
		return nil, false
	}
	return conv, true
}

// List returns summaries newest-first.
func (s *MemoryStore) List(limit, offset int) ([]Summary, error) {
	now := s.opts.Now()

	s.mu.RLock()
	all := make([]Summary, 0, len(s.conversations))
	for id := range s.conversations {
		conv, ok := s.live(id, now)
		if !ok {
			continue
		}
		all = append(all, conv.summary())
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].UpdatedAt.Equal(all[j].UpdatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].UpdatedAt.After(all[j].UpdatedAt)
	})
	return page(all, limit, offset), nil
}

// Delete removes a conversation.
func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.conversations[id]; !ok {
		return ErrNotFound
	}
	delete(s.conversations, id)
	return nil
}

// Purge removes stale conversations.
func (s *MemoryStore) Purge(olderThan time.Duration) (int, error) {
	now := s.opts.Now()
	cutoff := now.Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, conv := range s.conversations {
		if conv.UpdatedAt.Before(cutoff) || now.Sub(conv.UpdatedAt) > s.opts.Retention {
			delete(s.conversations, id)
			removed++
		}
	}
	return removed, nil
}

// SessionConversation returns the session's current conversation id.
func (s *MemoryStore) SessionConversation(sessionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.sessions[sessionID]
	if !ok || s.opts.Now().After(p.expiresAt) {
		return "", nil
	}
	return p.conversationID, nil
}

// SetSessionConversation points a session at a conversation.
func (s *MemoryStore) SetSessionConversation(sessionID, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = sessionPointer{
		conversationID: conversationID,
		expiresAt:      s.opts.Now().Add(s.opts.SessionTTL),
	}
	return nil
}

// ClearSession drops the session pointer.
func (s *MemoryStore) ClearSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Durable is always false for the in-memory store.
func (s *MemoryStore) Durable() bool { return false }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

func (c *Conversation) copy() *Conversation {
	out := *c
	out.Turns = make([]Turn, len(c.Turns))
	copy(out.Turns, c.Turns)
	out.Metadata = make(map[string]any, len(c.Metadata))
	for k, v := range c.Metadata {
		out.Metadata[k] = v
	}
	return &out
}

func (c *Conversation) summary() Summary {
	return Summary{
		ID:           c.ID,
		SessionID:    c.SessionID,
		Title:        c.Title,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		MessageCount: len(c.Turns),
	}
}

func page(all []Summary, limit, offset int) []Summary {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(all) {
		return []Summary{}
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all
}
