package conversation

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore is a SQLite-backed conversation store. Timestamps are
// stored as Unix nanoseconds so range predicates compare numerically.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
	ids  idGen
}

// NewSQLiteStore opens (or creates) a conversation database.
func NewSQLiteStore(dbPath string, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := NewSQLiteStoreDB(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLiteStoreDB wraps an open database and ensures the schema.
func NewSQLiteStoreDB(db *sql.DB, opts Options) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, opts: opts.withDefaults()}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id         TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		title      TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL,
		metadata   TEXT NOT NULL DEFAULT '{}'
	);
	CREATE INDEX IF NOT EXISTS idx_conversations_updated ON conversations(updated_at DESC);

	CREATE TABLE IF NOT EXISTS turns (
		conversation_id TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		role            TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		tool_name       TEXT NOT NULL DEFAULT '',
		tool_input      TEXT NOT NULL DEFAULT '',
		tool_output     TEXT NOT NULL DEFAULT '',
		created_at      INTEGER NOT NULL,
		PRIMARY KEY (conversation_id, seq)
	);

	CREATE TABLE IF NOT EXISTS sessions (
		session_id      TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		expires_at      INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create starts a conversation.
func (s *SQLiteStore) Create(sessionID, title string) (*Conversation, error) {
	if sessionID == "" {
		sessionID = DefaultSession
	}
	if title == "" {
		title = DefaultTitle
	}
	now := s.opts.Now()
	conv := &Conversation{
		ID:        s.ids.next(now),
		SessionID: sessionID,
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Turns:     []Turn{},
		Metadata:  map[string]any{},
	}
	meta, err := encodeMetadata(conv.Metadata)
	if err != nil {
		return nil, err
	}
	_, err = s.db.Exec(
		`INSERT INTO conversations (id, session_id, title, created_at, updated_at, expires_at, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.SessionID, conv.Title, now.UnixNano(), now.UnixNano(),
		now.Add(s.opts.Retention).UnixNano(), meta,
	)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// Append adds a turn inside a transaction that also refreshes the
// conversation's update time, expiry and derived title.
func (s *SQLiteStore) Append(id string, turn Turn) (err error) {
	now := s.opts.Now()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = now
	}

	input := ""
	if turn.ToolInput != nil {
		b, err := json.Marshal(turn.ToolInput)
		if err != nil {
			return fmt.Errorf("encode tool input: %w", err)
		}
		input = string(b)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var title string
	err = tx.QueryRow(
		`SELECT title FROM conversations WHERE id = ? AND expires_at > ?`,
		id, now.UnixNano(),
	).Scan(&title)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load conversation %s: %w", id, err)
	}

	var seq int64
	if err = tx.QueryRow(
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM turns WHERE conversation_id = ?`, id,
	).Scan(&seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	if _, err = tx.Exec(
		`INSERT INTO turns (conversation_id, seq, role, content, tool_name, tool_input, tool_output, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, seq, string(turn.Role), turn.Content, turn.ToolName, input, turn.ToolOutput,
		turn.Timestamp.UnixNano(),
	); err != nil {
		return fmt.Errorf("insert turn: %w", err)
	}

	if turn.Role == RoleUser && title == DefaultTitle {
		title = TitleFrom(turn.Content)
	}
	if _, err = tx.Exec(
		`UPDATE conversations SET title = ?, updated_at = ?, expires_at = ? WHERE id = ?`,
		title, now.UnixNano(), now.Add(s.opts.Retention).UnixNano(), id,
	); err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// Get returns the conversation with all turns.
func (s *SQLiteStore) Get(id string) (*Conversation, error) {
	now := s.opts.Now()
	var (
		conv             Conversation
		created, updated int64
		meta             string
	)
	err := s.db.QueryRow(
		`SELECT id, session_id, title, created_at, updated_at, metadata
		 FROM conversations WHERE id = ? AND expires_at > ?`,
		id, now.UnixNano(),
	).Scan(&conv.ID, &conv.SessionID, &conv.Title, &created, &updated, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	conv.CreatedAt = time.Unix(0, created)
	conv.UpdatedAt = time.Unix(0, updated)
	conv.Metadata = map[string]any{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &conv.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata %s: %w", id, err)
		}
	}

	rows, err := s.db.Query(
		`SELECT role, content, tool_name, tool_input, tool_output, created_at
		 FROM turns WHERE conversation_id = ? ORDER BY seq`, id,
	)
	if err != nil {
		return nil, fmt.Errorf("query turns %s: %w", id, err)
	}
	defer rows.Close()

	conv.Turns = []Turn{}
	for rows.Next() {
		var (
			t     Turn
			role  string
			input string
			ts    int64
		)
		if err := rows.Scan(&role, &t.Content, &t.ToolName, &input, &t.ToolOutput, &ts); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		t.Role = Role(role)
		t.Timestamp = time.Unix(0, ts)
		if input != "" {
			if err := json.Unmarshal([]byte(input), &t.ToolInput); err != nil {
				return nil, fmt.Errorf("decode tool input: %w", err)
			}
		}
		conv.Turns = append(conv.Turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return &conv, nil
}

// List returns summaries newest-first using the updated_at index.
func (s *SQLiteStore) List(limit, offset int) ([]Summary, error) {
	if limit <= 0 {
		limit = -1
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.Query(
		`SELECT c.id, c.session_id, c.title, c.created_at, c.updated_at,
		        (SELECT COUNT(*) FROM turns t WHERE t.conversation_id = c.id)
		 FROM conversations c
		 WHERE c.expires_at > ?
		 ORDER BY c.updated_at DESC, c.id DESC
		 LIMIT ? OFFSET ?`,
		s.opts.Now().UnixNano(), limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	out := []Summary{}
	for rows.Next() {
		var (
			sum              Summary
			created, updated int64
		)
		if err := rows.Scan(&sum.ID, &sum.SessionID, &sum.Title, &created, &updated, &sum.MessageCount); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		sum.CreatedAt = time.Unix(0, created)
		sum.UpdatedAt = time.Unix(0, updated)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Delete removes a conversation and its turns in one transaction.
func (s *SQLiteStore) Delete(id string) (err error) {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	res, err := tx.Exec(`DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", id, err)
	}
	if n == 0 {
		err = ErrNotFound
		return err
	}
	if _, err = tx.Exec(`DELETE FROM turns WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete turns %s: %w", id, err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}
	return nil
}

// Purge removes stale conversations and expired session pointers.
func (s *SQLiteStore) Purge(olderThan time.Duration) (removed int, err error) {
	now := s.opts.Now()
	cutoff := now.Add(-olderThan).UnixNano()

	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	stale := `SELECT id FROM conversations WHERE updated_at < ? OR expires_at <= ?`
	if _, err = tx.Exec(
		`DELETE FROM turns WHERE conversation_id IN (`+stale+`)`, cutoff, now.UnixNano(),
	); err != nil {
		return 0, fmt.Errorf("purge turns: %w", err)
	}
	res, err := tx.Exec(
		`DELETE FROM conversations WHERE updated_at < ? OR expires_at <= ?`, cutoff, now.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("purge conversations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge conversations: %w", err)
	}
	if _, err = tx.Exec(`DELETE FROM sessions WHERE expires_at <= ?`, now.UnixNano()); err != nil {
		return 0, fmt.Errorf("purge sessions: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return int(n), nil
}

// SessionConversation returns the session's current conversation id.
func (s *SQLiteStore) SessionConversation(sessionID string) (string, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT conversation_id FROM sessions WHERE session_id = ? AND expires_at > ?`,
		sessionID, s.opts.Now().UnixNano(),
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return id, nil
}

// SetSessionConversation points a session at a conversation.
func (s *SQLiteStore) SetSessionConversation(sessionID, conversationID string) error {
	_, err := s.db.Exec(
		`INSERT INTO sessions (session_id, conversation_id, expires_at) VALUES (?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE
		 SET conversation_id = excluded.conversation_id, expires_at = excluded.expires_at`,
		sessionID, conversationID, s.opts.Now().Add(s.opts.SessionTTL).UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set session %s: %w", sessionID, err)
	}
	return nil
}

// ClearSession drops the session pointer.
func (s *SQLiteStore) ClearSession(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear session %s: %w", sessionID, err)
	}
	return nil
}

// Durable is always true for the SQLite store.
func (s *SQLiteStore) Durable() bool { return true }

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Open returns a SQLite store at dbPath, or an in-memory store when the
// database cannot be opened. The fallback is logged once; the caller
// can inspect Durable to report the degraded mode.
func Open(dbPath string, opts Options, logger *slog.Logger) Store {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := NewSQLiteStore(dbPath, opts)
	if err != nil {
		logger.Warn("conversation store unavailable, falling back to in-memory storage",
			"path", dbPath,
			"error", err,
		)
		return NewMemoryStore(opts)
	}
	return s
}
