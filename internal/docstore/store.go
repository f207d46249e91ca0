// Package docstore provides a namespaced store for whole JSON documents.
// KPI definitions, dashboards, custom contexts and chart templates are
// each kept in their own namespace and always read and written as a
// complete record. Concurrent writers to the same id race and the last
// write wins.
package docstore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no document exists for a namespace/id pair.
var ErrNotFound = errors.New("document not found")

// Store is a namespaced document store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens a document store at the given database path.
// The schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s, err := New(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already-open database and ensures the schema exists.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		namespace  TEXT NOT NULL,
		id         TEXT NOT NULL,
		body       TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetRaw returns the stored JSON for a namespace/id pair.
func (s *Store) GetRaw(namespace, id string) ([]byte, error) {
	var body string
	err := s.db.QueryRow(
		`SELECT body FROM documents WHERE namespace = ? AND id = ?`,
		namespace, id,
	).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", namespace, id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", namespace, id, err)
	}
	return []byte(body), nil
}

// PutRaw upserts a JSON document, overwriting any existing record.
func (s *Store) PutRaw(namespace, id string, body []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO documents (namespace, id, body, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (namespace, id) DO UPDATE
		 SET body = excluded.body, updated_at = excluded.updated_at`,
		namespace, id, string(body), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", namespace, id, err)
	}
	return nil
}

// Delete removes a document. Returns ErrNotFound if it did not exist.
func (s *Store) Delete(namespace, id string) error {
	res, err := s.db.Exec(
		`DELETE FROM documents WHERE namespace = ? AND id = ?`,
		namespace, id,
	)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", namespace, id, err)
	}
	if n == 0 {
		return fmt.Errorf("%s/%s: %w", namespace, id, ErrNotFound)
	}
	return nil
}

// ListRaw returns every document in a namespace ordered by id.
func (s *Store) ListRaw(namespace string) ([][]byte, error) {
	rows, err := s.db.Query(
		`SELECT body FROM documents WHERE namespace = ? ORDER BY id`,
		namespace,
	)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", namespace, err)
	}
	defer rows.Close()

	var out [][]byte
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan %s: %w", namespace, err)
		}
		out = append(out, []byte(body))
	}
	return out, rows.Err()
}

// Count returns the number of documents in a namespace.
func (s *Store) Count(namespace string) (int, error) {
	var n int
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM documents WHERE namespace = ?`, namespace,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", namespace, err)
	}
	return n, nil
}

// Collection is a typed view of one namespace.
type Collection[T any] struct {
	store     *Store
	namespace string
}

// NewCollection returns a typed view over namespace.
func NewCollection[T any](s *Store, namespace string) *Collection[T] {
	return &Collection[T]{store: s, namespace: namespace}
}

// Get decodes the document stored under id.
func (c *Collection[T]) Get(id string) (T, error) {
	var v T
	body, err := c.store.GetRaw(c.namespace, id)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(body, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", c.namespace, id, err)
	}
	return v, nil
}

// Put encodes v and stores it under id.
func (c *Collection[T]) Put(id string, v T) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", c.namespace, id, err)
	}
	return c.store.PutRaw(c.namespace, id, body)
}

// Delete removes the document stored under id.
func (c *Collection[T]) Delete(id string) error {
	return c.store.Delete(c.namespace, id)
}

// List decodes every document in the namespace ordered by id.
func (c *Collection[T]) List() ([]T, error) {
	raw, err := c.store.ListRaw(c.namespace)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(raw))
	for _, body := range raw {
		var v T
		if err := json.Unmarshal(body, &v); err != nil {
			return nil, fmt.Errorf("decode %s: %w", c.namespace, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Count returns the number of documents in the namespace.
func (c *Collection[T]) Count() (int, error) {
	return c.store.Count(c.namespace)
}
