// Package contexts stores user-supplied reference material (team
// conventions, account maps, screenshots) that can be attached to a
// chat turn and folded into the system prompt.
package contexts

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/nikhil-bora/finops-agent/internal/docstore"
	"github.com/nikhil-bora/finops-agent/internal/llm"
)

// Namespace is the docstore namespace holding contexts.
const Namespace = "context"

// Context types.
const (
	TypeText  = "text"
	TypeImage = "image"
	TypePDF   = "pdf"
)

// ErrNotFound is returned for an unknown context id.
var ErrNotFound = errors.New("context not found")

// ErrInvalidFile is returned by AddFile for empty, non-UTF-8 or
// unsupported uploads.
var ErrInvalidFile = errors.New("invalid context file")

// imageTypes maps upload extensions to attachable image media types.
var imageTypes = map[string]string{
	".png":  llm.MediaPNG,
	".jpg":  llm.MediaJPEG,
	".jpeg": llm.MediaJPEG,
	".gif":  llm.MediaGIF,
	".webp": llm.MediaWebP,
}

// Context is one stored context record. Image and PDF content is
// base64 data, optionally prefixed with "<media type>:".
type Context struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	Content     string    `json:"content,omitempty"`
	Created     time.Time `json:"created"`
	Size        int       `json:"size"`
}

// Update is a partial change. Nil fields are left alone.
type Update struct {
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Content     *string `json:"content,omitempty"`
}

// Store manages context records.
type Store struct {
	docs   *docstore.Collection[Context]
	now    func() time.Time
	logger *slog.Logger
}

// NewStore returns a context store over the context namespace.
func NewStore(store *docstore.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		docs:   docstore.NewCollection[Context](store, Namespace),
		now:    time.Now,
		logger: logger.With("component", "contexts"),
	}
}

// Add stores a new context with id ctx_<unix>_<name, spaces as
// underscores>.
func (s *Store) Add(name, content, description, typ string) (*Context, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("context name is required")
	}
	if typ == "" {
		typ = TypeText
	}
	now := s.now().UTC()
	c := &Context{
		ID:          fmt.Sprintf("ctx_%d_%s", now.Unix(), strings.ReplaceAll(name, " ", "_")),
		Name:        name,
		Description: description,
		Type:        typ,
		Content:     content,
		Created:     now,
		Size:        len(content),
	}
	if err := s.docs.Put(c.ID, *c); err != nil {
		return nil, fmt.Errorf("store context: %w", err)
	}
	s.logger.Info("context added", "context_id", c.ID, "type", typ, "size", c.Size)
	return c, nil
}

// AddFile stores an uploaded file. Images and PDFs are kept as
// "<media type>:<base64>"; anything else must be non-empty UTF-8 text.
// name defaults to the file name.
func (s *Store) AddFile(name, description, filename string, data []byte) (*Context, error) {
	if strings.TrimSpace(name) == "" {
		name = filepath.Base(filename)
	}
	ext := strings.ToLower(filepath.Ext(filename))
	if mt, ok := imageTypes[ext]; ok {
		return s.Add(name, mt+":"+base64.StdEncoding.EncodeToString(data), description, TypeImage)
	}
	switch ext {
	case ".pdf":
		return s.Add(name, llm.MediaPDF+":"+base64.StdEncoding.EncodeToString(data), description, TypePDF)
	case ".bmp", ".tif", ".tiff", ".heic":
		return nil, fmt.Errorf("%w: %s images are not supported, use PNG, JPEG, GIF or WebP", ErrInvalidFile, ext)
	}
	if !utf8.Valid(data) {
		return nil, fmt.Errorf("%w: file must be UTF-8 text, an image or a PDF", ErrInvalidFile)
	}
	if strings.TrimSpace(string(data)) == "" {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidFile)
	}
	return s.Add(name, string(data), description, TypeText)
}

// Get returns a context with its content.
func (s *Store) Get(id string) (*Context, error) {
	c, err := s.docs.Get(id)
	if errors.Is(err, docstore.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns every context without its content, newest first.
func (s *Store) List() ([]Context, error) {
	all, err := s.docs.List()
	if err != nil {
		return nil, err
	}
	for i := range all {
		all[i].Content = ""
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Created.After(all[j].Created) })
	return all, nil
}

// Update applies a partial change.
func (s *Store) Update(id string, u Update) (*Context, error) {
	c, err := s.Get(id)
	if err != nil {
		return nil, err
	}
	if u.Name != nil && *u.Name != "" {
		c.Name = *u.Name
	}
	if u.Description != nil {
		c.Description = *u.Description
	}
	if u.Content != nil {
		c.Content = *u.Content
		c.Size = len(c.Content)
	}
	if err := s.docs.Put(id, *c); err != nil {
		return nil, fmt.Errorf("store context %s: %w", id, err)
	}
	return c, nil
}

// Delete removes a context.
func (s *Store) Delete(id string) error {
	err := s.docs.Delete(id)
	if errors.Is(err, docstore.ErrNotFound) {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return err
}

// Attachments returns the selected image and PDF contexts as message
// attachments, in ids order. Content without a media type prefix is
// taken as JPEG.
func (s *Store) Attachments(ids []string) []llm.Attachment {
	var out []llm.Attachment
	for _, id := range ids {
		c, err := s.Get(id)
		if err != nil || c.Content == "" {
			continue
		}
		if c.Type != TypeImage && c.Type != TypePDF {
			continue
		}
		mt, data, ok := strings.Cut(c.Content, ":")
		if !ok {
			mt, data = llm.MediaJPEG, c.Content
		}
		out = append(out, llm.Attachment{MediaType: mt, Data: data})
	}
	return out
}

// PromptSection renders the selected contexts as a system prompt
// section. Unknown ids and empty text contexts are skipped; image and
// PDF contexts contribute only their name and description, since their
// content is attached to the first user message. It returns "" when
// ids is empty.
func (s *Store) PromptSection(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\n# Custom Context\n\n")
	b.WriteString("The user has provided the following custom context for this conversation:\n\n")
	for _, id := range ids {
		c, err := s.Get(id)
		if err != nil {
			s.logger.Debug("skipping context", "context_id", id, "error", err)
			continue
		}
		if c.Type == TypeImage || c.Type == TypePDF {
			label := "Image"
			if c.Type == TypePDF {
				label = "PDF"
			}
			fmt.Fprintf(&b, "## %s (%s)\n", c.Name, label)
			if c.Description != "" {
				fmt.Fprintf(&b, "%s\n\n", c.Description)
			}
			fmt.Fprintf(&b, "Note: The %s is attached to the first user message.\n\n---\n\n", strings.ToLower(label))
			continue
		}
		if c.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "## %s\n", c.Name)
		if c.Description != "" {
			fmt.Fprintf(&b, "%s\n\n", c.Description)
		}
		fmt.Fprintf(&b, "%s\n\n---\n\n", c.Content)
	}
	return b.String()
}
