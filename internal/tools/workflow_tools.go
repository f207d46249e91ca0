package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"
)

// ErrWorkflowNotFound is returned when loading an unknown workflow.
var ErrWorkflowNotFound = errors.New("workflow not found")

// Workflow is a saved, reusable script.
type Workflow struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Code        string    `json:"code"`
	Language    string    `json:"language"`
	CreatedAt   time.Time `json:"created_at"`
	Tags        []string  `json:"tags"`
}

// WorkflowSummary is a workflow without its code.
type WorkflowSummary struct {
	Filename    string    `json:"filename"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Language    string    `json:"language"`
	CreatedAt   time.Time `json:"created_at"`
	Tags        []string  `json:"tags"`
}

// Workflows stores one JSON file per workflow.
type Workflows struct {
	dir string
	now func() time.Time
}

// NewWorkflows returns a store rooted at dir.
func NewWorkflows(dir string) *Workflows {
	return &Workflows{dir: dir, now: time.Now}
}

// WorkflowSlug maps a display name to its file stem: lowercase, spaces
// and hyphens become underscores, everything else that is not a letter
// or digit is dropped. "Daily Report" and "daily-report" share a stem,
// and saving one replaces the other.
func WorkflowSlug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('_')
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Save writes wf, replacing any workflow with the same slug. It returns
// the file name and full path.
func (w *Workflows) Save(wf Workflow) (string, string, error) {
	slug := WorkflowSlug(wf.Name)
	if slug == "" {
		return "", "", &Failure{
			Kind:    KindSchemaViolation,
			Message: "workflow name must contain letters or digits",
			Detail:  fmt.Sprintf("got %q", wf.Name),
		}
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = w.now().UTC()
	}
	if wf.Tags == nil {
		wf.Tags = []string{}
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create workflows dir: %w", err)
	}

	data, err := json.MarshalIndent(wf, "", "  ")
	if err != nil {
		return "", "", fmt.Errorf("encode workflow: %w", err)
	}
	filename := slug + ".json"
	path := filepath.Join(w.dir, filename)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write workflow: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", "", fmt.Errorf("write workflow: %w", err)
	}
	return filename, path, nil
}

// List returns every readable workflow sorted by name. Unreadable
// files are skipped.
func (w *Workflows) List() ([]WorkflowSummary, error) {
	entries, err := os.ReadDir(w.dir)
	if errors.Is(err, os.ErrNotExist) {
		return []WorkflowSummary{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read workflows dir: %w", err)
	}

	out := []WorkflowSummary{}
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		wf, err := w.Load(e.Name())
		if err != nil {
			continue
		}
		out = append(out, WorkflowSummary{
			Filename:    e.Name(),
			Name:        wf.Name,
			Description: wf.Description,
			Language:    wf.Language,
			CreatedAt:   wf.CreatedAt,
			Tags:        wf.Tags,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out, nil
}

// Load reads a workflow by file name. Names that would leave the
// workflows directory are treated as unknown.
func (w *Workflows) Load(filename string) (*Workflow, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.HasPrefix(filename, ".") {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, filename)
	}
	data, err := os.ReadFile(filepath.Join(w.dir, filename))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, filename)
	}
	if err != nil {
		return nil, fmt.Errorf("read workflow %s: %w", filename, err)
	}
	var wf Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", filename, err)
	}
	return &wf, nil
}

func (r *Registry) registerWorkflowTools() error {
	store := NewWorkflows(r.deps.WorkflowsDir)
	ready := func(tool string) error {
		if r.deps.WorkflowsDir == "" {
			return unavailable(tool, "the workflows directory")
		}
		return nil
	}

	tools := []*Tool{
		{
			Name:        "save_workflow",
			Description: "Save a code workflow for future reuse, such as a monthly cost report generator or an optimization checker. Saving a name that matches an existing workflow replaces it.",
			Parameters: object(map[string]any{
				"name":        str("Workflow name, e.g. 'Monthly Cost Report'"),
				"description": str("What this workflow does"),
				"code":        str("The code to save"),
				"language":    enum("Programming language", "python", "javascript", "nodejs"),
				"tags":        strList("Tags for categorization, e.g. ['reporting', 'ec2']"),
			}, "name", "description", "code", "language"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if err := ready("save_workflow"); err != nil {
					return nil, err
				}
				filename, path, err := store.Save(Workflow{
					Name:        stringArg(args, "name"),
					Description: stringArg(args, "description"),
					Code:        stringArg(args, "code"),
					Language:    stringArg(args, "language"),
					Tags:        stringsArg(args, "tags"),
				})
				if err != nil {
					return nil, err
				}
				r.logger.Info("workflow saved", "filename", filename)
				return map[string]any{"success": true, "filepath": path, "filename": filename}, nil
			},
		},
		{
			Name:        "list_workflows",
			Description: "List all saved workflows with their names, descriptions and metadata.",
			Parameters:  object(map[string]any{}),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if err := ready("list_workflows"); err != nil {
					return nil, err
				}
				list, err := store.List()
				if err != nil {
					return nil, err
				}
				return map[string]any{"workflows": list, "count": len(list)}, nil
			},
		},
		{
			Name:        "load_workflow",
			Description: "Load a saved workflow by filename (from list_workflows) to view or execute it.",
			Parameters: object(map[string]any{
				"filename": str("Workflow filename from list_workflows"),
			}, "filename"),
			Handler: func(ctx context.Context, args map[string]any) (any, error) {
				if err := ready("load_workflow"); err != nil {
					return nil, err
				}
				filename := stringArg(args, "filename")
				wf, err := store.Load(filename)
				if errors.Is(err, ErrWorkflowNotFound) {
					return nil, &Failure{Kind: KindUnsupported, Message: "Workflow not found: " + filename}
				}
				if err != nil {
					return nil, err
				}
				return wf, nil
			},
		},
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}
