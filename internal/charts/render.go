package charts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// URLPrefix is the path charts are served under.
const URLPrefix = "/charts/"

var page = template.Must(template.New("chart").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<script src="https://cdn.plot.ly/plotly-2.35.2.min.js" charset="utf-8"></script>
</head>
<body style="margin:0">
<div id="chart" style="width:100%;height:100%"></div>
<script>
Plotly.newPlot("chart", {{.Figure.Data}}, {{.Figure.Layout}}, {"responsive": true});
</script>
</body>
</html>
`))

// Uploader mirrors an artifact to object storage.
type Uploader interface {
	Put(ctx context.Context, bucket, prefix, name string, body []byte, contentType string) (string, error)
}

// Options configures a Renderer. Upload is attempted only when both
// Uploader and Bucket are set.
type Options struct {
	Dir      string
	Uploader Uploader
	Bucket   string
	Prefix   string
}

// Artifact describes a rendered chart file.
type Artifact struct {
	ChartType   string `json:"chart_type"`
	Title       string `json:"title"`
	Description string `json:"description"`
	FilePath    string `json:"file_path"`
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	S3URI       string `json:"s3_uri,omitempty"`
}

// ChartID is the filename without its extension. Chart templates are
// keyed by it.
func (a *Artifact) ChartID() string {
	return strings.TrimSuffix(a.Filename, ".html")
}

// Renderer writes chart artifacts into a directory.
type Renderer struct {
	opts   Options
	seq    atomic.Uint64
	now    func() time.Time
	logger *slog.Logger
}

// NewRenderer returns a renderer writing into opts.Dir.
func NewRenderer(opts Options, logger *slog.Logger) *Renderer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Renderer{opts: opts, now: time.Now, logger: logger.With("component", "charts")}
}

// Dir returns the artifact directory.
func (r *Renderer) Dir() string { return r.opts.Dir }

// Render validates spec and writes it as chart_YYYYMMDD_HHMMSS_<n>.html.
// The sequence suffix keeps two charts created in the same second apart.
func (r *Renderer) Render(ctx context.Context, spec Spec) (*Artifact, error) {
	name := fmt.Sprintf("chart_%s_%d.html", r.now().Format("20060102_150405"), r.seq.Add(1))
	return r.write(ctx, spec, name)
}

// RenderAs is Render with a caller-chosen file stem.
func (r *Renderer) RenderAs(ctx context.Context, spec Spec, stem string) (*Artifact, error) {
	return r.write(ctx, spec, stem+".html")
}

func (r *Renderer) write(ctx context.Context, spec Spec, name string) (*Artifact, error) {
	fig, err := spec.Figure()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := page.Execute(&buf, struct {
		Title  string
		Figure *Figure
	}{spec.Title, fig}); err != nil {
		return nil, fmt.Errorf("render chart: %w", err)
	}

	if err := os.MkdirAll(r.opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chart dir: %w", err)
	}
	path := filepath.Join(r.opts.Dir, name)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write chart: %w", err)
	}

	a := &Artifact{
		ChartType:   spec.ChartType,
		Title:       spec.Title,
		Description: spec.Description,
		FilePath:    path,
		URL:         URLPrefix + name,
		Filename:    name,
	}

	if r.opts.Uploader != nil && r.opts.Bucket != "" {
		uri, err := r.opts.Uploader.Put(ctx, r.opts.Bucket, r.opts.Prefix, name, buf.Bytes(), "text/html; charset=utf-8")
		if err != nil {
			r.logger.Warn("chart upload failed", "file", name, "error", err)
		} else {
			a.S3URI = uri
		}
	}

	r.logger.Info("chart rendered", "type", spec.ChartType, "file", name)
	return a, nil
}

// Entry is one listed chart file.
type Entry struct {
	Filename string    `json:"filename"`
	URL      string    `json:"url"`
	Created  time.Time `json:"created"`
}

// List returns the chart_*.html artifacts, newest first.
func (r *Renderer) List() ([]Entry, error) {
	matches, err := filepath.Glob(filepath.Join(r.opts.Dir, "chart_*.html"))
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(matches))
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		name := filepath.Base(m)
		entries = append(entries, Entry{Filename: name, URL: URLPrefix + name, Created: info.ModTime()})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Created.Equal(entries[j].Created) {
			return entries[i].Filename > entries[j].Filename
		}
		return entries[i].Created.After(entries[j].Created)
	})
	return entries, nil
}

// ErrBadFilename is returned by Path for names outside the chart dir.
var ErrBadFilename = errors.New("invalid chart filename")

// Path resolves a served filename to its location on disk. Names with
// path separators or without the .html suffix are rejected.
func (r *Renderer) Path(filename string) (string, error) {
	if filename == "" || filename != filepath.Base(filename) || strings.Contains(filename, "..") ||
		!strings.HasSuffix(filename, ".html") {
		return "", fmt.Errorf("%w: %q", ErrBadFilename, filename)
	}
	return filepath.Join(r.opts.Dir, filename), nil
}
