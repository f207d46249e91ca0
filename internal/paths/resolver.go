// Package paths resolves workspace-relative names such as
// "charts:cost_by_service_1700000000.html" to files under the
// configured workspace directories. main builds one [Resolver] from
// the workspace config; the HTTP layer uses it to serve chart files
// without letting a request escape the charts directory.
package paths

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Workspace prefixes.
const (
	Scripts   = "scripts"
	Charts    = "charts"
	Workflows = "workflows"
)

// ErrOutside is returned when a prefixed path resolves outside its
// prefix directory.
var ErrOutside = errors.New("path escapes workspace directory")

// Resolver maps named prefixes to directories. A nil *Resolver
// resolves every path to itself.
type Resolver struct {
	prefixes map[string]string // "charts:" -> "/abs/workspace/charts"
	sorted   []string          // prefixes sorted by descending length
}

// New creates a Resolver from a prefix-to-directory map. Keys are
// prefix names without the trailing colon. Home directory tildes in
// values are expanded and relative directories made absolute. Returns
// nil if the map is empty.
func New(prefixes map[string]string) *Resolver {
	if len(prefixes) == 0 {
		return nil
	}
	m := make(map[string]string, len(prefixes))
	sorted := make([]string, 0, len(prefixes))
	for name, dir := range prefixes {
		key := name
		if !strings.HasSuffix(key, ":") {
			key += ":"
		}
		dir = expandHome(dir)
		if abs, err := filepath.Abs(dir); err == nil {
			dir = abs
		}
		m[key] = dir
		sorted = append(sorted, key)
	}
	// Longer prefixes match first.
	sort.Slice(sorted, func(i, j int) bool {
		return len(sorted[i]) > len(sorted[j])
	})
	return &Resolver{prefixes: m, sorted: sorted}
}

// Resolve expands a prefixed path. Unprefixed paths are returned
// unchanged; a bare prefix returns its directory.
func (r *Resolver) Resolve(path string) (string, error) {
	if r == nil {
		return path, nil
	}
	for _, prefix := range r.sorted {
		if strings.HasPrefix(path, prefix) {
			rel := strings.TrimPrefix(path, prefix)
			base := r.prefixes[prefix]
			if rel == "" {
				return base, nil
			}
			return filepath.Join(base, rel), nil
		}
	}
	return path, nil
}

// Within resolves name under the directory of prefix and fails with
// ErrOutside if the result is not inside that directory.
func (r *Resolver) Within(prefix, name string) (string, error) {
	dir := r.Dir(prefix)
	if dir == "" {
		return "", fmt.Errorf("unknown prefix %q", prefix)
	}
	full := filepath.Join(dir, name)
	rel, err := filepath.Rel(dir, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s:%s: %w", prefix, name, ErrOutside)
	}
	return full, nil
}

// Dir returns the directory registered for prefix, or "".
func (r *Resolver) Dir(prefix string) string {
	if r == nil {
		return ""
	}
	return r.prefixes[strings.TrimSuffix(prefix, ":")+":"]
}

// HasPrefix reports whether the path starts with a registered prefix.
func (r *Resolver) HasPrefix(path string) bool {
	if r == nil {
		return false
	}
	for _, prefix := range r.sorted {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Prefixes returns the registered prefix names sorted alphabetically,
// without trailing colons.
func (r *Resolver) Prefixes() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.prefixes))
	for prefix := range r.prefixes {
		names = append(names, strings.TrimSuffix(prefix, ":"))
	}
	sort.Strings(names)
	return names
}

// EnsureDirs creates every registered directory.
func (r *Resolver) EnsureDirs() error {
	if r == nil {
		return nil
	}
	for _, dir := range r.prefixes {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create workspace directory: %w", err)
		}
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if path == "~" {
		return home
	}
	if strings.HasPrefix(path, "~/") || strings.HasPrefix(path, "~"+string(filepath.Separator)) {
		return filepath.Join(home, path[2:])
	}
	return path
}
