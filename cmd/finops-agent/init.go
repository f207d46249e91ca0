package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/nikhil-bora/finops-agent/internal/defaults"
)

// runInit lays out a working directory: the workspace and data
// directories, a starter config and an example CUR schema. Existing
// files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing finops-agent in %s\n", dir)

	for _, sub := range []string{
		"data",
		filepath.Join("workspace", "scripts"),
		filepath.Join("workspace", "charts"),
		filepath.Join("workspace", "workflows"),
	} {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
	}

	// The config may hold credentials.
	configPath := filepath.Join(dir, "config.yaml")
	if err := writeIfMissing(configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", configPath)

	schemaPath := filepath.Join(dir, "workspace", "cur_schema.json")
	if err := writeIfMissing(schemaPath, defaults.SchemaJSON, 0o644); err != nil {
		return err
	}
	fmt.Fprintf(w, "  ✓ %s\n", schemaPath)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit config.yaml to point at your CUR table and Anthropic key.")
	return nil
}

// writeIfMissing writes content to path only if the file does not
// already exist.
func writeIfMissing(path string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	if err := os.WriteFile(path, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}
