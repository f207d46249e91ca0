package prompts

import (
	"encoding/json"
	"fmt"
	"os"
)

// Schema is the CUR schema summary produced by schema discovery. It is
// read from workspace.schema_file.
type Schema struct {
	TotalColumns  int                 `json:"totalColumns"`
	CommonColumns map[string][]string `json:"commonColumns"`
}

// schemaGroups is the order column groups appear in the preamble.
var schemaGroups = []struct{ key, title string }{
	{"cost", "COST COLUMNS"},
	{"time", "TIME COLUMNS"},
	{"service", "SERVICE COLUMNS"},
	{"resource", "RESOURCE COLUMNS"},
	{"usage", "USAGE COLUMNS"},
	{"account", "ACCOUNT COLUMNS"},
}

// LoadSchema reads a schema file. An empty path returns nil, nil.
func LoadSchema(path string) (*Schema, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	var s Schema
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", path, err)
	}
	return &s, nil
}
