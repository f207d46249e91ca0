// Package defaults provides the embedded starter files written by the
// finops-agent init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the annotated starter configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte

// SchemaJSON is an empty CUR column list for the schema_file setting.
//
//go:embed cur_schema.example.json
var SchemaJSON []byte
