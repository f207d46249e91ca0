// Package config handles finops-agent configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/finops-agent/config.yaml, /etc/finops-agent/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "finops-agent", "config.yaml"))
	}

	paths = append(paths, "/etc/finops-agent/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all finops-agent configuration.
type Config struct {
	Listen       ListenConfig       `yaml:"listen"`
	Anthropic    AnthropicConfig    `yaml:"anthropic"`
	AWS          AWSConfig          `yaml:"aws"`
	Workspace    WorkspaceConfig    `yaml:"workspace"`
	CodeExec     CodeExecConfig     `yaml:"code_exec"`
	Conversation ConversationConfig `yaml:"conversation"`
	KPI          KPIConfig          `yaml:"kpi"`
	Agent        AgentConfig        `yaml:"agent"`
	Charts       ChartsConfig       `yaml:"charts"`
	API          APIConfig          `yaml:"api"`
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	LogFormat    string             `yaml:"log_format"` // text or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// AWSConfig defines credentials and the billing data location. Static
// keys are optional; when empty the SDK default credential chain is used.
type AWSConfig struct {
	Region          string `yaml:"region"`
	Profile         string `yaml:"profile"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`

	// CostExplorerRegion is where Cost Explorer, Budgets and Compute
	// Optimizer calls go. Cost Explorer only serves us-east-1.
	CostExplorerRegion string `yaml:"cost_explorer_region"`

	Athena AthenaConfig `yaml:"athena"`
}

// AthenaConfig locates the Cost and Usage Report table.
type AthenaConfig struct {
	Database       string        `yaml:"database"`
	Table          string        `yaml:"table"`
	OutputLocation string        `yaml:"output_location"`
	Workgroup      string        `yaml:"workgroup"`
	PollAttempts   int           `yaml:"poll_attempts"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxRows        int           `yaml:"max_rows"`
}

// QualifiedTable returns the "db"."table" form used in CUR queries.
func (a AthenaConfig) QualifiedTable() string {
	return fmt.Sprintf("%q.%q", a.Database, a.Table)
}

// WorkspaceConfig defines the scratch area for generated artifacts.
// Sub-directories are relative to Root unless absolute.
type WorkspaceConfig struct {
	Root       string `yaml:"root"`
	Scripts    string `yaml:"scripts"`
	Charts     string `yaml:"charts"`
	Workflows  string `yaml:"workflows"`
	SchemaFile string `yaml:"schema_file"` // JSON list of CUR columns for the prompt
}

// Dir resolves a workspace sub-directory.
func (w WorkspaceConfig) Dir(sub string) string {
	if filepath.IsAbs(sub) {
		return sub
	}
	return filepath.Join(w.Root, sub)
}

// CodeExecConfig defines interpreter locations for execute_code.
type CodeExecConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Python  string        `yaml:"python"`
	Node    string        `yaml:"node"`
}

// ConversationConfig defines conversation retention.
type ConversationConfig struct {
	Retention     time.Duration `yaml:"retention"`
	SessionTTL    time.Duration `yaml:"session_ttl"`
	PurgeSchedule string        `yaml:"purge_schedule"` // cron spec
}

// KPIConfig controls background KPI refresh.
type KPIConfig struct {
	RefreshEnabled bool `yaml:"refresh_enabled"`
}

// AgentConfig tunes the orchestration loop.
type AgentConfig struct {
	MaxCycles       int           `yaml:"max_cycles"`
	ToolConcurrency int           `yaml:"tool_concurrency"`
	TurnTimeout     time.Duration `yaml:"turn_timeout"`
	HistoryWindow   int           `yaml:"history_window"` // 0 = all stored turns
}

// ChartsConfig optionally mirrors chart artifacts to S3.
type ChartsConfig struct {
	S3Bucket string `yaml:"s3_bucket"`
	S3Prefix string `yaml:"s3_prefix"`
}

// APIConfig tunes the HTTP surface.
type APIConfig struct {
	ChatRatePerMinute int `yaml:"chat_rate_per_minute"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{
		KPI: KPIConfig{RefreshEnabled: true},
	}
	cfg.applyDefaults()
	return cfg
}

// applyDefaults fills zero values left by a partial YAML document.
func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8000
	}
	if c.Anthropic.Model == "" {
		c.Anthropic.Model = "claude-3-7-sonnet-20250219"
	}
	if c.Anthropic.MaxTokens == 0 {
		c.Anthropic.MaxTokens = 4096
	}
	if c.AWS.Region == "" {
		c.AWS.Region = "us-east-1"
	}
	if c.AWS.CostExplorerRegion == "" {
		c.AWS.CostExplorerRegion = "us-east-1"
	}
	if c.AWS.Athena.PollAttempts == 0 {
		c.AWS.Athena.PollAttempts = 60
	}
	if c.AWS.Athena.PollInterval == 0 {
		c.AWS.Athena.PollInterval = time.Second
	}
	if c.AWS.Athena.MaxRows == 0 {
		c.AWS.Athena.MaxRows = 1000
	}
	if c.Workspace.Root == "" {
		c.Workspace.Root = "workspace"
	}
	if c.Workspace.Scripts == "" {
		c.Workspace.Scripts = "scripts"
	}
	if c.Workspace.Charts == "" {
		c.Workspace.Charts = "charts"
	}
	if c.Workspace.Workflows == "" {
		c.Workspace.Workflows = "workflows"
	}
	if c.CodeExec.Timeout == 0 {
		c.CodeExec.Timeout = 30 * time.Second
	}
	if c.CodeExec.Python == "" {
		c.CodeExec.Python = "python3"
	}
	if c.CodeExec.Node == "" {
		c.CodeExec.Node = "node"
	}
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Conversation.Retention == 0 {
		c.Conversation.Retention = 7 * 24 * time.Hour
	}
	if c.Conversation.SessionTTL == 0 {
		c.Conversation.SessionTTL = 24 * time.Hour
	}
	if c.Conversation.PurgeSchedule == "" {
		c.Conversation.PurgeSchedule = "@daily"
	}
	if c.Agent.MaxCycles == 0 {
		c.Agent.MaxCycles = 50
	}
	if c.Agent.ToolConcurrency == 0 {
		c.Agent.ToolConcurrency = 4
	}
	if c.Agent.TurnTimeout == 0 {
		c.Agent.TurnTimeout = 10 * time.Minute
	}
	if c.API.ChatRatePerMinute == 0 {
		c.API.ChatRatePerMinute = 30
	}
}

// Validate checks values that would otherwise fail late at runtime.
// requireLLM is set by commands that talk to the model.
func (c *Config) Validate(requireLLM bool) error {
	var errs []error
	if requireLLM && c.Anthropic.APIKey == "" {
		errs = append(errs, errors.New("anthropic.api_key is required"))
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.Agent.MaxCycles < 0 {
		errs = append(errs, fmt.Errorf("agent.max_cycles must be positive, got %d", c.Agent.MaxCycles))
	}
	if c.Agent.ToolConcurrency < 0 {
		errs = append(errs, fmt.Errorf("agent.tool_concurrency must be positive, got %d", c.Agent.ToolConcurrency))
	}
	if c.Agent.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("agent.history_window must not be negative, got %d", c.Agent.HistoryWindow))
	}
	if c.AWS.Athena.PollAttempts < 0 {
		errs = append(errs, fmt.Errorf("aws.athena.poll_attempts must be positive, got %d", c.AWS.Athena.PollAttempts))
	}
	if c.AWS.Athena.MaxRows < 0 {
		errs = append(errs, fmt.Errorf("aws.athena.max_rows must be positive, got %d", c.AWS.Athena.MaxRows))
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
