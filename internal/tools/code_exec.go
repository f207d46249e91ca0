package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"
	"unicode/utf8"
)

// CodeExecConfig configures execute_code.
type CodeExecConfig struct {
	ScriptsDir     string // scratch files are written here
	WorkDir        string // working directory of the interpreter
	Python         string
	Node           string
	Region         string // AWS region configured in the Node preamble
	Timeout        time.Duration
	MaxOutputBytes int
}

// ExecResult contains the outcome of a script run. ScriptPath names
// the scratch file, which is removed once the run ends.
type ExecResult struct {
	Success    bool   `json:"success"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	ScriptPath string `json:"script_path"`
}

// CodeRunner executes model-written scripts in the workspace.
type CodeRunner struct {
	cfg    CodeExecConfig
	lastID atomic.Int64
	now    func() time.Time
}

// NewCodeRunner creates a runner, filling in defaults.
func NewCodeRunner(cfg CodeExecConfig) *CodeRunner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = 100 * 1024
	}
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Node == "" {
		cfg.Node = "node"
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	return &CodeRunner{cfg: cfg, now: time.Now}
}

// nextID returns a millisecond timestamp, bumped past the previous id
// so concurrent runs never share a file name.
func (c *CodeRunner) nextID() int64 {
	for {
		last := c.lastID.Load()
		id := c.now().UnixMilli()
		if id <= last {
			id = last + 1
		}
		if c.lastID.CompareAndSwap(last, id) {
			return id
		}
	}
}

const nodePreamble = `
// Auto-imported modules
const AWS = require('aws-sdk');
const fs = require('fs');
const path = require('path');

// Configure AWS
AWS.config.update({
  region: '%s',
  accessKeyId: process.env.AWS_ACCESS_KEY_ID,
  secretAccessKey: process.env.AWS_SECRET_ACCESS_KEY,
});

// User code
%s
`

// script returns the file extension, interpreter and file contents for
// a language.
func (c *CodeRunner) script(language, code string) (ext, interpreter, body string, err error) {
	switch language {
	case "python":
		return ".py", c.cfg.Python, code, nil
	case "javascript", "nodejs":
		return ".cjs", c.cfg.Node, fmt.Sprintf(nodePreamble, c.cfg.Region, code), nil
	default:
		return "", "", "", &Failure{
			Kind:    KindUnsupported,
			Message: fmt.Sprintf("Unsupported language: %s", language),
			Detail:  "supported: python, javascript, nodejs",
		}
	}
}

// Run writes code to a fresh scratch file and executes it under the
// configured deadline. The scratch file is removed on every path. A
// non-zero exit is a result, not an error; a timeout is a timeout
// failure.
func (c *CodeRunner) Run(ctx context.Context, language, code string) (*ExecResult, error) {
	ext, interpreter, body, err := c.script(language, code)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(c.cfg.ScriptsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create scripts dir: %w", err)
	}
	path := filepath.Join(c.cfg.ScriptsDir, fmt.Sprintf("script_%d%s", c.nextID(), ext))
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		return nil, fmt.Errorf("write script: %w", err)
	}
	defer os.Remove(path)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, interpreter, path)
	if c.cfg.WorkDir != "" {
		cmd.Dir = c.cfg.WorkDir
	}
	cmd.Env = os.Environ()
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &Failure{
			Kind:    KindTimeout,
			Message: fmt.Sprintf("Execution timed out (%s limit)", c.cfg.Timeout),
			Detail:  truncateOutput(stderr.String(), 2000),
		}
	}

	result := &ExecResult{
		Stdout:     truncateOutput(stdout.String(), c.cfg.MaxOutputBytes),
		Stderr:     truncateOutput(stderr.String(), c.cfg.MaxOutputBytes),
		ScriptPath: path,
	}
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return nil, fmt.Errorf("start %s: %w", interpreter, runErr)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	result.Success = result.ExitCode == 0
	return result, nil
}

// truncateOutput truncates output to maxBytes, adding a note if truncated.
func truncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "\n\n[... output truncated ...]"
}

func (r *Registry) registerCodeTools() error {
	runner := NewCodeRunner(r.deps.CodeExec)
	return r.Register(&Tool{
		Name:        "execute_code",
		Description: "Execute Python or JavaScript/Node.js code for advanced analysis, data transformation or custom reports. Node.js scripts have the AWS SDK pre-imported and configured. Print results to stdout. Scripts run in the workspace with a hard time limit.",
		Parameters: object(map[string]any{
			"language":    enum("Programming language", "python", "javascript", "nodejs"),
			"code":        str("Code to execute. Use print() or console.log() for output."),
			"description": str("Brief description of what this code does"),
		}, "language", "code"),
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			if r.deps.CodeExec.ScriptsDir == "" {
				return nil, unavailable("execute_code", "the scripts workspace")
			}
			lang := stringArg(args, "language")
			r.logger.Info("executing code", "language", lang, "description", stringArg(args, "description"))
			return runner.Run(ctx, lang, stringArg(args, "code"))
		},
	})
}
