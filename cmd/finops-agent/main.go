// Finops-agent is a conversational cloud cost analyst.
//
// It serves a chat API backed by an Anthropic model that can query the
// AWS Cost and Usage Report through Athena, Cost Explorer, CloudWatch,
// Compute Optimizer and Budgets, render charts, and maintain KPIs and
// dashboards. Configuration is loaded from a single YAML file
// discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	finops-agent serve              Start the API server and scheduler
//	finops-agent init [dir]         Write a starter config and workspace
//	finops-agent ask <question>     Run one turn and print the answer
//	finops-agent purge [-days N]    Remove idle conversations
//	finops-agent version            Print version and build information
//	finops-agent -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nikhil-bora/finops-agent/internal/agent"
	"github.com/nikhil-bora/finops-agent/internal/api"
	"github.com/nikhil-bora/finops-agent/internal/buildinfo"
	"github.com/nikhil-bora/finops-agent/internal/config"
	"github.com/nikhil-bora/finops-agent/internal/connwatch"
	"github.com/nikhil-bora/finops-agent/internal/conversation"
	"github.com/nikhil-bora/finops-agent/internal/events"
	"github.com/nikhil-bora/finops-agent/internal/scheduler"
)

// main builds the OS-level environment and hands off to [run], keeping
// os.Exit and os.Args out of the application logic.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process lifetime; logs go
// to stdout and fatal errors are returned to main. Arguments are parsed
// by hand so that run can be called concurrently from tests without the
// flag package's global state.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case command != "":
			cmdArgs = append(cmdArgs, args[i])
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-"):
			command = args[i]
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: finops-agent ask <question>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, cmdArgs)
	case "purge":
		days, err := parsePurgeArgs(cmdArgs)
		if err != nil {
			return err
		}
		return runPurge(stdout, configPath, outputFmt, days)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "finops-agent - conversational cloud cost analysis")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: finops-agent [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve           Start the API server and scheduler")
	fmt.Fprintln(w, "  init [dir]      Write a starter config and workspace (default: .)")
	fmt.Fprintln(w, "  ask <question>  Run one turn and print the answer")
	fmt.Fprintln(w, "  purge [-days N] Remove conversations idle for N days (default: retention)")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/finops-agent/config.yaml, /etc/finops-agent/config.yaml")
	return nil
}

// parsePurgeArgs reads the optional -days flag. Zero means the
// configured retention.
func parsePurgeArgs(args []string) (int, error) {
	days := 0
	for i := 0; i < len(args); i++ {
		var raw string
		switch {
		case (args[i] == "-days" || args[i] == "--days") && i+1 < len(args):
			raw = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-days="):
			raw = strings.TrimPrefix(args[i], "-days=")
		case strings.HasPrefix(args[i], "--days="):
			raw = strings.TrimPrefix(args[i], "--days=")
		default:
			return 0, fmt.Errorf("usage: finops-agent purge [-days N]")
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return 0, fmt.Errorf("purge: -days must be a positive integer, got %q", raw)
		}
		days = n
	}
	return days, nil
}

// runAsk handles "finops-agent ask <question>". The conversation is kept
// in memory; KPIs, charts and workflows the turn creates persist as usual.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath, outputFmt string, args []string) error {
	question := strings.Join(args, " ")

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(true); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	// Logs go to stderr so the answer alone lands on stdout.
	logger := configuredLogger(stderr, cfg)
	logger.Info("config loaded", "path", cfgPath)

	a, err := newApp(ctx, cfg, logger, appOptions{ephemeral: true})
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(ctx, cfg.Agent.TurnTimeout)
	defer cancel()

	sub := a.bus.Subscribe(64)
	progress := make(chan struct{})
	go func() {
		defer close(progress)
		printProgress(stderr, sub)
	}()
	defer func() {
		a.bus.Unsubscribe(sub)
		<-progress
	}()

	resp, err := a.loop.Run(ctx, agent.Request{
		Message:   question,
		SessionID: "cli",
		Source:    "ask",
	})
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}
	fmt.Fprintln(stdout, resp.Content)
	return nil
}

// printProgress writes one line per tool call until sub is closed.
func printProgress(w io.Writer, sub <-chan events.Event) {
	for e := range sub {
		if e.Kind != events.KindToolCall {
			continue
		}
		tool, _ := e.Data["tool"].(string)
		switch e.Data["status"] {
		case events.ToolStarted:
			fmt.Fprintf(w, "→ %s\n", tool)
		case events.ToolError:
			fmt.Fprintf(w, "✗ %s: %v\n", tool, e.Data["error"])
		}
	}
}

// runPurge removes conversations from the durable store that have been
// idle longer than days, or the configured retention when days is 0.
func runPurge(stdout io.Writer, configPath, outputFmt string, days int) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(false); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	olderThan := cfg.Conversation.Retention
	if days > 0 {
		olderThan = time.Duration(days) * 24 * time.Hour
	}

	store, err := conversation.NewSQLiteStore(dataFile(cfg, conversationsDB), conversation.Options{
		Retention:  cfg.Conversation.Retention,
		SessionTTL: cfg.Conversation.SessionTTL,
	})
	if err != nil {
		return fmt.Errorf("open conversation store: %w", err)
	}
	defer store.Close()

	removed, err := store.Purge(olderThan)
	if err != nil {
		return fmt.Errorf("purge conversations: %w", err)
	}

	if outputFmt == "json" {
		return json.NewEncoder(stdout).Encode(map[string]any{
			"removed":    removed,
			"older_than": olderThan.String(),
		})
	}
	fmt.Fprintf(stdout, "Purged %d conversation(s) idle longer than %s\n", removed, olderThan)
	return nil
}

// runServe handles "finops-agent serve". It builds every service, starts
// the scheduler and the HTTP server, and blocks until SIGINT or SIGTERM.
//
// The shutdown sequence is:
//  1. The signal cancels the context
//  2. The scheduler stops accepting new runs
//  3. The HTTP server drains requests, closes WebSockets and waits for
//     background turns
//  4. Databases are closed via defers
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting finops-agent", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(true); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logger = configuredLogger(stdout, cfg)

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.Anthropic.Model,
		"region", cfg.AWS.Region,
		"cur_table", cfg.AWS.Athena.QualifiedTable(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	// --- Scheduler ---
	// Purges idle conversations on a cron spec and refreshes KPIs on
	// their own cadence. KPI changes resync the job table.
	schedStore, err := scheduler.NewStore(dataFile(cfg, schedulerDB))
	if err != nil {
		return fmt.Errorf("open scheduler store: %w", err)
	}
	defer schedStore.Close()

	sched, err := scheduler.New(scheduler.Options{
		PurgeSchedule:  cfg.Conversation.PurgeSchedule,
		Retention:      cfg.Conversation.Retention,
		RefreshEnabled: cfg.KPI.RefreshEnabled,
	}, scheduler.Deps{
		KPIs:   a.kpis,
		Purger: a.conversations,
		Store:  schedStore,
		Events: a.bus,
		Stats:  a.stats,
		Logger: logger,
	})
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()
	a.kpis.OnChange(func() {
		if err := sched.Sync(); err != nil {
			logger.Warn("scheduler sync failed", "error", err)
		}
	})

	// --- Dependency health ---
	// Probes run in the background and never gate startup.
	health := connwatch.NewManager(func(st connwatch.Status) {
		a.stats.SetDependency(st.Name, st.Ready)
		a.bus.Emit(events.SourceHealth, events.KindDependency, map[string]any{
			"name":  st.Name,
			"ready": st.Ready,
			"error": st.LastError,
		})
	}, logger)
	defer health.Stop()
	if a.clients != nil {
		health.Watch(ctx, connwatch.Watch{
			Name:  "aws",
			Probe: a.clients.Budgets.Verify,
		})
	}

	// --- API server ---
	deps := api.Deps{
		Agent:         a.loop,
		Conversations: a.conversations,
		KPIs:          a.kpis,
		Contexts:      a.contexts,
		Dashboards:    a.dashboards,
		Charts:        a.renderer,
		Usage:         a.usage,
		Events:        a.bus,
		Stats:         a.stats,
		Health:        health,
		Logger:        logger,
	}
	if a.templates != nil {
		deps.Templates = a.templates
	}
	if a.clients != nil {
		deps.Dimensions = a.clients.CostExplorer
	}
	server := api.NewServer(api.Config{
		Address:           cfg.Listen.Address,
		Port:              cfg.Listen.Port,
		TurnTimeout:       cfg.Agent.TurnTimeout,
		ChatRatePerMinute: cfg.API.ChatRatePerMinute,
	}, deps)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		sched.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("finops-agent stopped")
	return nil
}

// newLogger creates a structured logger writing to w at the given level
// and format. Any format other than "json" yields text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// configuredLogger applies the config's level and format. The level was
// checked by Validate.
func configuredLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.LogLevel != "" {
		level, _ = config.ParseLogLevel(cfg.LogLevel)
	}
	return newLogger(w, level, cfg.LogFormat)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used and must exist.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
