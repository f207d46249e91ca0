package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/nikhil-bora/finops-agent/internal/agent"
	"github.com/nikhil-bora/finops-agent/internal/buildinfo"
	"github.com/nikhil-bora/finops-agent/internal/charts"
	"github.com/nikhil-bora/finops-agent/internal/cloud"
	"github.com/nikhil-bora/finops-agent/internal/config"
	"github.com/nikhil-bora/finops-agent/internal/contexts"
	"github.com/nikhil-bora/finops-agent/internal/conversation"
	"github.com/nikhil-bora/finops-agent/internal/dashboard"
	"github.com/nikhil-bora/finops-agent/internal/docstore"
	"github.com/nikhil-bora/finops-agent/internal/events"
	"github.com/nikhil-bora/finops-agent/internal/httpkit"
	"github.com/nikhil-bora/finops-agent/internal/kpi"
	"github.com/nikhil-bora/finops-agent/internal/llm"
	"github.com/nikhil-bora/finops-agent/internal/metrics"
	"github.com/nikhil-bora/finops-agent/internal/paths"
	"github.com/nikhil-bora/finops-agent/internal/prompts"
	"github.com/nikhil-bora/finops-agent/internal/tools"
	"github.com/nikhil-bora/finops-agent/internal/usage"
)

// Database files under the data directory.
const (
	documentsDB     = "finops.db"
	conversationsDB = "conversations.db"
	usageDB         = "usage.db"
	schedulerDB     = "scheduler.db"
)

func dataFile(cfg *config.Config, name string) string {
	return filepath.Join(cfg.DataDir, name)
}

// appOptions tweak service construction per subcommand.
type appOptions struct {
	// ephemeral keeps conversations in memory.
	ephemeral bool
	// llm overrides the Anthropic client. Tests use it.
	llm llm.Client
	// skipAWS leaves every cloud collaborator unset.
	skipAWS bool
}

// app holds every long-lived service. Each is built once and shared by
// reference.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	workspace     *paths.Resolver
	docs          *docstore.Store
	conversations conversation.Store
	usage         *usage.Store
	bus           *events.Bus
	stats         *metrics.Metrics

	clients    *cloud.Clients
	renderer   *charts.Renderer
	templates  *charts.Templates
	kpis       *kpi.Manager
	contexts   *contexts.Store
	dashboards *dashboard.Manager
	tools      *tools.Registry
	loop       *agent.Loop

	closers []func() error
}

// newApp opens the stores, resolves AWS collaborators and wires the
// agent. On error everything opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		bus:    events.New(),
		stats:  metrics.New(),
	}
	ready := false
	defer func() {
		if !ready {
			a.Close()
		}
	}()
	var err error

	// --- Workspace and data directories ---
	a.workspace = paths.New(map[string]string{
		paths.Scripts:   cfg.Workspace.Dir(cfg.Workspace.Scripts),
		paths.Charts:    cfg.Workspace.Dir(cfg.Workspace.Charts),
		paths.Workflows: cfg.Workspace.Dir(cfg.Workspace.Workflows),
	})
	if err := a.workspace.EnsureDirs(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	// --- Stores ---
	a.docs, err = docstore.NewStore(dataFile(cfg, documentsDB))
	if err != nil {
		return nil, fmt.Errorf("open document store: %w", err)
	}
	a.closers = append(a.closers, a.docs.Close)

	convOpts := conversation.Options{
		Retention:  cfg.Conversation.Retention,
		SessionTTL: cfg.Conversation.SessionTTL,
	}
	if opts.ephemeral {
		a.conversations = conversation.NewMemoryStore(convOpts)
	} else {
		a.conversations = conversation.Open(dataFile(cfg, conversationsDB), convOpts, logger)
	}
	a.closers = append(a.closers, a.conversations.Close)
	logger.Info("conversation store ready", "durable", a.conversations.Durable())

	a.usage, err = usage.NewStore(dataFile(cfg, usageDB))
	if err != nil {
		return nil, fmt.Errorf("open usage store: %w", err)
	}
	a.closers = append(a.closers, a.usage.Close)

	// --- AWS collaborators ---
	// A missing or broken AWS setup leaves the clients nil; tools and KPI
	// queries needing them then report themselves unsupported.
	if !opts.skipAWS {
		httpClient := httpkit.NewClient(
			httpkit.WithTimeout(2*time.Minute),
			httpkit.WithUserAgent(buildinfo.UserAgent()),
			httpkit.WithRetry(2, time.Second),
			httpkit.WithLogger(logger),
		)
		awsCfg, awsErr := cloud.LoadAWSConfig(ctx, cfg.AWS, httpClient)
		if awsErr != nil {
			logger.Warn("aws collaborators disabled", "error", awsErr)
		} else {
			a.clients = cloud.NewClients(awsCfg, cfg.AWS, logger)
			logger.Info("aws collaborators ready",
				"region", cfg.AWS.Region,
				"cost_explorer_region", cfg.AWS.CostExplorerRegion,
			)
		}
	}
	curTable := cfg.AWS.Athena.QualifiedTable()

	// --- Charts ---
	chartOpts := charts.Options{
		Dir:    a.workspace.Dir(paths.Charts),
		Bucket: cfg.Charts.S3Bucket,
		Prefix: cfg.Charts.S3Prefix,
	}
	if a.clients != nil && cfg.Charts.S3Bucket != "" {
		chartOpts.Uploader = a.clients.Artifacts
	}
	a.renderer = charts.NewRenderer(chartOpts, logger)

	var tmplSrc charts.TemplateSources
	if a.clients != nil {
		tmplSrc = charts.TemplateSources{
			Cost:     a.clients.CostExplorer,
			CUR:      a.clients.Athena,
			CURTable: curTable,
		}
	}
	a.templates = charts.NewTemplates(a.docs, a.renderer, tmplSrc, logger)

	// --- KPIs, contexts, dashboards ---
	kpiSrc := kpi.Sources{CURTable: curTable}
	if a.clients != nil {
		kpiSrc.CUR = a.clients.Athena
		kpiSrc.Cost = a.clients.CostExplorer
		kpiSrc.Savings = a.clients.Optimizer
		kpiSrc.Budgets = a.clients.Budgets
	}
	a.kpis, err = kpi.NewManager(a.docs, kpi.NewEvaluator(kpiSrc, logger), logger)
	if err != nil {
		return nil, fmt.Errorf("open kpi store: %w", err)
	}
	a.contexts = contexts.NewStore(a.docs, logger)
	a.dashboards = dashboard.NewManager(a.docs, logger)

	// --- Tools ---
	toolDeps := tools.Deps{
		CURTable:       curTable,
		KPIs:           a.kpis,
		Charts:         a.renderer,
		ChartTemplates: a.templates,
		Events:         a.bus,
		CodeExec: tools.CodeExecConfig{
			ScriptsDir: a.workspace.Dir(paths.Scripts),
			WorkDir:    cfg.Workspace.Root,
			Python:     cfg.CodeExec.Python,
			Node:       cfg.CodeExec.Node,
			Region:     cfg.AWS.Region,
			Timeout:    cfg.CodeExec.Timeout,
		},
		WorkflowsDir: a.workspace.Dir(paths.Workflows),
		Stats:        a.stats,
		Logger:       logger,
	}
	if a.clients != nil {
		toolDeps.CUR = a.clients.Athena
		toolDeps.Cost = a.clients.CostExplorer
		toolDeps.Metrics = a.clients.CloudWatch
		toolDeps.Instances = a.clients.EC2
		toolDeps.Rightsizing = a.clients.Optimizer
		toolDeps.Budgets = a.clients.Budgets
	}
	a.tools, err = tools.NewRegistry(toolDeps)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	// --- Agent ---
	client := opts.llm
	if client == nil {
		client = llm.NewAnthropicClient(llm.AnthropicConfig{
			APIKey:    cfg.Anthropic.APIKey,
			BaseURL:   cfg.Anthropic.BaseURL,
			MaxTokens: cfg.Anthropic.MaxTokens,
		}, logger)
	}
	a.loop = agent.New(agent.Config{
		Model:           cfg.Anthropic.Model,
		MaxCycles:       cfg.Agent.MaxCycles,
		ToolConcurrency: cfg.Agent.ToolConcurrency,
		HistoryWindow:   cfg.Agent.HistoryWindow,
	}, agent.Deps{
		LLM:           client,
		Tools:         a.tools,
		Conversations: a.conversations,
		Preamble:      a.preamble,
		Attachments:   a.contexts.Attachments,
		Events:        a.bus,
		Usage:         a.usage,
		Pricing:       usage.DefaultPricing(),
		Stats:         a.stats,
		Logger:        logger,
	})

	logger.Info("agent ready",
		"model", cfg.Anthropic.Model,
		"tools", len(a.tools.Definitions()),
		"max_cycles", cfg.Agent.MaxCycles,
	)
	ready = true
	return a, nil
}

// preamble builds the system prompt for one turn. The schema file is
// workspace-relative and re-read each time so edits apply without a
// restart.
func (a *app) preamble(contextIDs []string) string {
	var schemaPath string
	if f := a.cfg.Workspace.SchemaFile; f != "" {
		schemaPath = a.cfg.Workspace.Dir(f)
	}
	schema, err := prompts.LoadSchema(schemaPath)
	if err != nil {
		a.logger.Warn("cur schema unavailable", "error", err)
	}
	return prompts.FinOpsPreamble(prompts.PreambleInput{
		Now:      time.Now(),
		Database: a.cfg.AWS.Athena.Database,
		Table:    a.cfg.AWS.Athena.Table,
		Schema:   schema,
		Custom:   a.contexts.PromptSection(contextIDs),
	})
}

// Close closes stores in reverse order of opening.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
