package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nikhil-bora/finops-agent/internal/events"
	"github.com/nikhil-bora/finops-agent/internal/kpi"
	"github.com/nikhil-bora/finops-agent/internal/metrics"
)

var cronParser = cron.NewParser(
	cron.SecondOptional |
		cron.Minute |
		cron.Hour |
		cron.Dom |
		cron.Month |
		cron.Dow |
		cron.Descriptor,
)

// ParseSpec validates a cron spec such as "@daily" or "0 3 * * *".
func ParseSpec(spec string) error {
	if _, err := cronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return nil
}

// KPISource is the KPI surface the refresh jobs use.
type KPISource interface {
	List() ([]kpi.Definition, error)
	Stale() ([]kpi.Definition, error)
	Refresh(ctx context.Context, id string) (*kpi.RefreshResult, error)
}

// Purger removes expired conversations.
type Purger interface {
	Purge(olderThan time.Duration) (int, error)
}

// Options configures the scheduler.
type Options struct {
	PurgeSchedule  string        // cron spec, default @daily
	Retention      time.Duration // conversations idle longer are purged
	RefreshEnabled bool          // schedule per-KPI refresh jobs
	JobTimeout     time.Duration // per-run deadline, default 5m
	HistoryTTL     time.Duration // run records older than this are pruned by the purge job
}

// Deps are the scheduler's collaborators. KPIs, Purger and Store may
// be nil; the jobs needing them are then not scheduled or not recorded.
type Deps struct {
	KPIs   KPISource
	Purger Purger
	Store  *Store
	Events *events.Bus
	Stats  *metrics.Metrics
	Logger *slog.Logger
}

// Scheduler owns the cron runner and the job table.
type Scheduler struct {
	opts   Options
	deps   Deps
	cron   *cron.Cron
	now    func() time.Time
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]Job // job id -> job
	entries map[string]cron.EntryID
	running bool
	wg      sync.WaitGroup
}

// New creates a scheduler. The purge job is registered immediately;
// KPI jobs are registered by Sync.
func New(opts Options, deps Deps) (*Scheduler, error) {
	if opts.PurgeSchedule == "" {
		opts.PurgeSchedule = "@daily"
	}
	if opts.JobTimeout <= 0 {
		opts.JobTimeout = 5 * time.Minute
	}
	if opts.HistoryTTL <= 0 {
		opts.HistoryTTL = 30 * 24 * time.Hour
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheduler")
	cl := cronLogger{logger}

	s := &Scheduler{
		opts:   opts,
		deps:   deps,
		now:    time.Now,
		logger: logger,
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(time.UTC),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:    make(map[string]Job),
		entries: make(map[string]cron.EntryID),
	}

	if deps.Purger != nil {
		if err := s.add(Job{ID: PurgeJobID, Kind: JobPurge, Spec: opts.PurgeSchedule}); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Start schedules the KPI jobs, starts the cron runner and refreshes
// any KPI whose value is already stale.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.mu.Unlock()

	if err := s.Sync(); err != nil {
		return err
	}
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()))

	if s.opts.RefreshEnabled && s.deps.KPIs != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.refreshStale(ctx)
		}()
	}
	return nil
}

// Stop halts the cron runner and waits for running jobs.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// Sync reconciles KPI refresh jobs with the current KPI set: new KPIs
// get a job, changed intervals are rescheduled and deleted KPIs lose
// theirs. It is safe to call from a KPI change listener.
func (s *Scheduler) Sync() error {
	if !s.opts.RefreshEnabled || s.deps.KPIs == nil {
		return nil
	}
	defs, err := s.deps.KPIs.List()
	if err != nil {
		return fmt.Errorf("list kpis: %w", err)
	}

	want := make(map[string]Job, len(defs))
	for _, d := range defs {
		job := Job{
			ID:     kpiJobID(d.ID),
			Kind:   JobKPIRefresh,
			Target: d.ID,
			Spec:   fmt.Sprintf("@every %ds", int(d.Interval()/time.Second)),
		}
		want[job.ID] = job
	}

	for _, job := range s.Jobs() {
		if job.Kind != JobKPIRefresh {
			continue
		}
		if next, ok := want[job.ID]; !ok || next.Spec != job.Spec {
			s.remove(job.ID)
		}
	}
	for id, job := range want {
		if s.has(id) {
			continue
		}
		if err := s.add(job); err != nil {
			return err
		}
	}
	return nil
}

// Jobs returns the scheduled jobs.
func (s *Scheduler) Jobs() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

func (s *Scheduler) has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[id]
	return ok
}

func (s *Scheduler) add(job Job) error {
	entry, err := s.cron.AddFunc(job.Spec, func() { s.fire(job) })
	if err != nil {
		return fmt.Errorf("schedule %s: %w", job.ID, err)
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.entries[job.ID] = entry
	s.mu.Unlock()
	s.logger.Debug("job scheduled", "job", job.ID, "spec", job.Spec)
	return nil
}

func (s *Scheduler) remove(id string) {
	s.mu.Lock()
	entry, ok := s.entries[id]
	delete(s.entries, id)
	delete(s.jobs, id)
	s.mu.Unlock()
	if ok {
		s.cron.Remove(entry)
		s.logger.Debug("job removed", "job", id)
	}
}

func (s *Scheduler) fire(job Job) {
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.JobTimeout)
	defer cancel()
	if _, err := s.Run(ctx, job); err != nil {
		s.logger.Warn("job failed", "job", job.ID, "error", err)
	}
}

// Run executes job now and records the run.
func (s *Scheduler) Run(ctx context.Context, job Job) (*Execution, error) {
	started := s.now()
	exec := &Execution{
		ID:          NewID(),
		JobID:       job.ID,
		Kind:        job.Kind,
		ScheduledAt: started,
		StartedAt:   &started,
		Status:      StatusRunning,
	}
	if s.deps.Store != nil {
		if err := s.deps.Store.CreateExecution(exec); err != nil {
			s.logger.Warn("could not record job run", "job", job.ID, "error", err)
		}
	}

	var result string
	var err error
	switch job.Kind {
	case JobKPIRefresh:
		result, err = s.refresh(ctx, job.Target)
	case JobPurge:
		result, err = s.purge()
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}

	completed := s.now()
	exec.CompletedAt = &completed
	if err != nil {
		exec.Status = StatusFailed
		exec.Result = err.Error()
	} else {
		exec.Status = StatusCompleted
		exec.Result = result
	}
	if s.deps.Store != nil {
		if uerr := s.deps.Store.UpdateExecution(exec); uerr != nil {
			s.logger.Warn("could not record job run", "job", job.ID, "error", uerr)
		}
	}

	s.logger.Debug("job run completed",
		"job", job.ID,
		"status", exec.Status,
		"elapsed", completed.Sub(started).Round(time.Millisecond),
	)
	return exec, err
}

func (s *Scheduler) refresh(ctx context.Context, kpiID string) (string, error) {
	res, err := s.deps.KPIs.Refresh(ctx, kpiID)
	s.deps.Stats.RecordKPIRefresh(err == nil)
	if err != nil {
		s.deps.Events.Emit(events.SourceKPI, events.KindKPIRefreshed, map[string]any{
			"kpi_id": kpiID,
			"error":  err.Error(),
		})
		return "", err
	}
	s.deps.Events.Emit(events.SourceKPI, events.KindKPIRefreshed, map[string]any{
		"kpi_id": kpiID,
		"value":  res.Value,
		"trend":  res.Trend,
	})
	return fmt.Sprintf("value=%v trend=%s", res.Value, res.Trend), nil
}

func (s *Scheduler) purge() (string, error) {
	removed, err := s.deps.Purger.Purge(s.opts.Retention)
	if err != nil {
		return "", fmt.Errorf("purge conversations: %w", err)
	}
	if s.deps.Store != nil {
		if n, err := s.deps.Store.Prune(s.now().Add(-s.opts.HistoryTTL)); err != nil {
			s.logger.Warn("could not prune job history", "error", err)
		} else if n > 0 {
			s.logger.Debug("pruned job history", "removed", n)
		}
	}
	s.deps.Events.Emit(events.SourceScheduler, events.KindPurge, map[string]any{"removed": removed})
	s.logger.Info("conversations purged", "removed", removed, "retention", s.opts.Retention)
	return fmt.Sprintf("removed=%d", removed), nil
}

// refreshStale refreshes every KPI that is missing a value or past its
// interval. Failures are logged and do not stop the sweep.
func (s *Scheduler) refreshStale(ctx context.Context) {
	stale, err := s.deps.KPIs.Stale()
	if err != nil {
		s.logger.Warn("could not list stale kpis", "error", err)
		return
	}
	for _, d := range stale {
		if ctx.Err() != nil {
			return
		}
		jctx, cancel := context.WithTimeout(ctx, s.opts.JobTimeout)
		_, err := s.Run(jctx, Job{ID: kpiJobID(d.ID), Kind: JobKPIRefresh, Target: d.ID})
		cancel()
		if err != nil {
			s.logger.Warn("stale kpi refresh failed", "kpi_id", d.ID, "error", err)
		}
	}
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	kpiJobs := 0
	for _, j := range s.jobs {
		if j.Kind == JobKPIRefresh {
			kpiJobs++
		}
	}
	return map[string]any{
		"running":  s.running,
		"jobs":     len(s.jobs),
		"kpi_jobs": kpiJobs,
	}
}

// cronLogger adapts slog to cron's logger interface.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
