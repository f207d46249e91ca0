// Package connwatch tracks the reachability of the agent's external
// collaborators (AWS credentials, the billing APIs). Each watcher probes
// one dependency: first with exponential backoff until it answers or the
// startup attempts run out, then on a fixed poll interval. Transitions
// between reachable and unreachable are reported through a callback so
// the caller can publish events or update gauges.
//
// A down dependency never blocks the agent; tools that need it fail with
// their own errors. The watcher only makes the outage visible on /health.
package connwatch

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ProbeFunc checks whether a dependency answers. nil means healthy.
type ProbeFunc func(ctx context.Context) error

// Backoff controls probe timing.
type Backoff struct {
	InitialDelay time.Duration // first retry delay, default 2s
	MaxDelay     time.Duration // retry delay ceiling, default 60s
	Multiplier   float64       // default 2
	MaxRetries   int           // startup attempts, default 10
	PollInterval time.Duration // steady-state interval, default 5m
	ProbeTimeout time.Duration // per-probe deadline, default 15s
}

// DefaultBackoff returns 2s, 4s, 8s ... capped at 60s for ten startup
// attempts, then a probe every five minutes.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		MaxRetries:   10,
		PollInterval: 5 * time.Minute,
		ProbeTimeout: 15 * time.Second,
	}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.InitialDelay <= 0 {
		b.InitialDelay = d.InitialDelay
	}
	if b.MaxDelay <= 0 {
		b.MaxDelay = d.MaxDelay
	}
	if b.Multiplier <= 1 {
		b.Multiplier = d.Multiplier
	}
	if b.MaxRetries <= 0 {
		b.MaxRetries = d.MaxRetries
	}
	if b.PollInterval <= 0 {
		b.PollInterval = d.PollInterval
	}
	if b.ProbeTimeout <= 0 {
		b.ProbeTimeout = d.ProbeTimeout
	}
	return b
}

// Status is a dependency's health as reported on /health.
type Status struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check,omitzero"`
	LastError string    `json:"last_error,omitempty"`
	Probes    int       `json:"probes"`
}

// Watch describes one dependency to watch.
type Watch struct {
	Name    string
	Probe   ProbeFunc
	Backoff Backoff
}

// Watcher probes one dependency in the background.
type Watcher struct {
	probe    ProbeFunc
	backoff  Backoff
	onChange func(Status)
	logger   *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	status Status
}

// Status returns the latest probe outcome.
func (w *Watcher) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Ready reports whether the last probe succeeded.
func (w *Watcher) Ready() bool {
	return w.Status().Ready
}

// Stop cancels the watcher and waits for its goroutine.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	delay := w.backoff.InitialDelay
	for attempt := 1; attempt <= w.backoff.MaxRetries; attempt++ {
		if w.check(ctx) == nil {
			w.logger.Info("dependency reachable", "attempts", attempt)
			break
		}
		if attempt == w.backoff.MaxRetries {
			w.logger.Warn("dependency unreachable at startup, polling in background",
				"attempts", attempt,
				"poll_interval", w.backoff.PollInterval,
			)
			break
		}
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = min(time.Duration(float64(delay)*w.backoff.Multiplier), w.backoff.MaxDelay)
	}

	ticker := time.NewTicker(w.backoff.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one probe, records it and reports a transition. The first
// probe always reports, so the caller learns the initial state.
func (w *Watcher) check(ctx context.Context) error {
	pctx, cancel := context.WithTimeout(ctx, w.backoff.ProbeTimeout)
	err := w.probe(pctx)
	cancel()
	if ctx.Err() != nil {
		return ctx.Err()
	}

	w.mu.Lock()
	first := w.status.Probes == 0
	changed := first || w.status.Ready != (err == nil)
	w.status.Probes++
	w.status.LastCheck = time.Now()
	w.status.Ready = err == nil
	w.status.LastError = ""
	if err != nil {
		w.status.LastError = err.Error()
	}
	snapshot := w.status
	w.mu.Unlock()

	if !changed {
		if err != nil {
			w.logger.Debug("dependency still unreachable", "error", err)
		}
		return err
	}
	if !first {
		if err != nil {
			w.logger.Warn("dependency became unreachable", "error", err)
		} else {
			w.logger.Info("dependency recovered")
		}
	}
	if w.onChange != nil {
		w.onChange(snapshot)
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager owns the watchers. A nil *Manager reports no dependencies.
type Manager struct {
	logger   *slog.Logger
	onChange func(Status)

	mu       sync.RWMutex
	watchers map[string]*Watcher
}

// NewManager creates a manager. onChange, if set, is called on every
// reachability transition of any watcher, including its first probe.
func NewManager(onChange func(Status), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With("component", "connwatch"),
		onChange: onChange,
		watchers: make(map[string]*Watcher),
	}
}

// Watch starts a watcher that runs until ctx ends or Stop is called.
// Name and Probe are required; a duplicate name replaces the earlier
// watcher.
func (m *Manager) Watch(ctx context.Context, spec Watch) *Watcher {
	if spec.Name == "" || spec.Probe == nil {
		panic("connwatch: Watch needs a name and a probe")
	}
	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		probe:    spec.Probe,
		backoff:  spec.Backoff.withDefaults(),
		onChange: m.onChange,
		logger:   m.logger.With("dependency", spec.Name),
		cancel:   cancel,
		done:     make(chan struct{}),
		status:   Status{Name: spec.Name},
	}

	m.mu.Lock()
	old := m.watchers[spec.Name]
	m.watchers[spec.Name] = w
	m.mu.Unlock()
	if old != nil {
		old.Stop()
	}

	go w.run(wctx)
	return w
}

// Status returns every dependency's status sorted by name.
func (m *Manager) Status() []Status {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	out := make([]Status, 0, len(m.watchers))
	for _, w := range m.watchers {
		out = append(out, w.Status())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every watched dependency is reachable.
func (m *Manager) Healthy() bool {
	for _, s := range m.Status() {
		if !s.Ready {
			return false
		}
	}
	return true
}

// Stop shuts down all watchers.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()
	for _, w := range ws {
		w.Stop()
	}
}
