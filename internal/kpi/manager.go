package kpi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nikhil-bora/finops-agent/internal/docstore"
)

// Namespace is the docstore namespace holding KPI records.
const Namespace = "kpi"

// ErrNotFound is returned for an unknown KPI id.
var ErrNotFound = errors.New("kpi not found")

// Manager owns KPI records. Writes replace the whole record, so two
// concurrent writers to the same id race and the last one wins.
type Manager struct {
	docs   *docstore.Collection[Definition]
	eval   *Evaluator
	now    func() time.Time
	logger *slog.Logger

	mu        sync.Mutex
	listeners []func()
}

// NewManager opens the KPI collection and seeds the default set when
// it is empty.
func NewManager(store *docstore.Store, eval *Evaluator, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		docs:   docstore.NewCollection[Definition](store, Namespace),
		eval:   eval,
		now:    time.Now,
		logger: logger.With("component", "kpi"),
	}

	n, err := m.docs.Count()
	if err != nil {
		return nil, fmt.Errorf("count kpis: %w", err)
	}
	if n == 0 {
		for _, d := range Defaults() {
			if err := m.docs.Put(d.ID, d); err != nil {
				return nil, fmt.Errorf("seed kpi %s: %w", d.ID, err)
			}
		}
		m.logger.Info("seeded default kpis", "count", len(Defaults()))
	}
	return m, nil
}

// OnChange registers fn to run after any create, update or delete.
func (m *Manager) OnChange(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

func (m *Manager) changed() {
	m.mu.Lock()
	fns := append([]func(){}, m.listeners...)
	m.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// List returns every KPI ordered by id.
func (m *Manager) List() ([]Definition, error) {
	return m.docs.List()
}

// Get returns one KPI.
func (m *Manager) Get(id string) (Definition, error) {
	d, err := m.docs.Get(id)
	if errors.Is(err, docstore.ErrNotFound) {
		return d, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return d, err
}

// Create stores a new KPI. Empty fields take defaults and an empty id
// becomes kpi_<unix seconds>. An existing record with the same id is
// replaced.
func (m *Manager) Create(d Definition) (Definition, error) {
	if d.ID == "" {
		d.ID = fmt.Sprintf("kpi_%d", m.now().Unix())
	}
	if d.Name == "" {
		d.Name = "Untitled KPI"
	}
	if d.QueryType == "" {
		d.QueryType = QueryCUR
	}
	if d.Format == "" {
		d.Format = FormatNumber
	}
	if d.Icon == "" {
		d.Icon = "📊"
	}
	if d.Color == "" {
		d.Color = "#33ccff"
	}
	if d.Size == "" {
		d.Size = "medium"
	}
	if d.RefreshInterval <= 0 {
		d.RefreshInterval = 1800
	}
	d.LastUpdated = nil
	d.LastValue = nil
	d.Trend = ""

	if err := m.docs.Put(d.ID, d); err != nil {
		return Definition{}, fmt.Errorf("store kpi %s: %w", d.ID, err)
	}
	m.logger.Info("kpi created", "kpi_id", d.ID, "query_type", d.QueryType)
	m.changed()
	return d, nil
}

// Update applies a partial change to an existing KPI.
func (m *Manager) Update(id string, u Update) (Definition, error) {
	d, err := m.Get(id)
	if err != nil {
		return Definition{}, err
	}
	u.apply(&d)
	if err := m.docs.Put(id, d); err != nil {
		return Definition{}, fmt.Errorf("store kpi %s: %w", id, err)
	}
	m.changed()
	return d, nil
}

// Delete removes a KPI.
func (m *Manager) Delete(id string) error {
	if err := m.docs.Delete(id); err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return fmt.Errorf("%s: %w", id, ErrNotFound)
		}
		return err
	}
	m.changed()
	return nil
}

// RefreshResult reports a freshly computed value.
type RefreshResult struct {
	KPIID   string    `json:"kpi_id"`
	Value   any       `json:"value"`
	Updated time.Time `json:"updated"`
	Trend   string    `json:"trend,omitempty"`
}

// Refresh evaluates a KPI and stores the value. On error nothing is
// written.
func (m *Manager) Refresh(ctx context.Context, id string) (*RefreshResult, error) {
	d, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if m.eval == nil {
		return nil, errors.New("kpi evaluation not configured")
	}

	value, err := m.eval.Evaluate(ctx, d)
	if err != nil {
		m.logger.Warn("kpi refresh failed", "kpi_id", id, "error", err)
		return nil, fmt.Errorf("refresh kpi %s: %w", id, err)
	}

	now := m.now()
	d.Trend = Trend(d.LastValue, value)
	d.LastValue = value
	d.LastUpdated = &now
	if err := m.docs.Put(id, d); err != nil {
		return nil, fmt.Errorf("store kpi %s: %w", id, err)
	}

	m.logger.Debug("kpi refreshed", "kpi_id", id, "value", value, "trend", d.Trend)
	return &RefreshResult{KPIID: id, Value: value, Updated: now, Trend: d.Trend}, nil
}

// Stale returns the KPIs whose values are missing or past their
// refresh interval.
func (m *Manager) Stale() ([]Definition, error) {
	all, err := m.List()
	if err != nil {
		return nil, err
	}
	now := m.now()
	var out []Definition
	for _, d := range all {
		if d.NeedsRefresh(now) {
			out = append(out, d)
		}
	}
	return out, nil
}
