package scheduler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nikhil-bora/finops-agent/internal/events"
	"github.com/nikhil-bora/finops-agent/internal/kpi"
)

type fakeKPIs struct {
	mu        sync.Mutex
	defs      []kpi.Definition
	stale     []kpi.Definition
	err       error
	refreshed []string
}

func (f *fakeKPIs) List() ([]kpi.Definition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kpi.Definition(nil), f.defs...), nil
}

func (f *fakeKPIs) Stale() ([]kpi.Definition, error) {
	return f.stale, nil
}

func (f *fakeKPIs) Refresh(_ context.Context, id string) (*kpi.RefreshResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, id)
	if f.err != nil {
		return nil, f.err
	}
	return &kpi.RefreshResult{KPIID: id, Value: 42.0, Trend: "up"}, nil
}

func (f *fakeKPIs) set(defs ...kpi.Definition) {
	f.mu.Lock()
	f.defs = defs
	f.mu.Unlock()
}

type fakePurger struct {
	removed int
	got     time.Duration
}

func (p *fakePurger) Purge(olderThan time.Duration) (int, error) {
	p.got = olderThan
	return p.removed, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func jobSpecs(s *Scheduler) map[string]string {
	out := make(map[string]string)
	for _, j := range s.Jobs() {
		out[j.ID] = j.Spec
	}
	return out
}

func TestParseSpec(t *testing.T) {
	for _, spec := range []string{"@daily", "@every 30m", "0 3 * * *", "*/10 * * * * *"} {
		if err := ParseSpec(spec); err != nil {
			t.Errorf("ParseSpec(%q): %v", spec, err)
		}
	}
	if err := ParseSpec("every tuesday"); err == nil {
		t.Error("expected error for an invalid spec")
	}
}

func TestNewRegistersPurge(t *testing.T) {
	s, err := New(Options{}, Deps{Purger: &fakePurger{}, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}
	if got := jobSpecs(s)[PurgeJobID]; got != "@daily" {
		t.Errorf("purge spec = %q, want @daily", got)
	}

	if _, err := New(Options{PurgeSchedule: "not a spec"}, Deps{Purger: &fakePurger{}, Logger: testLogger()}); err == nil {
		t.Error("expected error for an invalid purge schedule")
	}
}

func TestSyncTracksKPIs(t *testing.T) {
	kpis := &fakeKPIs{}
	kpis.set(
		kpi.Definition{ID: "daily_cost", RefreshInterval: 600},
		kpi.Definition{ID: "total_monthly_cost"},
	)
	s, err := New(Options{RefreshEnabled: true}, Deps{KPIs: kpis, Logger: testLogger()})
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Sync(); err != nil {
		t.Fatal(err)
	}
	specs := jobSpecs(s)
	if specs["kpi:daily_cost"] != "@every 600s" {
		t.Errorf("daily_cost spec = %q", specs["kpi:daily_cost"])
	}
	if specs["kpi:total_monthly_cost"] != "@every 1800s" {
		t.Errorf("default interval spec = %q", specs["kpi:total_monthly_cost"])
	}

	kpis.set(kpi.Definition{ID: "daily_cost", RefreshInterval: 120})
	if err := s.Sync(); err != nil {
		t.Fatal(err)
	}
	specs = jobSpecs(s)
	if len(specs) != 1 || specs["kpi:daily_cost"] != "@every 120s" {
		t.Errorf("after sync = %v", specs)
	}
	if len(s.cron.Entries()) != 1 {
		t.Errorf("cron has %d entries, want 1", len(s.cron.Entries()))
	}
}

func TestSyncDisabled(t *testing.T) {
	kpis := &fakeKPIs{}
	kpis.set(kpi.Definition{ID: "daily_cost"})
	s, _ := New(Options{}, Deps{KPIs: kpis, Logger: testLogger()})
	if err := s.Sync(); err != nil {
		t.Fatal(err)
	}
	if len(s.Jobs()) != 0 {
		t.Errorf("jobs = %v, want none while refresh is disabled", s.Jobs())
	}
}

func TestRunKPIRefresh(t *testing.T) {
	store := newTestStore(t)
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	kpis := &fakeKPIs{}
	s, _ := New(Options{RefreshEnabled: true}, Deps{KPIs: kpis, Store: store, Events: bus, Logger: testLogger()})

	exec, err := s.Run(context.Background(), Job{ID: "kpi:daily_cost", Kind: JobKPIRefresh, Target: "daily_cost"})
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != StatusCompleted {
		t.Errorf("status = %s", exec.Status)
	}

	select {
	case e := <-ch:
		if e.Kind != events.KindKPIRefreshed || e.Data["kpi_id"] != "daily_cost" || e.Data["trend"] != "up" {
			t.Errorf("event = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no kpi_refreshed event")
	}

	runs, err := store.ListExecutions("kpi:daily_cost", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].Status != StatusCompleted {
		t.Errorf("runs = %+v", runs)
	}
}

func TestRunKPIRefreshFailure(t *testing.T) {
	store := newTestStore(t)
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	kpis := &fakeKPIs{err: errors.New("query returned NULL value - check date filters")}
	s, _ := New(Options{RefreshEnabled: true}, Deps{KPIs: kpis, Store: store, Events: bus, Logger: testLogger()})

	exec, err := s.Run(context.Background(), Job{ID: "kpi:daily_cost", Kind: JobKPIRefresh, Target: "daily_cost"})
	if err == nil {
		t.Fatal("expected error")
	}
	if exec.Status != StatusFailed || exec.Result != err.Error() {
		t.Errorf("exec = %+v", exec)
	}
	e := <-ch
	if e.Data["error"] != err.Error() {
		t.Errorf("event data = %v", e.Data)
	}
}

func TestRunPurge(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(4)
	defer bus.Unsubscribe(ch)

	p := &fakePurger{removed: 3}
	s, _ := New(Options{Retention: 90 * 24 * time.Hour}, Deps{Purger: p, Store: newTestStore(t), Events: bus, Logger: testLogger()})

	exec, err := s.Run(context.Background(), Job{ID: PurgeJobID, Kind: JobPurge})
	if err != nil {
		t.Fatal(err)
	}
	if p.got != 90*24*time.Hour {
		t.Errorf("retention = %s", p.got)
	}
	if exec.Result != "removed=3" {
		t.Errorf("result = %q", exec.Result)
	}
	e := <-ch
	if e.Kind != events.KindPurge || e.Data["removed"] != 3 {
		t.Errorf("event = %+v", e)
	}
}

func TestStartRefreshesStale(t *testing.T) {
	kpis := &fakeKPIs{stale: []kpi.Definition{{ID: "b"}, {ID: "a"}}}
	kpis.set(kpi.Definition{ID: "a"}, kpi.Definition{ID: "b"})
	s, _ := New(Options{RefreshEnabled: true}, Deps{KPIs: kpis, Logger: testLogger()})

	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	s.Stop()

	got := append([]string(nil), kpis.refreshed...)
	sort.Strings(got)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("refreshed = %v", got)
	}
	if s.Stats()["kpi_jobs"] != 2 {
		t.Errorf("stats = %v", s.Stats())
	}
}
