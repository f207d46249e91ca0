package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fastBackoff() Backoff {
	return Backoff{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxRetries:   3,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// waitFor polls cond until it holds or a second passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// transitions records onChange callbacks.
type transitions struct {
	mu   sync.Mutex
	seen []Status
}

func (tr *transitions) record(s Status) {
	tr.mu.Lock()
	tr.seen = append(tr.seen, s)
	tr.mu.Unlock()
}

func (tr *transitions) readiness() []bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	out := make([]bool, len(tr.seen))
	for i, s := range tr.seen {
		out[i] = s.Ready
	}
	return out
}

func TestBackoffDefaults(t *testing.T) {
	got := Backoff{MaxRetries: 3}.withDefaults()
	want := DefaultBackoff()
	want.MaxRetries = 3
	if got != want {
		t.Errorf("withDefaults = %+v, want %+v", got, want)
	}
}

func TestWatcher_ReadyOnFirstProbe(t *testing.T) {
	var tr transitions
	m := NewManager(tr.record, testLogger())
	defer m.Stop()

	w := m.Watch(context.Background(), Watch{
		Name:    "aws",
		Probe:   func(context.Context) error { return nil },
		Backoff: fastBackoff(),
	})
	waitFor(t, "first probe", func() bool { return w.Status().Probes > 0 })

	if !w.Ready() {
		t.Error("watcher not ready after a successful probe")
	}
	// Polling keeps succeeding; only the initial state is reported.
	waitFor(t, "more probes", func() bool { return w.Status().Probes >= 3 })
	if got := tr.readiness(); len(got) != 1 || !got[0] {
		t.Errorf("transitions = %v, want [true]", got)
	}
}

func TestWatcher_BackoffThenSuccess(t *testing.T) {
	var calls atomic.Int32
	m := NewManager(nil, testLogger())
	defer m.Stop()

	w := m.Watch(context.Background(), Watch{
		Name: "aws",
		Probe: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("no credentials")
			}
			return nil
		},
		Backoff: fastBackoff(),
	})
	waitFor(t, "ready", w.Ready)
	if s := w.Status(); s.LastError != "" {
		t.Errorf("LastError = %q after recovery", s.LastError)
	}
}

func TestWatcher_Transitions(t *testing.T) {
	var tr transitions
	var healthy atomic.Bool
	healthy.Store(true)

	m := NewManager(tr.record, testLogger())
	defer m.Stop()
	w := m.Watch(context.Background(), Watch{
		Name: "aws",
		Probe: func(context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("expired token")
		},
		Backoff: fastBackoff(),
	})
	waitFor(t, "ready", w.Ready)

	healthy.Store(false)
	waitFor(t, "down", func() bool { return !w.Ready() })
	if s := w.Status(); s.LastError != "expired token" {
		t.Errorf("LastError = %q", s.LastError)
	}

	healthy.Store(true)
	waitFor(t, "recovered", w.Ready)

	got := tr.readiness()
	want := []bool{true, false, true}
	if len(got) != len(want) {
		t.Fatalf("transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d ready = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	m := NewManager(nil, testLogger())
	defer m.Stop()

	b := fastBackoff()
	b.ProbeTimeout = 5 * time.Millisecond
	w := m.Watch(context.Background(), Watch{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})
	waitFor(t, "probe recorded", func() bool { return w.Status().Probes > 0 })
	if w.Ready() {
		t.Error("timed-out probe reported ready")
	}
}

func TestWatcher_StopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(nil, testLogger())

	w := m.Watch(ctx, Watch{
		Name:    "aws",
		Probe:   func(context.Context) error { return errors.New("down") },
		Backoff: fastBackoff(),
	})
	cancel()

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after cancel")
	}
}

func TestManager_StatusAndHealthy(t *testing.T) {
	m := NewManager(nil, testLogger())
	defer m.Stop()

	up := m.Watch(context.Background(), Watch{
		Name:    "sts",
		Probe:   func(context.Context) error { return nil },
		Backoff: fastBackoff(),
	})
	down := m.Watch(context.Background(), Watch{
		Name:    "athena",
		Probe:   func(context.Context) error { return errors.New("access denied") },
		Backoff: fastBackoff(),
	})
	waitFor(t, "probes", func() bool {
		return up.Status().Probes > 0 && down.Status().Probes > 0
	})

	st := m.Status()
	if len(st) != 2 || st[0].Name != "athena" || st[1].Name != "sts" {
		t.Fatalf("Status = %+v, want athena then sts", st)
	}
	if st[0].Ready || !st[1].Ready {
		t.Errorf("readiness = %v/%v", st[0].Ready, st[1].Ready)
	}
	if m.Healthy() {
		t.Error("Healthy with a down dependency")
	}
}

func TestManager_Nil(t *testing.T) {
	var m *Manager
	if m.Status() != nil {
		t.Error("nil manager reported statuses")
	}
	if !m.Healthy() {
		t.Error("nil manager should be healthy")
	}
	m.Stop()
}

func TestManager_WatchReplacesDuplicate(t *testing.T) {
	m := NewManager(nil, testLogger())
	defer m.Stop()

	first := m.Watch(context.Background(), Watch{
		Name:    "aws",
		Probe:   func(context.Context) error { return nil },
		Backoff: fastBackoff(),
	})
	m.Watch(context.Background(), Watch{
		Name:    "aws",
		Probe:   func(context.Context) error { return nil },
		Backoff: fastBackoff(),
	})

	select {
	case <-first.done:
	case <-time.After(time.Second):
		t.Fatal("replaced watcher still running")
	}
	if n := len(m.Status()); n != 1 {
		t.Errorf("watchers = %d, want 1", n)
	}
}

func TestManager_WatchPanicsWithoutProbe(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Watch without a probe did not panic")
		}
	}()
	NewManager(nil, testLogger()).Watch(context.Background(), Watch{Name: "x"})
}
