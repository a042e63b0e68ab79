package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/droscy/thermod-monitor-mqtt/internal/thermod"
)

// fakeSource feeds the loop scripted statuses. GetStatus returns the
// current value; Monitor blocks on the changes channel.
type fakeSource struct {
	mu       sync.Mutex
	current  *thermod.Status
	getErr   error
	getCalls atomic.Int32

	changes chan *thermod.Status
	monErr  error
}

func newFakeSource(st *thermod.Status) *fakeSource {
	return &fakeSource{
		current: st,
		changes: make(chan *thermod.Status, 8),
	}
}

func (f *fakeSource) GetStatus(ctx context.Context) (*thermod.Status, error) {
	f.getCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	return f.current, nil
}

func (f *fakeSource) Monitor(ctx context.Context, name string) (*thermod.Status, error) {
	f.mu.Lock()
	monErr := f.monErr
	f.mu.Unlock()
	if monErr != nil {
		return nil, monErr
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case st := <-f.changes:
		f.mu.Lock()
		f.current = st
		f.mu.Unlock()
		return st, nil
	}
}

// fakeSink collects published statuses.
type fakeSink struct {
	mu        sync.Mutex
	published []*thermod.Status
}

func (f *fakeSink) PublishStatus(ctx context.Context, st *thermod.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, st)
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeSink) last() *thermod.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.published) == 0 {
		return nil
	}
	return f.published[len(f.published)-1]
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func testConfig() Config {
	return Config{
		MonitorName:    "test",
		Teleperiod:     time.Hour, // effectively off unless a test shortens it
		PollInterval:   time.Millisecond,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}
}

func runMonitor(t *testing.T, m *Monitor) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Error("Run() did not return after cancel")
		}
	})
	return cancel
}

func TestMonitor_PublishesInitialStatus(t *testing.T) {
	initial := &thermod.Status{Status: "auto", CurrentTemperature: 19.5, Timestamp: 100}
	src := newFakeSource(initial)
	sink := &fakeSink{}

	m := New(src, sink, nil, testConfig())
	runMonitor(t, m)

	waitFor(t, time.Second, func() bool { return sink.count() >= 1 })
	if got := sink.last(); got.Status != "auto" {
		t.Errorf("initial publish status = %q, want %q", got.Status, "auto")
	}
	if m.LastStatus() == nil {
		t.Error("LastStatus() = nil after initial publish")
	}
}

func TestMonitor_ForwardsChanges(t *testing.T) {
	src := newFakeSource(&thermod.Status{Status: "auto", CurrentTemperature: 19, Timestamp: 100})
	sink := &fakeSink{}

	m := New(src, sink, nil, testConfig())
	runMonitor(t, m)
	waitFor(t, time.Second, func() bool { return sink.count() == 1 })

	src.changes <- &thermod.Status{Status: "auto", CurrentTemperature: 19.5, Timestamp: 200}
	waitFor(t, time.Second, func() bool { return sink.count() == 2 })

	if got := sink.last(); got.CurrentTemperature != 19.5 {
		t.Errorf("forwarded temperature = %v, want 19.5", got.CurrentTemperature)
	}
}

func TestMonitor_SuppressesDuplicates(t *testing.T) {
	initial := &thermod.Status{Status: "auto", CurrentTemperature: 19, Timestamp: 100}
	src := newFakeSource(initial)
	sink := &fakeSink{}

	m := New(src, sink, nil, testConfig())
	runMonitor(t, m)
	waitFor(t, time.Second, func() bool { return sink.count() == 1 })

	// Same state, fresher timestamp: must not be re-published.
	dup := *initial
	dup.Timestamp = 200
	src.changes <- &dup

	// A real change afterwards proves the duplicate was consumed.
	src.changes <- &thermod.Status{Status: "off", CurrentTemperature: 19, Timestamp: 300}
	waitFor(t, time.Second, func() bool { return sink.count() == 2 })

	if got := sink.last(); got.Status != "off" {
		t.Errorf("last published = %q, want %q (duplicate should be skipped)", got.Status, "off")
	}
}

func TestMonitor_FallsBackToPolling(t *testing.T) {
	src := newFakeSource(&thermod.Status{Status: "auto", CurrentTemperature: 19, Timestamp: 100})
	src.monErr = fmt.Errorf("GET /monitor: %w", thermod.ErrNotFound)
	sink := &fakeSink{}

	m := New(src, sink, nil, testConfig())
	runMonitor(t, m)
	waitFor(t, time.Second, func() bool { return sink.count() >= 1 })

	// The loop should now call GetStatus repeatedly instead of Monitor.
	before := src.getCalls.Load()
	waitFor(t, time.Second, func() bool { return src.getCalls.Load() > before+2 })

	// A change observed via polling is still forwarded.
	src.mu.Lock()
	src.current = &thermod.Status{Status: "off", CurrentTemperature: 19, Timestamp: 200}
	src.mu.Unlock()
	waitFor(t, time.Second, func() bool { return sink.count() >= 2 })
}

func TestMonitor_TeleperiodRepublishes(t *testing.T) {
	src := newFakeSource(&thermod.Status{Status: "auto", CurrentTemperature: 19, Timestamp: 100})
	sink := &fakeSink{}

	cfg := testConfig()
	cfg.Teleperiod = 10 * time.Millisecond
	m := New(src, sink, nil, cfg)
	runMonitor(t, m)

	// No status change arrives, but the teleperiod keeps publishing.
	waitFor(t, time.Second, func() bool { return sink.count() >= 3 })
}

func TestMonitor_RetriesInitialFetch(t *testing.T) {
	src := newFakeSource(&thermod.Status{Status: "auto", Timestamp: 100})
	src.getErr = errors.New("daemon starting")
	sink := &fakeSink{}

	m := New(src, sink, nil, testConfig())
	runMonitor(t, m)

	// Let it fail a few times, then recover.
	waitFor(t, time.Second, func() bool { return src.getCalls.Load() >= 2 })
	src.mu.Lock()
	src.getErr = nil
	src.mu.Unlock()

	waitFor(t, time.Second, func() bool { return sink.count() >= 1 })
}

func TestMonitor_RecordsHistory(t *testing.T) {
	src := newFakeSource(&thermod.Status{Status: "auto", CurrentTemperature: 19, Timestamp: 100})
	sink := &fakeSink{}
	rec := &fakeRecorder{}

	m := New(src, sink, rec, testConfig())
	runMonitor(t, m)

	waitFor(t, time.Second, func() bool { return rec.count() >= 1 })
}

type fakeRecorder struct {
	mu   sync.Mutex
	rows []*thermod.Status
}

func (f *fakeRecorder) Append(st *thermod.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, st)
	return nil
}

func (f *fakeRecorder) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}
