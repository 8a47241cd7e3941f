package monitor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"jarvis/internal/kernel"
	"jarvis/pkg/jarvis"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type sampleFunc func(ctx context.Context) (Sample, error)

func (f sampleFunc) Sample(ctx context.Context) (Sample, error) {
	return f(ctx)
}

// stubController tracks module states and records the pause/resume sequence.
type stubController struct {
	mu       sync.Mutex
	statuses []kernel.ModuleStatus
	failures map[string]error
	paused   []string
	resumed  []string
}

func newStubController(statuses ...kernel.ModuleStatus) *stubController {
	return &stubController{
		statuses: statuses,
		failures: make(map[string]error),
	}
}

func (c *stubController) Modules() []kernel.ModuleStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]kernel.ModuleStatus(nil), c.statuses...)
}

func (c *stubController) Pause(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failures[name]; err != nil {
		return err
	}
	for idx := range c.statuses {
		if c.statuses[idx].Name == name {
			c.statuses[idx].State = jarvis.StatePaused
			c.paused = append(c.paused, name)
			return nil
		}
	}

	return fmt.Errorf("pause module %s: %w", name, jarvis.ErrModuleNotFound)
}

func (c *stubController) Resume(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.failures[name]; err != nil {
		return err
	}
	for idx := range c.statuses {
		if c.statuses[idx].Name == name {
			c.statuses[idx].State = jarvis.StateReady
			c.resumed = append(c.resumed, name)
			return nil
		}
	}

	return fmt.Errorf("resume module %s: %w", name, jarvis.ErrModuleNotFound)
}

func (c *stubController) pauseSequence() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.paused...)
}

func (c *stubController) resumeSequence() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]string(nil), c.resumed...)
}

func staticMarks(high, low float64) func() Watermarks {
	return func() Watermarks {
		return Watermarks{High: high, Low: low}
	}
}

func staticSample(cpu, memory float64) Sampler {
	return sampleFunc(func(context.Context) (Sample, error) {
		return Sample{CPUPercent: cpu, MemoryPercent: memory}, nil
	})
}

func newTestMonitor(t *testing.T, controller ModuleController, sampler Sampler, marks func() Watermarks) *Monitor {
	t.Helper()

	m, err := New(controller, sampler, marks, time.Second, discardLogger())
	if err != nil {
		t.Fatalf("new monitor failed: %v", err)
	}

	return m
}

func TestMonitorShedsLeastImportantFirst(t *testing.T) {
	t.Parallel()

	controller := newStubController(
		kernel.ModuleStatus{Name: "core", State: jarvis.StateReady, Priority: 10, Critical: true},
		kernel.ModuleStatus{Name: "vcs", State: jarvis.StateSafeMode, Priority: 30},
		kernel.ModuleStatus{Name: "lua", State: jarvis.StateReady, Priority: 60},
		kernel.ModuleStatus{Name: "echo", State: jarvis.StateReady, Priority: 90},
	)
	m := newTestMonitor(t, controller, staticSample(95, 40), staticMarks(85, 60))

	ctx := context.Background()
	for range 5 {
		m.tick(ctx)
	}

	want := []string{"echo", "lua", "vcs"}
	got := controller.pauseSequence()
	if len(got) != len(want) {
		t.Fatalf("pause sequence = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("pause sequence[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestMonitorNeverPausesCriticalModules(t *testing.T) {
	t.Parallel()

	controller := newStubController(
		kernel.ModuleStatus{Name: "core", State: jarvis.StateReady, Priority: 10, Critical: true},
	)
	m := newTestMonitor(t, controller, staticSample(99, 99), staticMarks(85, 60))

	m.tick(context.Background())
	m.tick(context.Background())

	if got := controller.pauseSequence(); len(got) != 0 {
		t.Fatalf("pause sequence = %v, want none", got)
	}
}

func TestMonitorRestoresMostRecentFirst(t *testing.T) {
	t.Parallel()

	controller := newStubController(
		kernel.ModuleStatus{Name: "lua", State: jarvis.StateReady, Priority: 60},
		kernel.ModuleStatus{Name: "echo", State: jarvis.StateReady, Priority: 90},
	)
	pressure := true
	var mu sync.Mutex
	sampler := sampleFunc(func(context.Context) (Sample, error) {
		mu.Lock()
		defer mu.Unlock()
		if pressure {
			return Sample{CPUPercent: 95}, nil
		}
		return Sample{CPUPercent: 10}, nil
	})
	m := newTestMonitor(t, controller, sampler, staticMarks(85, 60))

	ctx := context.Background()
	m.tick(ctx)
	m.tick(ctx)

	mu.Lock()
	pressure = false
	mu.Unlock()
	m.tick(ctx)
	m.tick(ctx)
	m.tick(ctx)

	wantResumed := []string{"lua", "echo"}
	got := controller.resumeSequence()
	if len(got) != len(wantResumed) {
		t.Fatalf("resume sequence = %v, want %v", got, wantResumed)
	}
	for i := range wantResumed {
		if got[i] != wantResumed[i] {
			t.Fatalf("resume sequence[%d] = %q, want %q", i, got[i], wantResumed[i])
		}
	}
}

func TestMonitorQuietBetweenWatermarks(t *testing.T) {
	t.Parallel()

	controller := newStubController(
		kernel.ModuleStatus{Name: "echo", State: jarvis.StateReady, Priority: 90},
	)
	m := newTestMonitor(t, controller, staticSample(70, 70), staticMarks(85, 60))
	m.autoPaused = []string{"echo"}

	m.tick(context.Background())

	if got := controller.pauseSequence(); len(got) != 0 {
		t.Fatalf("pause sequence = %v, want none", got)
	}
	if got := controller.resumeSequence(); len(got) != 0 {
		t.Fatalf("resume sequence = %v, want none", got)
	}
}

func TestMonitorSkipsFailingPauseCandidates(t *testing.T) {
	t.Parallel()

	controller := newStubController(
		kernel.ModuleStatus{Name: "lua", State: jarvis.StateReady, Priority: 60},
		kernel.ModuleStatus{Name: "echo", State: jarvis.StateReady, Priority: 90},
	)
	controller.failures["echo"] = errors.New("pause rejected")
	m := newTestMonitor(t, controller, staticSample(95, 40), staticMarks(85, 60))

	m.tick(context.Background())

	got := controller.pauseSequence()
	if len(got) != 1 || got[0] != "lua" {
		t.Fatalf("pause sequence = %v, want [lua]", got)
	}
}

func TestMonitorDropsUnresumableEntries(t *testing.T) {
	t.Parallel()

	controller := newStubController(
		kernel.ModuleStatus{Name: "echo", State: jarvis.StatePaused, Priority: 90},
	)
	m := newTestMonitor(t, controller, staticSample(10, 10), staticMarks(85, 60))
	m.autoPaused = []string{"echo", "ghost"}

	m.tick(context.Background())

	got := controller.resumeSequence()
	if len(got) != 1 || got[0] != "echo" {
		t.Fatalf("resume sequence = %v, want [echo]", got)
	}
	if len(m.autoPaused) != 0 {
		t.Fatalf("auto paused stack = %v, want empty", m.autoPaused)
	}
}

func TestMonitorSampleFailureSkipsTick(t *testing.T) {
	t.Parallel()

	controller := newStubController(
		kernel.ModuleStatus{Name: "echo", State: jarvis.StateReady, Priority: 90},
	)
	sampler := sampleFunc(func(context.Context) (Sample, error) {
		return Sample{}, errors.New("sensor offline")
	})
	m := newTestMonitor(t, controller, sampler, staticMarks(85, 60))

	m.tick(context.Background())

	if got := controller.pauseSequence(); len(got) != 0 {
		t.Fatalf("pause sequence = %v, want none", got)
	}
}

func TestMonitorAttributesProcessUsage(t *testing.T) {
	t.Parallel()

	controller := newStubController(
		kernel.ModuleStatus{Name: "lua", State: jarvis.StateReady, Priority: 60, PID: 4242},
		kernel.ModuleStatus{Name: "echo", State: jarvis.StateReady, Priority: 90},
	)
	m := newTestMonitor(t, controller, staticSample(10, 10), staticMarks(85, 60))

	sampled := make(chan int, 1)
	m.processUsage = func(_ context.Context, pid int) (Sample, error) {
		sampled <- pid
		return Sample{CPUPercent: 12, MemoryPercent: 3}, nil
	}

	m.tick(context.Background())

	select {
	case pid := <-sampled:
		if pid != 4242 {
			t.Fatalf("attributed pid = %d, want 4242", pid)
		}
	default:
		t.Fatal("process usage was not sampled")
	}
	select {
	case pid := <-sampled:
		t.Fatalf("unexpected second attribution for pid %d", pid)
	default:
	}
}

func TestMonitorWatermarkSourceConsultedEveryTick(t *testing.T) {
	t.Parallel()

	controller := newStubController(
		kernel.ModuleStatus{Name: "echo", State: jarvis.StateReady, Priority: 90},
	)
	var mu sync.Mutex
	high := 99.0
	marks := func() Watermarks {
		mu.Lock()
		defer mu.Unlock()
		return Watermarks{High: high, Low: 10}
	}
	m := newTestMonitor(t, controller, staticSample(80, 20), staticMarks(99, 10))
	m.watermarks = marks

	ctx := context.Background()
	m.tick(ctx)
	if got := controller.pauseSequence(); len(got) != 0 {
		t.Fatalf("pause sequence = %v, want none before reload", got)
	}

	mu.Lock()
	high = 70
	mu.Unlock()
	m.tick(ctx)

	got := controller.pauseSequence()
	if len(got) != 1 || got[0] != "echo" {
		t.Fatalf("pause sequence = %v, want [echo] after reload", got)
	}
}

func TestMonitorRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	controller := newStubController()
	m := newTestMonitor(t, controller, staticSample(10, 10), staticMarks(85, 60))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx)
	}()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop after cancel")
	}
}

func TestNewMonitorValidatesInput(t *testing.T) {
	t.Parallel()

	controller := newStubController()
	sampler := staticSample(0, 0)
	marks := staticMarks(85, 60)

	if _, err := New(nil, sampler, marks, time.Second, nil); err == nil {
		t.Fatal("expected error for nil controller")
	}
	if _, err := New(controller, nil, marks, time.Second, nil); err == nil {
		t.Fatal("expected error for nil sampler")
	}
	if _, err := New(controller, sampler, nil, time.Second, nil); err == nil {
		t.Fatal("expected error for nil watermark source")
	}
	if _, err := New(controller, sampler, marks, 0, nil); err == nil {
		t.Fatal("expected error for non-positive period")
	}
}
