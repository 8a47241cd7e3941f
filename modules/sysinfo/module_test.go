package sysinfo

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v4/mem"

	"jarvis/pkg/jarvis"
)

func newFakeModule(t *testing.T) *Module {
	t.Helper()

	module := New(WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	module.cpuPercent = func(context.Context, time.Duration) ([]float64, error) {
		return []float64{37.25}, nil
	}
	module.virtualMemory = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{
			Total:       16 * 1024 * 1024 * 1024,
			Used:        4 * 1024 * 1024 * 1024,
			UsedPercent: 25,
		}, nil
	}
	module.uptime = func(context.Context) (uint64, error) {
		return 93785, nil
	}
	module.pids = func(context.Context) ([]int32, error) {
		return []int32{1, 42, 4242}, nil
	}

	return module
}

func TestHandlersReportProbeReadings(t *testing.T) {
	tests := []struct {
		name       string
		handler    func(*Module) jarvis.Handler
		wantOutput string
		wantData   map[string]any
	}{
		{
			name:       "cpu",
			handler:    func(m *Module) jarvis.Handler { return m.handleCPU },
			wantOutput: "cpu usage: 37.2%",
			wantData:   map[string]any{"cpu_percent": 37.25},
		},
		{
			name:       "memory",
			handler:    func(m *Module) jarvis.Handler { return m.handleMemory },
			wantOutput: "memory usage: 25.0% (4.0 GiB of 16.0 GiB)",
			wantData:   map[string]any{"memory_percent": float64(25)},
		},
		{
			name:       "uptime",
			handler:    func(m *Module) jarvis.Handler { return m.handleUptime },
			wantOutput: "host uptime: 26h3m5s",
			wantData:   map[string]any{"uptime_seconds": uint64(93785)},
		},
		{
			name:       "procs",
			handler:    func(m *Module) jarvis.Handler { return m.handleProcs },
			wantOutput: "3 processes running",
			wantData:   map[string]any{"process_count": 3},
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			module := newFakeModule(t)
			result, err := testCase.handler(module)(context.Background(), jarvis.Request{
				Module: "sysinfo",
				Action: testCase.name,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.Output != testCase.wantOutput {
				t.Fatalf("output = %q, want %q", result.Output, testCase.wantOutput)
			}
			for key, want := range testCase.wantData {
				if got := result.Data[key]; got != want {
					t.Fatalf("data[%s] = %v (%T), want %v (%T)", key, got, got, want, want)
				}
			}
		})
	}
}

func TestHandlersWrapProbeFailures(t *testing.T) {
	t.Parallel()

	probeErr := errors.New("probe offline")
	module := newFakeModule(t)
	module.cpuPercent = func(context.Context, time.Duration) ([]float64, error) {
		return nil, probeErr
	}

	_, err := module.handleCPU(context.Background(), jarvis.Request{Module: "sysinfo", Action: "cpu"})
	if !errors.Is(err, probeErr) {
		t.Fatalf("error = %v, want wrapped probe error", err)
	}
	if !strings.Contains(err.Error(), "sysinfo cpu") {
		t.Fatalf("error = %v, want sysinfo cpu scope", err)
	}
}

func TestHandleCPUToleratesEmptyReading(t *testing.T) {
	t.Parallel()

	module := newFakeModule(t)
	module.cpuPercent = func(context.Context, time.Duration) ([]float64, error) {
		return nil, nil
	}

	result, err := module.handleCPU(context.Background(), jarvis.Request{Module: "sysinfo", Action: "cpu"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output != "cpu usage: 0.0%" {
		t.Fatalf("output = %q, want zero reading", result.Output)
	}
}

func TestModuleSpecIsCritical(t *testing.T) {
	t.Parallel()

	spec := New().Spec()
	if err := spec.Validate(); err != nil {
		t.Fatalf("spec validation failed: %v", err)
	}
	if !spec.Critical {
		t.Fatal("sysinfo must be critical so the monitor never pauses it")
	}
	if spec.Priority != 10 {
		t.Fatalf("priority = %d, want 10", spec.Priority)
	}
	if len(spec.Commands) != 4 {
		t.Fatalf("command count = %d, want 4", len(spec.Commands))
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		name  string
		value uint64
		want  string
	}{
		{name: "bytes", value: 512, want: "512 B"},
		{name: "kibibytes", value: 2048, want: "2.0 KiB"},
		{name: "mebibytes", value: 5 * 1024 * 1024, want: "5.0 MiB"},
		{name: "gibibytes", value: 16 * 1024 * 1024 * 1024, want: "16.0 GiB"},
		{name: "fractional", value: 1536, want: "1.5 KiB"},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			if got := formatBytes(testCase.value); got != testCase.want {
				t.Fatalf("formatBytes(%d) = %q, want %q", testCase.value, got, testCase.want)
			}
		})
	}
}
