// Package sysinfo exposes host introspection commands backed by gopsutil.
package sysinfo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"

	"jarvis/pkg/jarvis"
)

// cpuSampleWindow is the blocking measurement interval for one cpu reading.
const cpuSampleWindow = 200 * time.Millisecond

// Option mutates sysinfo module configuration.
type Option func(*Module)

// WithLogger injects a logger directly, bypassing service lookup.
func WithLogger(logger *slog.Logger) Option {
	return func(module *Module) {
		if logger != nil {
			module.logger = logger
		}
	}
}

// Module reports host utilization and inventory.
type Module struct {
	logger *slog.Logger

	// Probes are swapped in tests.
	cpuPercent    func(ctx context.Context, interval time.Duration) ([]float64, error)
	virtualMemory func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	uptime        func(ctx context.Context) (uint64, error)
	pids          func(ctx context.Context) ([]int32, error)
}

// New creates a sysinfo module reading from the host.
func New(options ...Option) *Module {
	module := &Module{
		logger: slog.Default(),
		cpuPercent: func(ctx context.Context, interval time.Duration) ([]float64, error) {
			return cpu.PercentWithContext(ctx, interval, false)
		},
		virtualMemory: mem.VirtualMemoryWithContext,
		uptime:        host.UptimeWithContext,
		pids:          process.PidsWithContext,
	}
	for _, option := range options {
		option(module)
	}

	return module
}

// Name returns the stable module identifier.
func (m *Module) Name() string {
	return "sysinfo"
}

// Spec declares the host introspection commands. The module is critical so
// introspection stays available while the monitor sheds load.
func (m *Module) Spec() jarvis.ModuleSpec {
	return jarvis.ModuleSpec{
		Description: "host cpu, memory, uptime, and process introspection",
		Priority:    10,
		Critical:    true,
		Commands: []jarvis.CommandSpec{
			{Action: "cpu", Description: "report host cpu utilization", Handler: m.handleCPU},
			{Action: "memory", Description: "report host memory utilization", Handler: m.handleMemory},
			{Action: "uptime", Description: "report host uptime", Handler: m.handleUptime},
			{Action: "procs", Description: "report the running process count", Handler: m.handleProcs},
		},
	}
}

// OnRegister adopts the shared logger when one is registered.
func (m *Module) OnRegister(_ context.Context, runtime jarvis.ModuleRuntime) error {
	logger, err := jarvis.ResolveAs[*slog.Logger](runtime.Services(), jarvis.ServiceLogger)
	switch {
	case err == nil:
		m.logger = logger
	case errors.Is(err, jarvis.ErrServiceNotFound):
	default:
		return fmt.Errorf("sysinfo resolve logger: %w", err)
	}

	return nil
}

// OnStart starts the module lifecycle.
func (m *Module) OnStart(_ context.Context) error {
	return nil
}

// OnShutdown stops the module lifecycle.
func (m *Module) OnShutdown(_ context.Context) error {
	return nil
}

func (m *Module) handleCPU(ctx context.Context, _ jarvis.Request) (jarvis.Result, error) {
	percents, err := m.cpuPercent(ctx, cpuSampleWindow)
	if err != nil {
		return jarvis.Result{}, fmt.Errorf("sysinfo cpu: %w", err)
	}
	var percent float64
	if len(percents) > 0 {
		percent = percents[0]
	}

	return jarvis.Result{
		Output: fmt.Sprintf("cpu usage: %.1f%%", percent),
		Data:   map[string]any{"cpu_percent": percent},
	}, nil
}

func (m *Module) handleMemory(ctx context.Context, _ jarvis.Request) (jarvis.Result, error) {
	stat, err := m.virtualMemory(ctx)
	if err != nil {
		return jarvis.Result{}, fmt.Errorf("sysinfo memory: %w", err)
	}

	return jarvis.Result{
		Output: fmt.Sprintf(
			"memory usage: %.1f%% (%s of %s)",
			stat.UsedPercent,
			formatBytes(stat.Used),
			formatBytes(stat.Total),
		),
		Data: map[string]any{
			"memory_percent": stat.UsedPercent,
			"used_bytes":     stat.Used,
			"total_bytes":    stat.Total,
		},
	}, nil
}

func (m *Module) handleUptime(ctx context.Context, _ jarvis.Request) (jarvis.Result, error) {
	seconds, err := m.uptime(ctx)
	if err != nil {
		return jarvis.Result{}, fmt.Errorf("sysinfo uptime: %w", err)
	}
	uptime := time.Duration(seconds) * time.Second

	return jarvis.Result{
		Output: "host uptime: " + uptime.String(),
		Data:   map[string]any{"uptime_seconds": seconds},
	}, nil
}

func (m *Module) handleProcs(ctx context.Context, _ jarvis.Request) (jarvis.Result, error) {
	pids, err := m.pids(ctx)
	if err != nil {
		return jarvis.Result{}, fmt.Errorf("sysinfo procs: %w", err)
	}

	return jarvis.Result{
		Output: fmt.Sprintf("%d processes running", len(pids)),
		Data:   map[string]any{"process_count": len(pids)},
	}, nil
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(value uint64) string {
	const unit = 1024
	if value < unit {
		return fmt.Sprintf("%d B", value)
	}
	div, exp := uint64(unit), 0
	for n := value / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %ciB", float64(value)/float64(div), "KMGTPE"[exp])
}

var _ jarvis.Module = (*Module)(nil)
