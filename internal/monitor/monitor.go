// Package monitor watches host resource utilization and pauses low-priority
// modules under pressure, resuming them when the pressure clears.
package monitor

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"jarvis/internal/kernel"
	"jarvis/pkg/jarvis"
)

// ModuleController is the module manager surface the monitor drives. Pause
// and Resume take the manager's own serialization path, so the monitor never
// races an explicit load or unload.
type ModuleController interface {
	Modules() []kernel.ModuleStatus
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
}

var _ ModuleController = (*kernel.Kernel)(nil)

// Watermarks are the pause and resume thresholds in percent. Above High the
// monitor sheds one module per tick; below Low it restores one per tick.
// The band between the two is quiet, which keeps marginal load from
// flapping modules.
type Watermarks struct {
	High float64
	Low  float64
}

// Monitor is the resource evaluation loop.
//
// All state is owned by the Run goroutine; ticks never run concurrently.
type Monitor struct {
	controller ModuleController
	sampler    Sampler
	watermarks func() Watermarks
	period     time.Duration
	logger     *slog.Logger

	// processUsage is swapped in tests.
	processUsage func(ctx context.Context, pid int) (Sample, error)

	// autoPaused records monitor-initiated pauses in pause order; resumes
	// pop from the tail.
	autoPaused []string
}

// New returns a monitor driving controller from sampler readings. The
// watermark source is consulted every tick, so a configuration reload takes
// effect without restarting the loop.
func New(controller ModuleController, sampler Sampler, watermarks func() Watermarks, period time.Duration, logger *slog.Logger) (*Monitor, error) {
	if controller == nil {
		return nil, errors.New("new monitor: nil controller")
	}
	if sampler == nil {
		return nil, errors.New("new monitor: nil sampler")
	}
	if watermarks == nil {
		return nil, errors.New("new monitor: nil watermark source")
	}
	if period <= 0 {
		return nil, errors.New("new monitor: period must be > 0")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Monitor{
		controller:   controller,
		sampler:      sampler,
		watermarks:   watermarks,
		period:       period,
		logger:       logger,
		processUsage: sampleProcessUsage,
	}, nil
}

// Run evaluates utilization every period until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick runs one evaluation: sample, attribute, then shed or restore at most
// one module. Pausing changes the utilization estimate only after the next
// sample, so shedding stays at one module per tick rather than guessing.
func (m *Monitor) tick(ctx context.Context) {
	sample, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("resource sample failed", "error", err)
		return
	}

	marks := m.watermarks()
	statuses := m.controller.Modules()
	m.attributeProcessUsage(ctx, statuses)

	switch {
	case sample.CPUPercent > marks.High || sample.MemoryPercent > marks.High:
		m.shedOne(ctx, sample, statuses)
	case sample.CPUPercent < marks.Low && sample.MemoryPercent < marks.Low:
		m.restoreOne(ctx, sample)
	}
}

// shedOne pauses the least important active module. Candidates are tried in
// descending priority-number order; per-module failures are logged and the
// next candidate is tried.
func (m *Monitor) shedOne(ctx context.Context, sample Sample, statuses []kernel.ModuleStatus) {
	candidates := make([]kernel.ModuleStatus, 0, len(statuses))
	for _, status := range statuses {
		if status.Critical {
			continue
		}
		if status.State != jarvis.StateReady && status.State != jarvis.StateSafeMode {
			continue
		}
		candidates = append(candidates, status)
	}
	slices.SortStableFunc(candidates, func(a, b kernel.ModuleStatus) int {
		return b.Priority - a.Priority
	})

	if len(candidates) == 0 {
		m.logger.Warn("resource pressure with no pausable modules",
			"cpu_percent", sample.CPUPercent,
			"memory_percent", sample.MemoryPercent,
		)
		return
	}

	for _, candidate := range candidates {
		if err := m.controller.Pause(ctx, candidate.Name); err != nil {
			m.logger.Warn("pause under pressure failed", "module", candidate.Name, "error", err)
			continue
		}
		m.autoPaused = append(m.autoPaused, candidate.Name)
		m.logger.Warn("module paused under resource pressure",
			"module", candidate.Name,
			"priority", candidate.Priority,
			"cpu_percent", sample.CPUPercent,
			"memory_percent", sample.MemoryPercent,
		)
		return
	}
}

// restoreOne resumes the most recently auto-paused module. Entries that can
// no longer be resumed, typically unloaded in the meantime, are dropped.
func (m *Monitor) restoreOne(ctx context.Context, sample Sample) {
	for len(m.autoPaused) > 0 {
		last := len(m.autoPaused) - 1
		name := m.autoPaused[last]
		m.autoPaused = m.autoPaused[:last]

		if err := m.controller.Resume(ctx, name); err != nil {
			m.logger.Warn("resume after pressure failed", "module", name, "error", err)
			continue
		}
		m.logger.Info("module resumed after resource pressure",
			"module", name,
			"cpu_percent", sample.CPUPercent,
			"memory_percent", sample.MemoryPercent,
		)
		return
	}
}

// attributeProcessUsage logs per-process usage for modules that report a
// pid, tying host pressure back to the module that causes it.
func (m *Monitor) attributeProcessUsage(ctx context.Context, statuses []kernel.ModuleStatus) {
	for _, status := range statuses {
		if status.PID <= 0 {
			continue
		}
		usage, err := m.processUsage(ctx, status.PID)
		if err != nil {
			m.logger.Debug("module process usage unavailable",
				"module", status.Name,
				"pid", status.PID,
				"error", err,
			)
			continue
		}
		m.logger.Debug("module process usage",
			"module", status.Name,
			"pid", status.PID,
			"cpu_percent", usage.CPUPercent,
			"memory_percent", usage.MemoryPercent,
		)
	}
}
