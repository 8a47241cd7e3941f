package monitor

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// Sample is one point-in-time host utilization reading, in percent.
type Sample struct {
	CPUPercent    float64
	MemoryPercent float64
}

// Sampler reads host-wide resource utilization.
type Sampler interface {
	Sample(ctx context.Context) (Sample, error)
}

// SystemSampler reads utilization from the host.
//
// CPU readings are deltas since the previous call, so the first sample after
// construction reports zero.
type SystemSampler struct{}

// Sample implements Sampler.
func (SystemSampler) Sample(ctx context.Context) (Sample, error) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Sample{}, fmt.Errorf("sample cpu: %w", err)
	}
	var cpuPercent float64
	if len(percents) > 0 {
		cpuPercent = percents[0]
	}

	memory, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sample memory: %w", err)
	}

	return Sample{CPUPercent: cpuPercent, MemoryPercent: memory.UsedPercent}, nil
}

// sampleProcessUsage reads one process's CPU and memory share for usage
// attribution of modules that own an external process.
func sampleProcessUsage(ctx context.Context, pid int) (Sample, error) {
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Sample{}, fmt.Errorf("attach process %d: %w", pid, err)
	}

	cpuPercent, err := proc.CPUPercentWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sample process %d cpu: %w", pid, err)
	}
	memoryPercent, err := proc.MemoryPercentWithContext(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("sample process %d memory: %w", pid, err)
	}

	return Sample{CPUPercent: cpuPercent, MemoryPercent: float64(memoryPercent)}, nil
}
