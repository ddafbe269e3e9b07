package jobhub

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostStats is a sample of the machine running the workers.
type HostStats struct {
	MemoryUsedPercent float64 `json:"memoryUsedPercent"`
	CPUPercent        float64 `json:"cpuPercent"`
}

// HostSampler samples host resource usage for the health monitor.
type HostSampler interface {
	Sample(ctx context.Context) (HostStats, error)
}

// HostSamplerFunc adapts a function to HostSampler.
type HostSamplerFunc func(ctx context.Context) (HostStats, error)

func (f HostSamplerFunc) Sample(ctx context.Context) (HostStats, error) { return f(ctx) }

// SystemSampler reads host usage with gopsutil.
type SystemSampler struct{}

// Sample returns memory usage and CPU usage since the previous call.
func (SystemSampler) Sample(ctx context.Context) (HostStats, error) {
	var hs HostStats
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return hs, err
	}
	hs.MemoryUsedPercent = vm.UsedPercent
	// interval 0 compares against the previous call and does not block
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err == nil && len(pct) > 0 {
		hs.CPUPercent = pct[0]
	}
	return hs, nil
}
