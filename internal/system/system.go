// Package system reports host resource usage for the ops endpoint.
package system

import (
	"context"
	"fmt"
	"runtime"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats are usage percentages in [0,100] plus runtime counters.
type Stats struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskUsage     float64 `json:"disk_usage"`
	Goroutines    int     `json:"goroutines"`
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
}

// Collector samples Stats. DiskPath is the mount point whose usage is
// reported.
type Collector struct {
	DiskPath string
}

func NewCollector(diskPath string) *Collector {
	if diskPath == "" {
		diskPath = "/"
	}
	return &Collector{DiskPath: diskPath}
}

// Collect samples CPU over the interval since the previous call, so it does
// not block.
func (c *Collector) Collect(ctx context.Context) (Stats, error) {
	var st Stats

	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Stats{}, fmt.Errorf("cpu usage: %w", err)
	}
	if len(cpus) > 0 {
		st.CPUPercent = cpus[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("memory usage: %w", err)
	}
	st.MemoryPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, c.DiskPath)
	if err != nil {
		return Stats{}, fmt.Errorf("disk usage of %s: %w", c.DiskPath, err)
	}
	st.DiskUsage = du.UsedPercent

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	st.Goroutines = runtime.NumGoroutine()
	st.HeapAllocMB = float64(ms.HeapAlloc) / (1 << 20)

	return st, nil
}
