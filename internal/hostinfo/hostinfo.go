// Package hostinfo samples host CPU/memory usage for the companion
// monitor and the status API's /host route.
//
// Grounded on internal/cli/ui/ui.go's updateResourceData, which reads
// psutil.Percent(0, false) and psmem.VirtualMemory() once per tick for
// its status bar.
package hostinfo

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Reading is one host resource sample.
type Reading struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	MemUsedMB  uint64  `json:"mem_used_mb"`
	MemTotalMB uint64  `json:"mem_total_mb"`
	GoVersion  string  `json:"go_version"`
}

// Read takes one CPU/memory sample, blocking for interval to measure
// CPU usage over that window (interval == 0 returns the usage since
// the last call, per gopsutil's own convention).
func Read(ctx context.Context, interval time.Duration) (Reading, error) {
	pct, err := cpu.PercentWithContext(ctx, interval, false)
	if err != nil {
		return Reading{}, err
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Reading{}, err
	}

	var cpuPct float64
	if len(pct) > 0 {
		cpuPct = pct[0]
	}

	return Reading{
		CPUPercent: cpuPct,
		MemPercent: vm.UsedPercent,
		MemUsedMB:  vm.Used / (1024 * 1024),
		MemTotalMB: vm.Total / (1024 * 1024),
		GoVersion:  runtime.Version(),
	}, nil
}

// Now takes a zero-wait reading, suitable for an HTTP handler where a
// blocking interval would stall the response.
func Now(ctx context.Context) (Reading, error) {
	return Read(ctx, 0)
}
