package metrics

import (
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemSnapshot is the payload served on the diagnostics /system endpoint.
type SystemSnapshot struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedMB     float64 `json:"mem_used_mb"`
	MemTotalMB    float64 `json:"mem_total_mb"`
	HeapAllocMB   float64 `json:"heap_alloc_mb"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// SystemStats samples host CPU/memory through gopsutil plus Go runtime stats.
type SystemStats struct {
	started time.Time
}

func NewSystemStats() *SystemStats {
	return &SystemStats{started: time.Now()}
}

// Snapshot gathers a point-in-time view. CPU sampling is non-blocking
// (interval 0) so the endpoint stays cheap.
func (s *SystemStats) Snapshot() SystemSnapshot {
	snap := SystemSnapshot{
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: time.Since(s.started).Seconds(),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.HeapAllocMB = float64(ms.HeapAlloc) / (1 << 20)

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemUsedMB = float64(vm.Used) / (1 << 20)
		snap.MemTotalMB = float64(vm.Total) / (1 << 20)
	}
	return snap
}
