package relay

import (
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/nearkey/signer-core/internal/svcerr"
)

// SystemHealth reports host-level resource usage for the /health/system
// diagnostic endpoint, grounded on the teacher's shirou/gopsutil dependency
// (carried in go.mod but, in the teacher, only exercised for process
// stats elsewhere in the wider repo — here it backs the relay's own
// operator-facing diagnostics).
type SystemHealth struct {
	LoadAvg1  float64 `json:"load_avg_1"`
	LoadAvg5  float64 `json:"load_avg_5"`
	LoadAvg15 float64 `json:"load_avg_15"`

	MemoryTotalBytes     uint64  `json:"memory_total_bytes"`
	MemoryUsedBytes      uint64  `json:"memory_used_bytes"`
	MemoryUsedPercent    float64 `json:"memory_used_percent"`
}

// SystemHealthSnapshot samples load average and memory usage. Load
// average is unavailable on some platforms (notably Windows); a nil
// error with a zeroed LoadAvg is accepted rather than failing the whole
// health check over a single unsupported metric.
func SystemHealthSnapshot() (SystemHealth, error) {
	var snap SystemHealth

	if avg, err := load.Avg(); err == nil {
		snap.LoadAvg1 = avg.Load1
		snap.LoadAvg5 = avg.Load5
		snap.LoadAvg15 = avg.Load15
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return SystemHealth{}, svcerr.Wrap(svcerr.CodeInternal, "read system memory stats", err)
	}
	snap.MemoryTotalBytes = vm.Total
	snap.MemoryUsedBytes = vm.Used
	snap.MemoryUsedPercent = vm.UsedPercent

	return snap, nil
}
