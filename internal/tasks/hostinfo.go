package tasks

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

// hostSources reads the live host figures. Tests swap in fixed readers.
type hostSources struct {
	hostname func() (string, error)
	uptime   func() (uint64, error)
	load     func() (*load.AvgStat, error)
	memory   func() (*mem.VirtualMemoryStat, error)
}

var systemSources = hostSources{
	hostname: os.Hostname,
	uptime:   host.Uptime,
	load:     load.Avg,
	memory:   mem.VirtualMemory,
}

// HostSnapshot is merged underneath task params for every sandboxed run.
// Values that cannot be read on this platform are omitted.
func HostSnapshot() map[string]any {
	return systemSources.snapshot()
}

func (s hostSources) snapshot() map[string]any {
	snap := map[string]any{
		"platform": runtime.GOOS,
		"arch":     runtime.GOARCH,
		"num_cpu":  runtime.NumCPU(),
	}
	if name, err := s.hostname(); err == nil {
		snap["hostname"] = name
	}
	if up, err := s.uptime(); err == nil {
		snap["uptime_seconds"] = up
	}
	if avg, err := s.load(); err == nil && avg != nil {
		snap["load"] = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if vm, err := s.memory(); err == nil && vm != nil {
		snap["memory_total_kb"] = vm.Total / 1024
		snap["memory_available_kb"] = vm.Available / 1024
		snap["memory_free_kb"] = vm.Free / 1024
		snap["memory_used_percent"] = vm.UsedPercent
	}
	return snap
}

func mergeParams(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overlay {
		out[k] = v
	}
	return out
}
