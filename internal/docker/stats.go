package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

// statsSample mirrors the slice of the daemon's stats payload the agent
// cares about.
type statsSample struct {
	CPUStats    cpuSample `json:"cpu_stats"`
	PreCPUStats cpuSample `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
}

type cpuSample struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

// UsageSnapshot is the reduced one-shot stats view.
type UsageSnapshot struct {
	CPUPercent  float64
	MemoryBytes int64
	MemoryLimit int64
}

// StatsSnapshot takes a single stats sample and reduces it with the
// classical cpu-delta formula.
func (d *Driver) StatsSnapshot(ctx context.Context, containerID string) (UsageSnapshot, error) {
	resp, err := d.cli.ContainerStats(ctx, containerID, false)
	if err != nil {
		return UsageSnapshot{}, fmt.Errorf("container stats failed: %w", err)
	}
	defer resp.Body.Close()

	var sample statsSample
	if err := json.NewDecoder(resp.Body).Decode(&sample); err != nil {
		return UsageSnapshot{}, fmt.Errorf("decode stats: %w", err)
	}
	return reduceStats(sample), nil
}

func reduceStats(s statsSample) UsageSnapshot {
	out := UsageSnapshot{
		MemoryBytes: int64(s.MemoryStats.Usage),
		MemoryLimit: int64(s.MemoryStats.Limit),
	}

	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	sysDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if cpuDelta > 0 && sysDelta > 0 {
		cpus := float64(s.CPUStats.OnlineCPUs)
		if cpus == 0 {
			cpus = 1
		}
		out.CPUPercent = math.Round(cpuDelta/sysDelta*cpus*100*100) / 100
	}
	return out
}
