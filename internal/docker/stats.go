package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// ContainerStats fetches a single stats sample for a container.
func (c *Client) ContainerStats(ctx context.Context, id string) (container.StatsResponse, error) {
	resp, err := c.api.ContainerStats(ctx, id, client.ContainerStatsOptions{})
	if err != nil {
		return container.StatsResponse{}, err
	}
	defer resp.Body.Close()

	var stats container.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return container.StatsResponse{}, fmt.Errorf("decode stats: %w", err)
	}
	return stats, nil
}

// CPUPercent derives CPU utilization from a stats sample:
// (cpu_delta / system_delta) * 100 over the precpu window.
func CPUPercent(s container.StatsResponse) float64 {
	cpuDelta := float64(s.CPUStats.CPUUsage.TotalUsage) - float64(s.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(s.CPUStats.SystemUsage) - float64(s.PreCPUStats.SystemUsage)
	if systemDelta <= 0 || cpuDelta < 0 {
		return 0
	}
	return cpuDelta / systemDelta * 100
}

// MemoryPercent derives memory utilization as usage / limit * 100.
func MemoryPercent(s container.StatsResponse) float64 {
	if s.MemoryStats.Limit == 0 {
		return 0
	}
	return float64(s.MemoryStats.Usage) / float64(s.MemoryStats.Limit) * 100
}

// NetworkBytes sums received and transmitted bytes across all interfaces.
func NetworkBytes(s container.StatsResponse) (rx, tx uint64) {
	for _, n := range s.Networks {
		rx += n.RxBytes
		tx += n.TxBytes
	}
	return rx, tx
}

// Mbps converts a byte count observed over windowSeconds into megabits
// per second.
func Mbps(bytes uint64, windowSeconds float64) float64 {
	if windowSeconds <= 0 {
		return 0
	}
	return float64(bytes) * 8 / (1024 * 1024 * windowSeconds)
}

// StartedTime parses the start timestamp from an inspect response.
// Reports false for containers that never started.
func StartedTime(inspect container.InspectResponse) (time.Time, bool) {
	if inspect.State == nil || inspect.State.StartedAt == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)
	if err != nil || t.IsZero() || t.Unix() <= 0 {
		return time.Time{}, false
	}
	return t, true
}
