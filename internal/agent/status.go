package agent

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// systemStatus reports local resource usage for the heartbeat payload's
// systemMetrics field (spec.md §4.5 "Heartbeat"). Grounded on the
// teacher's internal/server/system_handlers.go use of gopsutil for the
// same purpose.
type systemStatus struct{}

func (systemStatus) AccountSnapshot() map[string]interface{} { return nil }

func (systemStatus) SystemMetrics() map[string]interface{} {
	metrics := map[string]interface{}{}

	if percents, err := cpu.PercentWithContext(context.Background(), 0, false); err == nil && len(percents) > 0 {
		metrics["cpuPercent"] = percents[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(context.Background()); err == nil {
		metrics["memPercent"] = vm.UsedPercent
	}
	return metrics
}
