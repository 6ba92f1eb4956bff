// Package resources reads point-in-time system load and implements the
// schedule-window predicate that gates compression sessions.
package resources

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/mantonx/shrinkray/internal/config"
)

// Load thresholds for CheckLoad.
const (
	maxCPUPercent    = 80.0
	maxMemoryPercent = 90.0
	maxGPUPercent    = 80.0

	// CheckResources only warns above this CPU level.
	cpuWarnPercent = 90.0
)

// Monitor provides resource readings and the schedule predicate.
type Monitor struct {
	cfg *config.Config
	log hclog.Logger

	// Overridable in tests.
	gpuUtilization func() float64
}

// NewMonitor creates a resource monitor.
func NewMonitor(cfg *config.Config, log hclog.Logger) *Monitor {
	m := &Monitor{
		cfg: cfg,
		log: log.Named("resources"),
	}
	m.gpuUtilization = m.readGPUUtilization
	return m
}

// FreeSpaceMB returns the free space on the filesystem holding path.
func (m *Monitor) FreeSpaceMB(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("failed to read disk usage for %s: %w", path, err)
	}
	return usage.Free / (1024 * 1024), nil
}

// CheckResources reports whether a session may start: enough free space
// in the temp area and enough available memory. High CPU is only a
// warning here since the schedule gate handles load.
func (m *Monitor) CheckResources() error {
	freeMB, err := m.FreeSpaceMB(m.cfg.TempDir)
	if err != nil {
		// Fall back to the filesystem root when the temp dir does not
		// exist yet.
		freeMB, err = m.FreeSpaceMB("/")
		if err != nil {
			return fmt.Errorf("failed to check disk space: %w", err)
		}
	}
	if freeMB < m.cfg.MinFreeSpaceMB {
		return fmt.Errorf("insufficient disk space: %d MB free, %d MB required",
			freeMB, m.cfg.MinFreeSpaceMB)
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("failed to check memory: %w", err)
	}
	availableMB := vm.Available / (1024 * 1024)
	if availableMB < m.cfg.MinMemoryMB {
		return fmt.Errorf("insufficient memory: %d MB available, %d MB required",
			availableMB, m.cfg.MinMemoryMB)
	}

	if percents, err := cpu.Percent(time.Second, false); err == nil && len(percents) > 0 {
		if percents[0] > cpuWarnPercent {
			m.log.Warn("cpu usage is high", "percent", percents[0])
		}
	}

	return nil
}

// CheckLoad reports whether the host is light enough to encode: CPU,
// memory and GPU all under their thresholds. The GPU reading is
// best-effort and treated as idle when unreadable.
func (m *Monitor) CheckLoad() error {
	percents, err := cpu.Percent(time.Second, false)
	if err != nil {
		return fmt.Errorf("failed to read cpu load: %w", err)
	}
	if len(percents) > 0 && percents[0] > maxCPUPercent {
		return fmt.Errorf("cpu load too high: %.1f%%", percents[0])
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		return fmt.Errorf("failed to read memory usage: %w", err)
	}
	if vm.UsedPercent > maxMemoryPercent {
		return fmt.Errorf("memory usage too high: %.1f%%", vm.UsedPercent)
	}

	if gpu := m.gpuUtilization(); gpu > maxGPUPercent {
		return fmt.Errorf("gpu utilization too high: %.1f%%", gpu)
	}

	return nil
}

// WithinSchedule reports whether now falls inside the configured work
// window. With dynamic scheduling the host load must also be low.
func (m *Monitor) WithinSchedule(now time.Time) bool {
	hour := now.Hour()
	if hour < m.cfg.Schedule.StartHour || hour >= m.cfg.Schedule.EndHour {
		return false
	}
	if m.cfg.Schedule.DynamicScheduling {
		if err := m.CheckLoad(); err != nil {
			m.log.Debug("inside window but load too high", "reason", err)
			return false
		}
	}
	return true
}

// NextWindowStart returns the next time the window opens: today's
// start hour if still ahead, otherwise tomorrow's.
func (m *Monitor) NextWindowStart(now time.Time) time.Time {
	start := time.Date(now.Year(), now.Month(), now.Day(),
		m.cfg.Schedule.StartHour, 0, 0, 0, now.Location())
	if !start.After(now) {
		start = start.Add(24 * time.Hour)
	}
	return start
}

// readGPUUtilization queries nvidia-smi. Any failure reads as 0.
func (m *Monitor) readGPUUtilization() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=utilization.gpu", "--format=csv,noheader,nounits").Output()
	if err != nil {
		return 0
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(strings.Split(string(out), "\n")[0]), 64)
	if err != nil {
		return 0
	}
	return value
}
