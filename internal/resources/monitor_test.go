package resources

import (
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/shrinkray/internal/config"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	cfg := config.Default()
	cfg.Schedule.StartHour = 2
	cfg.Schedule.EndHour = 6
	cfg.Schedule.DynamicScheduling = false
	cfg.TempDir = t.TempDir()
	return NewMonitor(cfg, hclog.NewNullLogger())
}

func TestWithinScheduleBoundaries(t *testing.T) {
	m := newTestMonitor(t)

	at := func(hour int) time.Time {
		return time.Date(2025, 6, 1, hour, 30, 0, 0, time.Local)
	}

	assert.False(t, m.WithinSchedule(at(1)))
	assert.True(t, m.WithinSchedule(at(2)), "start hour is inclusive")
	assert.True(t, m.WithinSchedule(at(5)))
	assert.False(t, m.WithinSchedule(at(6)), "end hour is exclusive")
	assert.False(t, m.WithinSchedule(at(23)))
}

func TestNextWindowStart(t *testing.T) {
	m := newTestMonitor(t)

	before := time.Date(2025, 6, 1, 1, 0, 0, 0, time.Local)
	next := m.NextWindowStart(before)
	assert.Equal(t, time.Date(2025, 6, 1, 2, 0, 0, 0, time.Local), next)

	after := time.Date(2025, 6, 1, 10, 0, 0, 0, time.Local)
	next = m.NextWindowStart(after)
	assert.Equal(t, time.Date(2025, 6, 2, 2, 0, 0, 0, time.Local), next)
}

func TestFreeSpaceMB(t *testing.T) {
	m := newTestMonitor(t)
	free, err := m.FreeSpaceMB(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, free, uint64(0))
}

func TestCheckResourcesInsufficientDisk(t *testing.T) {
	m := newTestMonitor(t)
	// No filesystem has this much free space.
	m.cfg.MinFreeSpaceMB = 1 << 40
	assert.Error(t, m.CheckResources())
}

func TestCheckLoadGPUThreshold(t *testing.T) {
	m := newTestMonitor(t)
	m.gpuUtilization = func() float64 { return 95 }
	assert.Error(t, m.CheckLoad())
}
