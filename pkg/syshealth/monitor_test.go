package syshealth

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMonitor(cfg *Config, pool PoolUsage) *pressureMonitor {
	m := NewMonitor(cfg, pool, slog.New(slog.DiscardHandler)).(*pressureMonitor)
	m.getCPUCores = func() int { return 4 }
	m.getLoadAvg = func(context.Context) (*load.AvgStat, error) { return &load.AvgStat{Load1: 1}, nil }
	m.getMemStats = func(context.Context) (*mem.VirtualMemoryStat, error) {
		return &mem.VirtualMemoryStat{UsedPercent: 50}, nil
	}
	m.getCPUTimes = func(context.Context, bool) ([]cpu.TimesStat, error) {
		return []cpu.TimesStat{{User: 100, System: 50, Idle: 850}}, nil
	}
	return m
}

// iowait returns CPU times whose delta from a zero baseline is pct% iowait.
func iowait(pct float64) func(context.Context, bool) ([]cpu.TimesStat, error) {
	return func(context.Context, bool) ([]cpu.TimesStat, error) {
		return []cpu.TimesStat{{User: 100 - pct, Iowait: pct}}, nil
	}
}

func TestMonitor_Headroom(t *testing.T) {
	tests := []struct {
		name         string
		ioWait       float64
		load         float64
		mem          float64
		pool         float64
		want         int
		wantPressure Pressure
	}{
		{"all calm", 0, 1, 50, 10, 100, PressureLow},
		{"io warning", 35, 1, 50, 10, 80, PressureLow},
		{"io critical", 45, 1, 50, 10, 60, PressureElevated},
		{"io critical and load warning", 45, 9, 50, 10, 45, PressureElevated},
		{"io and load critical", 45, 13, 50, 10, 30, PressureHigh},
		{"pool critical", 0, 1, 50, 95, 80, PressureLow},
		{"everything critical", 80, 20, 99, 99, 0, PressureHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newTestMonitor(DefaultConfig(), func() float64 { return tt.pool })
			m.lastCPU = &cpu.TimesStat{}
			m.getCPUTimes = iowait(tt.ioWait)
			m.getLoadAvg = func(context.Context) (*load.AvgStat, error) { return &load.AvgStat{Load1: tt.load}, nil }
			m.getMemStats = func(context.Context) (*mem.VirtualMemoryStat, error) {
				return &mem.VirtualMemoryStat{UsedPercent: tt.mem}, nil
			}

			m.collect(context.Background())

			h := m.Current()
			assert.Equal(t, tt.want, h.Headroom)
			assert.Equal(t, tt.wantPressure, h.Pressure)
			assert.InDelta(t, tt.ioWait, h.IOWaitPercent, 0.001)
			assert.Equal(t, tt.pool, h.DBPoolPercent)
		})
	}
}

func TestMonitor_FirstSampleHasNoIOWait(t *testing.T) {
	m := newTestMonitor(nil, nil)
	m.getCPUTimes = iowait(90)

	m.collect(context.Background())
	assert.Zero(t, m.Current().IOWaitPercent)
	assert.NotNil(t, m.lastCPU)
}

func TestMonitor_CarriesForwardFailedSignals(t *testing.T) {
	m := newTestMonitor(nil, nil)
	m.reading.Load1 = 1.5
	m.reading.IOWaitPercent = 5
	m.reading.MemoryPercent = 40

	boom := errors.New("proc unavailable")
	m.getLoadAvg = func(context.Context) (*load.AvgStat, error) { return nil, boom }
	m.getMemStats = func(context.Context) (*mem.VirtualMemoryStat, error) { return nil, boom }
	m.getCPUTimes = func(context.Context, bool) ([]cpu.TimesStat, error) { return nil, nil }

	m.collect(context.Background())
	h := m.Current()
	assert.Equal(t, 1.5, h.Load1)
	assert.Equal(t, 5.0, h.IOWaitPercent)
	assert.Equal(t, 40.0, h.MemoryPercent)
	assert.Equal(t, 1, m.consecFailures)

	m.collect(context.Background())
	m.collect(context.Background())
	assert.Equal(t, 3, m.consecFailures)

	// a clean round resets the streak
	m.getLoadAvg = func(context.Context) (*load.AvgStat, error) { return &load.AvgStat{}, nil }
	m.getMemStats = func(context.Context) (*mem.VirtualMemoryStat, error) { return &mem.VirtualMemoryStat{}, nil }
	m.getCPUTimes = iowait(0)
	m.collect(context.Background())
	assert.Zero(t, m.consecFailures)
}

func TestMonitor_Staleness(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StalenessThreshold = 100 * time.Millisecond
	m := newTestMonitor(cfg, nil)

	m.reading.At = time.Now()
	assert.False(t, m.Current().Stale)

	m.reading.At = time.Now().Add(-time.Second)
	assert.True(t, m.Current().Stale)
}

func TestMonitor_Lifecycle(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CollectionInterval = 10 * time.Millisecond
	m := newTestMonitor(cfg, nil)

	require.NoError(t, m.Start())
	require.NoError(t, m.Start())
	assert.Eventually(t, func() bool { return !m.Current().At.IsZero() }, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Stop())
	assert.False(t, m.running)
	require.NoError(t, m.Stop())
}

func TestLoadConfig(t *testing.T) {
	t.Setenv("SYSHEALTH_INTERVAL", "10s")
	t.Setenv("SYSHEALTH_IOWAIT_CRIT", "55")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, cfg.CollectionInterval)
	assert.Equal(t, 55.0, cfg.IOWaitCriticalPercent)
	assert.Equal(t, 30.0, cfg.IOWaitWarningPercent)

	t.Setenv("SYSHEALTH_INTERVAL", "0s")
	_, err = LoadConfig()
	assert.Error(t, err)
}
