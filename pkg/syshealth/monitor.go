package syshealth

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/emergent-company/catalog-sync/pkg/logger"
)

// PoolUsage reports database connection pool utilization in percent.
type PoolUsage func() float64

// sample is one collection round; ok flags say which signals were read.
type sample struct {
	loadAvg, ioWait, memPercent, dbPercent float64
	loadOK, ioOK, memOK                    bool
}

// signal weights sum to 1; I/O wait hurts indexing throughput the most.
var weights = struct{ io, cpu, db, mem float64 }{0.40, 0.30, 0.20, 0.10}

type pressureMonitor struct {
	cfg  *Config
	pool PoolUsage
	log  *slog.Logger

	mu      sync.RWMutex
	reading Reading

	// loop state, guarded by loopMu
	loopMu  sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	lastCPU        *cpu.TimesStat
	consecFailures int

	getLoadAvg  func(context.Context) (*load.AvgStat, error)
	getCPUTimes func(context.Context, bool) ([]cpu.TimesStat, error)
	getMemStats func(context.Context) (*mem.VirtualMemoryStat, error)
	getCPUCores func() int
}

// NewMonitor creates a monitor. A nil cfg uses DefaultConfig; a nil pool
// reports zero pool utilization.
func NewMonitor(cfg *Config, pool PoolUsage, log *slog.Logger) Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if pool == nil {
		pool = func() float64 { return 0 }
	}
	return &pressureMonitor{
		cfg:         cfg,
		pool:        pool,
		log:         log.With(logger.Scope("syshealth.monitor")),
		reading:     Reading{Headroom: 100, Pressure: PressureLow},
		getLoadAvg:  load.AvgWithContext,
		getCPUTimes: cpu.TimesWithContext,
		getMemStats: mem.VirtualMemoryWithContext,
		getCPUCores: runtime.NumCPU,
	}
}

func (m *pressureMonitor) Start() error {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.running {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	m.running = true

	go m.loop(ctx, m.done)
	m.log.Info("retry pressure monitor started", slog.Duration("interval", m.cfg.CollectionInterval))
	return nil
}

func (m *pressureMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.CollectionInterval)
	defer ticker.Stop()

	m.collect(ctx)
	for {
		select {
		case <-ticker.C:
			m.collect(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// Stop cancels the loop and waits for an in-flight collection to return.
func (m *pressureMonitor) Stop() error {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if !m.running {
		return nil
	}

	m.cancel()
	<-m.done
	m.running = false
	m.log.Info("retry pressure monitor stopped")
	return nil
}

func (m *pressureMonitor) Current() Reading {
	m.mu.RLock()
	out := m.reading
	m.mu.RUnlock()

	out.Stale = time.Since(out.At) > m.cfg.StalenessThreshold
	return out
}

// read gathers one sample. Failed signals are logged and left unset.
func (m *pressureMonitor) read(ctx context.Context) sample {
	var s sample

	if l, err := m.getLoadAvg(ctx); err != nil {
		m.log.Warn("load average unavailable", logger.Error(err))
	} else {
		s.loadAvg, s.loadOK = l.Load1, true
	}

	times, err := m.getCPUTimes(ctx, false)
	if err == nil && len(times) == 0 {
		err = errors.New("no cpu times returned")
	}
	if err != nil {
		m.log.Warn("cpu times unavailable", logger.Error(err))
	} else {
		cur := times[0]
		if prev := m.lastCPU; prev != nil {
			if total := cur.Total() - prev.Total(); total > 0 {
				s.ioWait = (cur.Iowait - prev.Iowait) / total * 100
			}
		}
		m.lastCPU = &cur
		s.ioOK = true
	}

	if v, err := m.getMemStats(ctx); err != nil {
		m.log.Warn("memory stats unavailable", logger.Error(err))
	} else {
		s.memPercent, s.memOK = v.UsedPercent, true
	}

	s.dbPercent = m.pool()
	return s
}

func (m *pressureMonitor) collect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.CollectionTimeout)
	defer cancel()

	s := m.read(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.reading
	if s.loadOK && s.ioOK && s.memOK {
		m.consecFailures = 0
	} else {
		m.consecFailures++
		if m.consecFailures >= 3 {
			m.log.Error("pressure sampling keeps failing", slog.Int("failures", m.consecFailures))
		}
	}
	// carry forward what could not be read this round
	if !s.loadOK {
		s.loadAvg = prev.Load1
	}
	if !s.ioOK {
		s.ioWait = prev.IOWaitPercent
	}
	if !s.memOK {
		s.memPercent = prev.MemoryPercent
	}

	headroom := m.headroom(s)
	pressure := pressureFor(headroom)
	if pressure != prev.Pressure {
		m.log.Warn("retry pressure changed",
			slog.String("from", string(prev.Pressure)),
			slog.String("to", string(pressure)),
			slog.Int("headroom", headroom))
	}

	m.reading = Reading{
		Headroom:      headroom,
		Pressure:      pressure,
		Load1:         s.loadAvg,
		IOWaitPercent: s.ioWait,
		MemoryPercent: s.memPercent,
		DBPoolPercent: s.dbPercent,
		At:            time.Now(),
	}

	Headroom.Set(float64(headroom))
	IOWaitPercent.Set(s.ioWait)
	CPULoadAvg.WithLabelValues("1m").Set(s.loadAvg)
	MemoryUtilization.Set(s.memPercent)
	DBPoolUtilization.Set(s.dbPercent)

	m.log.Debug("retry pressure sampled",
		slog.Int("headroom", headroom),
		slog.String("pressure", string(pressure)),
		slog.Float64("io_wait", s.ioWait),
		slog.Float64("cpu_load", s.loadAvg),
		slog.Float64("db_pool", s.dbPercent),
		slog.Float64("mem", s.memPercent))
}

// headroom maps a sample to 0..100; each signal past its warning threshold
// costs half its weight, past critical the full weight.
func (m *pressureMonitor) headroom(s sample) int {
	cores := float64(max(m.getCPUCores(), 1))
	c := m.cfg

	penalty := weights.io*penaltyFor(s.ioWait, c.IOWaitWarningPercent, c.IOWaitCriticalPercent) +
		weights.cpu*penaltyFor(s.loadAvg/cores, c.CPULoadWarningFactor, c.CPULoadCriticalFactor) +
		weights.db*penaltyFor(s.dbPercent, c.DBPoolWarningPercent, c.DBPoolCriticalPercent) +
		weights.mem*penaltyFor(s.memPercent, c.MemoryWarningPercent, c.MemoryCriticalPercent)

	return max(100-int(penalty), 0)
}

func penaltyFor(value, warning, critical float64) float64 {
	switch {
	case value >= critical:
		return 100
	case value >= warning:
		return 50
	default:
		return 0
	}
}
