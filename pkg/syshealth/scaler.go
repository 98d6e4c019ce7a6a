package syshealth

import (
	"sync"
	"time"
)

const (
	scaleDownCooldown = time.Minute
	scaleUpCooldown   = 5 * time.Minute
)

// ConcurrencyScaler adjusts worker concurrency based on retry pressure.
// Decreases apply after a one minute cooldown (immediately when critical);
// increases wait five minutes and grow by at most half the current value.
type ConcurrencyScaler struct {
	monitor        Monitor
	minConcurrency int
	maxConcurrency int
	enabled        bool
	workerType     string

	mu                 sync.Mutex
	currentConcurrency int
	lastAdjustment     time.Time
	now                func() time.Time
}

// NewConcurrencyScaler creates a new ConcurrencyScaler bounded by [min, max].
func NewConcurrencyScaler(monitor Monitor, workerType string, enabled bool, min, max int) *ConcurrencyScaler {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}

	return &ConcurrencyScaler{
		monitor:            monitor,
		workerType:         workerType,
		enabled:            enabled,
		minConcurrency:     min,
		maxConcurrency:     max,
		currentConcurrency: max,
		lastAdjustment:     time.Now(),
		now:                time.Now,
	}
}

// GetConcurrency returns the currently allowed concurrency. A disabled scaler
// (or one without a monitor) returns staticValue unchanged.
func (s *ConcurrencyScaler) GetConcurrency(staticValue int) int {
	if !s.enabled || s.monitor == nil {
		return staticValue
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pressure := s.monitor.Current().Effective()

	now := s.now()
	since := now.Sub(s.lastAdjustment)
	target := pressure.workers(s.minConcurrency, s.maxConcurrency)
	prev := s.currentConcurrency

	switch {
	case target < prev:
		if pressure == PressureHigh || since >= scaleDownCooldown {
			s.currentConcurrency = target
		}
	case target > prev:
		if since >= scaleUpCooldown {
			step := max(1, prev/2)
			s.currentConcurrency = min(target, prev+step)
		}
	}
	s.currentConcurrency = min(max(s.currentConcurrency, s.minConcurrency), s.maxConcurrency)

	if s.currentConcurrency != prev {
		s.lastAdjustment = now
		direction := "up"
		if s.currentConcurrency < prev {
			direction = "down"
		}
		WorkerAdjustments.WithLabelValues(s.workerType, direction, string(pressure)).Inc()
	}
	WorkerConcurrency.WithLabelValues(s.workerType).Set(float64(s.currentConcurrency))

	return s.currentConcurrency
}
