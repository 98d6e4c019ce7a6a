package syshealth

import "time"

// Pressure is how hard the host and the database pool push back on retry
// sweeps. The retry processor sizes its worker pool from the pressure level;
// raw signals only feed the headroom score.
type Pressure string

const (
	PressureLow      Pressure = "low"      // headroom above 66
	PressureElevated Pressure = "elevated" // headroom 34..66
	PressureHigh     Pressure = "high"     // headroom 33 or less
)

func pressureFor(headroom int) Pressure {
	switch {
	case headroom <= 33:
		return PressureHigh
	case headroom <= 66:
		return PressureElevated
	default:
		return PressureLow
	}
}

// workers is the pool size a level allows within [lo, hi]: everything
// under low pressure, half under elevated, the floor under high.
func (p Pressure) workers(lo, hi int) int {
	switch p {
	case PressureHigh:
		return lo
	case PressureElevated:
		return max(lo, hi/2)
	default:
		return hi
	}
}

// Reading is one pressure sample. Headroom runs from 100 on an idle host
// down to 0; signal percentages are 0-100 and a signal that could not be
// read keeps its previous value.
type Reading struct {
	Headroom int
	Pressure Pressure

	Load1         float64
	IOWaitPercent float64
	MemoryPercent float64
	DBPoolPercent float64

	At    time.Time
	Stale bool
}

// Effective is the level to act on. A stale reading is trusted no further
// than elevated pressure.
func (r Reading) Effective() Pressure {
	if r.Stale && r.Pressure == PressureLow {
		return PressureElevated
	}
	return r.Pressure
}

// Monitor samples retry pressure in the background.
type Monitor interface {
	Start() error
	Stop() error
	// Current returns the latest reading, marked stale once older than
	// SYSHEALTH_STALE_AFTER.
	Current() Reading
}
