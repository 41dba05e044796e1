// Package flow turns flow-sensor edges into a smoothed flow rate and a
// lifetime cumulative volume.
package flow

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
)

// ErrInvalidCalibration is returned for a non-positive pulses-per-liter factor.
var ErrInvalidCalibration = errors.New("pulses_per_liter must be positive")

// maxWindow caps the timestamp window between flow-rate queries so a stalled
// poll loop cannot grow it without bound.
const maxWindow = 8192

// Sample is the latest reading derived from the counter.
type Sample struct {
	FlowRateMlPerMin   float64
	CumulativeVolumeMl float64
	At                 time.Time
}

// Counter is safe for RegisterPulse from an interrupt goroutine while the
// poll loop reads rates. The total is a lock-free atomic; only the timestamp
// window takes a short-held mutex.
type Counter struct {
	pulsesPerLiter float64
	retain         time.Duration
	clock          clock.Clock

	total atomic.Uint64

	mu     sync.Mutex
	window []time.Time
	head   int
}

// NewCounter builds a counter with the given calibration and smoothing
// window. Pulses older than max(1.5*smoothing, 1s) are discarded.
func NewCounter(pulsesPerLiter float64, smoothing time.Duration, clk clock.Clock) (*Counter, error) {
	if pulsesPerLiter <= 0 {
		return nil, ErrInvalidCalibration
	}
	if clk == nil {
		clk = clock.Real{}
	}
	retain := time.Duration(1.5 * float64(smoothing))
	if retain < time.Second {
		retain = time.Second
	}
	return &Counter{
		pulsesPerLiter: pulsesPerLiter,
		retain:         retain,
		clock:          clk,
		window:         make([]time.Time, 0, 256),
	}, nil
}

// RegisterPulse records one falling edge. It never blocks on I/O.
func (c *Counter) RegisterPulse() {
	c.total.Add(1)
	now := c.clock.Now()

	c.mu.Lock()
	if len(c.window)-c.head >= maxWindow {
		c.head++
	}
	c.window = append(c.window, now)
	c.mu.Unlock()
}

// CumulativeCount is the lifetime pulse total.
func (c *Counter) CumulativeCount() uint64 {
	return c.total.Load()
}

// CumulativeVolumeMl is the lifetime volume. It never decreases.
func (c *Counter) CumulativeVolumeMl() float64 {
	return float64(c.total.Load()) / (c.pulsesPerLiter / 1000)
}

// FlowRateMlPerMin estimates the current rate from the pulses left in the
// window after trimming stale entries. Fewer than two pulses reads as zero.
func (c *Counter) FlowRateMlPerMin() float64 {
	now := c.clock.Now()

	c.mu.Lock()
	c.trimLocked(now.Add(-c.retain))
	live := c.window[c.head:]
	n := len(live)
	var span time.Duration
	if n >= 2 {
		span = live[n-1].Sub(live[0])
	}
	c.mu.Unlock()

	if n < 2 {
		return 0
	}
	if span <= 0 {
		span = time.Microsecond
	}
	hz := float64(n-1) / span.Seconds()
	return hz / c.pulsesPerLiter * 60 * 1000
}

// Sample reads rate and volume together.
func (c *Counter) Sample() Sample {
	rate := c.FlowRateMlPerMin()
	return Sample{
		FlowRateMlPerMin:   rate,
		CumulativeVolumeMl: c.CumulativeVolumeMl(),
		At:                 c.clock.Now(),
	}
}

// trimLocked drops entries before cutoff and compacts the backing array
// once the dead prefix dominates it.
func (c *Counter) trimLocked(cutoff time.Time) {
	for c.head < len(c.window) && c.window[c.head].Before(cutoff) {
		c.head++
	}
	if c.head == len(c.window) {
		c.window = c.window[:0]
		c.head = 0
		return
	}
	if c.head > 0 && c.head >= len(c.window)/2 {
		n := copy(c.window, c.window[c.head:])
		c.window = c.window[:n]
		c.head = 0
	}
}
