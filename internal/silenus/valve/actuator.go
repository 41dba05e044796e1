// Package valve drives the dispenser's solenoid valve and enforces a minimum
// open dwell so the relay is never cycled faster than the hardware allows.
package valve

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/hardware"
)

// Config describes how the valve output is wired.
type Config struct {
	// ActiveHigh drives the pin high to open. Relay boards that switch on a
	// low level set this to false.
	ActiveHigh bool
	// MinOpen is the minimum time the valve stays open before Close commits.
	MinOpen time.Duration
}

// Actuator owns the valve output. All methods are safe for concurrent use.
type Actuator struct {
	pin   hardware.OutputPin
	cfg   Config
	clock clock.Clock

	mu       sync.Mutex
	open     bool
	openedAt time.Time
}

// New drives the pin to the closed level before returning, so a freshly
// constructed actuator is always in a known safe state.
func New(pin hardware.OutputPin, cfg Config, clk clock.Clock) (*Actuator, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	a := &Actuator{pin: pin, cfg: cfg, clock: clk}
	if err := a.write(false); err != nil {
		return nil, &hardware.Fault{Device: "valve", Op: "init", Err: err}
	}
	return a, nil
}

// Open opens the valve. It reports changed=false, without touching the pin,
// when the valve is already open.
func (a *Actuator) Open(_ context.Context) (changed bool, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.open {
		return false, nil
	}
	if err := a.write(true); err != nil {
		return false, &hardware.Fault{Device: "valve", Op: "open", Err: err}
	}
	a.open = true
	a.openedAt = a.clock.Now()
	return true, nil
}

// Close closes the valve, first waiting out whatever remains of the MinOpen
// dwell. The wait is bounded by MinOpen and aborted by ctx; an aborted wait
// still commits the close, because a valve must never be left open by a
// cancelled caller.
func (a *Actuator) Close(ctx context.Context) (changed bool, err error) {
	a.mu.Lock()
	if !a.open {
		a.mu.Unlock()
		return false, nil
	}
	wait := a.cfg.MinOpen - a.clock.Now().Sub(a.openedAt)
	a.mu.Unlock()

	if wait > 0 {
		_ = a.clock.Sleep(ctx, wait)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return false, nil
	}
	if err := a.write(false); err != nil {
		return false, &hardware.Fault{Device: "valve", Op: "close", Err: err}
	}
	a.open = false
	return true, nil
}

// ForceClose drives the pin closed immediately, ignoring dwell and the
// cached state. It is the shutdown and fault path.
func (a *Actuator) ForceClose() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.open = false
	if err := a.write(false); err != nil {
		return &hardware.Fault{Device: "valve", Op: "force_close", Err: err}
	}
	return nil
}

func (a *Actuator) IsOpen() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.open
}

func (a *Actuator) write(open bool) error {
	level := open
	if !a.cfg.ActiveHigh {
		level = !open
	}
	return a.pin.Set(level)
}
