// Package hardware defines the capability interfaces the dispenser drives
// (valve output, flow sensor edges) and the fault type raised when they fail.
//
// Real GPIO bindings live outside this module; the simulated devices here
// back dev mode and tests.
package hardware

import "fmt"

// OutputPin is a single digital output line (relay or MOSFET gate).
type OutputPin interface {
	Set(high bool) error
}

// PulseSource delivers falling-edge events from a flow sensor. Start must
// return promptly; onPulse is invoked from the source's own goroutine or
// interrupt context for every edge until Stop is called.
type PulseSource interface {
	Start(onPulse func()) error
	Stop() error
}

// Fault is a sensor or actuator I/O failure. It is fatal to the affected
// dispenser's loop.
type Fault struct {
	Device string // "valve", "flow_sensor", "reader"
	Op     string
	Err    error
}

func (f *Fault) Error() string {
	return fmt.Sprintf("hardware fault: %s %s: %v", f.Device, f.Op, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }
