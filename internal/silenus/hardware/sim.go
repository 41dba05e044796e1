package hardware

import (
	"errors"
	"sync"
	"time"
)

// ErrSimulatedFailure is returned by SimPin when failure injection is on.
var ErrSimulatedFailure = errors.New("simulated pin failure")

// SimPin records the level written to it. Fail makes every subsequent Set
// return ErrSimulatedFailure.
type SimPin struct {
	mu      sync.Mutex
	high    bool
	writes  int
	failing bool
	onSet   func(high bool)
}

func NewSimPin() *SimPin { return &SimPin{} }

func (p *SimPin) Set(high bool) error {
	p.mu.Lock()
	if p.failing {
		p.mu.Unlock()
		return ErrSimulatedFailure
	}
	p.high = high
	p.writes++
	cb := p.onSet
	p.mu.Unlock()
	if cb != nil {
		cb(high)
	}
	return nil
}

func (p *SimPin) High() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.high
}

func (p *SimPin) Writes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.writes
}

func (p *SimPin) Fail(on bool) {
	p.mu.Lock()
	p.failing = on
	p.mu.Unlock()
}

// SimTap couples a SimPin to a pulse generator: while the pin is driven to
// the active level the tap emits pulses at PulsesPerSecond, as if liquid
// were flowing through the sensor.
type SimTap struct {
	Pin             *SimPin
	ActiveHigh      bool
	PulsesPerSecond float64

	mu      sync.Mutex
	flowing bool
	onPulse func()
	stop    chan struct{}
	done    chan struct{}
}

func NewSimTap(activeHigh bool, pulsesPerSecond float64) *SimTap {
	t := &SimTap{
		Pin:             NewSimPin(),
		ActiveHigh:      activeHigh,
		PulsesPerSecond: pulsesPerSecond,
	}
	t.Pin.onSet = func(high bool) {
		t.mu.Lock()
		t.flowing = high == t.ActiveHigh
		t.mu.Unlock()
	}
	return t
}

func (t *SimTap) Start(onPulse func()) error {
	if t.PulsesPerSecond <= 0 {
		return errors.New("sim tap: pulses per second must be positive")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stop != nil {
		return errors.New("sim tap: already started")
	}
	t.onPulse = onPulse
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.loop(time.Duration(float64(time.Second)/t.PulsesPerSecond), t.stop, t.done)
	return nil
}

func (t *SimTap) Stop() error {
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.stop = nil
	t.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (t *SimTap) loop(every time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			t.mu.Lock()
			flowing, cb := t.flowing, t.onPulse
			t.mu.Unlock()
			if flowing && cb != nil {
				cb()
			}
		}
	}
}
