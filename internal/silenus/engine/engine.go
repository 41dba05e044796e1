// Package engine runs the dispensing session state machine for one
// dispenser: it fuses tag presence with the flow meter, opens and closes the
// valve, enforces the volume quota and reconciles the session into the
// ledger when it ends.
//
// A single goroutine (Run, or a test calling Step) owns all session state.
// Snapshot and RequestClose are the only methods safe to call from others.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/authz"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/hardware"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/ledger"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/tag"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/metrics"
)

type State string

const (
	StateIdle        State = "idle"
	StateAuthorizing State = "authorizing"
	StatePouring     State = "pouring"
	StateClosing     State = "closing"
)

var (
	ErrNoDispenserID = errors.New("engine: dispenser id required")
	ErrInvalidUnit   = errors.New("engine: unit_ml must be positive")
	ErrFaulted       = errors.New("engine: dispenser is faulted")
)

// Meter is the read side of the flow counter.
type Meter interface {
	CumulativeVolumeMl() float64
	FlowRateMlPerMin() float64
}

// Valve is the actuator the engine drives.
type Valve interface {
	Open(ctx context.Context) (bool, error)
	Close(ctx context.Context) (bool, error)
	ForceClose() error
	IsOpen() bool
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(ev types.Event)
}

type Config struct {
	DispenserID string
	LiquidLabel string
	UnitMl      float64

	PollInterval   time.Duration
	UpdateInterval time.Duration
	GracePeriod    time.Duration
	ZeroFlowDwell  time.Duration
	AuthTimeout    time.Duration

	// QuotaEpsilonMl closes a session slightly before the quota so meter
	// jitter cannot overshoot it.
	QuotaEpsilonMl float64
	// ZeroFlowMlPerMin is the rate at or below which the tap counts as idle.
	ZeroFlowMlPerMin float64
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 50 * time.Millisecond
	}
	if c.UpdateInterval <= 0 {
		c.UpdateInterval = 500 * time.Millisecond
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = 300 * time.Millisecond
	}
	if c.ZeroFlowDwell <= 0 {
		c.ZeroFlowDwell = 2 * time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 3 * time.Second
	}
	if c.QuotaEpsilonMl < 0 {
		c.QuotaEpsilonMl = 0
	}
	return c
}

// Deps are the engine's collaborators. Ledger, Sessions, Events and Metrics
// may be nil.
type Deps struct {
	Gateway  tag.Gateway
	Meter    Meter
	Valve    Valve
	Auth     authz.Client
	Ledger   ledger.Debiter
	Sessions store.SessionStore
	Events   Publisher
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Registry

	// OnFault is called once when a hardware fault stops the loop.
	OnFault func(dispenserID string, err error)
}

type Engine struct {
	cfg     Config
	gateway tag.Gateway
	meter   Meter
	valve   Valve
	auth    authz.Client
	ledger  ledger.Debiter
	store   store.SessionStore
	events  Publisher
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Registry
	onFault func(string, error)

	updates *rate.Limiter
	closeCh chan store.CloseReason

	// Loop-owned state.
	state   State
	sess    *session
	seenUID string
	seenAt  time.Time
	lastMsg string
	faulted bool

	statusMu sync.Mutex
	status   types.DispenserStatus
}

type session struct {
	id        string
	uid       string
	decision  authz.Decision
	startMl   float64
	lastMl    float64
	openedAt  time.Time
	lastSeen  time.Time
	zeroSince time.Time
	zeroMl    float64
}

func (s *session) consumed(cumulative float64) float64 {
	return max(0, cumulative-s.startMl)
}

func New(cfg Config, deps Deps) (*Engine, error) {
	if cfg.DispenserID == "" {
		return nil, ErrNoDispenserID
	}
	if cfg.UnitMl <= 0 {
		return nil, ErrInvalidUnit
	}
	if deps.Gateway == nil || deps.Meter == nil || deps.Valve == nil || deps.Auth == nil {
		return nil, fmt.Errorf("engine %s: gateway, meter, valve and auth are required", cfg.DispenserID)
	}
	cfg = cfg.withDefaults()
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := &Engine{
		cfg:     cfg,
		gateway: deps.Gateway,
		meter:   deps.Meter,
		valve:   deps.Valve,
		auth:    deps.Auth,
		ledger:  deps.Ledger,
		store:   deps.Sessions,
		events:  deps.Events,
		clock:   deps.Clock,
		logger:  deps.Logger.With("dispenser_id", cfg.DispenserID),
		metrics: deps.Metrics,
		onFault: deps.OnFault,
		updates: rate.NewLimiter(rate.Every(cfg.UpdateInterval), 1),
		closeCh: make(chan store.CloseReason, 1),
		state:   StateIdle,
	}
	e.publishStatus(e.clock.Now())
	return e, nil
}

func (e *Engine) DispenserID() string { return e.cfg.DispenserID }

// Run polls until ctx is done or a hardware fault occurs. An open session is
// closed as a shutdown before Run returns; a fault is returned.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started", "poll_interval", e.cfg.PollInterval.String())
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := e.Step(ctx); err != nil {
			if errors.Is(err, ErrFaulted) {
				return err
			}
			var fault *hardware.Fault
			if errors.As(err, &fault) {
				return err
			}
			e.logger.Warn("engine step failed", "error", err)
		}

		select {
		case <-ctx.Done():
			e.Shutdown(context.WithoutCancel(ctx))
			e.logger.Info("engine stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Shutdown closes any open session and forces the valve shut.
func (e *Engine) Shutdown(ctx context.Context) {
	if e.sess != nil {
		if err := e.closeSession(ctx, store.CloseShutdown); err != nil {
			e.logger.Error("close on shutdown", "error", err)
		}
	}
	if err := e.valve.ForceClose(); err != nil {
		e.logger.Error("force close on shutdown", "error", err)
	}
	e.metrics.SetValve(e.cfg.DispenserID, false)
	e.publishStatus(e.clock.Now())
}

// RequestClose asks the loop to end the current session with reason at its
// next step. It reports false when no session is open.
func (e *Engine) RequestClose(reason store.CloseReason) bool {
	if e.Snapshot().SessionID == "" {
		return false
	}
	select {
	case e.closeCh <- reason:
	default:
	}
	return true
}

func (e *Engine) Snapshot() types.DispenserStatus {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	return e.status
}

// fault forces the valve closed and marks the dispenser faulted. The open
// session, if any, is reconciled for whatever was metered.
func (e *Engine) fault(ctx context.Context, err error) error {
	if e.faulted {
		return err
	}
	e.faulted = true
	if ferr := e.valve.ForceClose(); ferr != nil {
		e.logger.Error("force close after fault failed", "error", ferr)
	}
	if e.sess != nil {
		_ = e.closeSession(ctx, store.CloseFault)
	}
	e.state = StateIdle
	e.lastMsg = err.Error()
	e.metrics.HardwareFault(e.cfg.DispenserID)
	e.metrics.SetValve(e.cfg.DispenserID, false)
	e.logger.Error("hardware fault, dispenser halted", "error", err)
	e.publishStatus(e.clock.Now())
	if e.onFault != nil {
		e.onFault(e.cfg.DispenserID, err)
	}
	return err
}

func (e *Engine) publishStatus(now time.Time) {
	st := types.DispenserStatus{
		DispenserID:  e.cfg.DispenserID,
		LiquidLabel:  e.cfg.LiquidLabel,
		State:        string(e.state),
		ValveOpen:    e.valve.IsOpen(),
		FlowRate:     e.meter.FlowRateMlPerMin(),
		CumulativeMl: e.meter.CumulativeVolumeMl(),
		Message:      e.lastMsg,
		Faulted:      e.faulted,
		ServerTime:   now.UTC().Format(time.RFC3339),
	}
	if s := e.sess; s != nil {
		st.UID = s.uid
		st.SessionID = s.id
		st.ConsumedMl = s.consumed(st.CumulativeMl)
		if !s.decision.Unlimited {
			st.QuotaMl = s.decision.QuotaMl
		}
	}
	e.statusMu.Lock()
	e.status = st
	e.statusMu.Unlock()
}

func (e *Engine) emit(ev types.Event) {
	if e.events == nil {
		return
	}
	ev.DispenserID = e.cfg.DispenserID
	if ev.At.IsZero() {
		ev.At = e.clock.Now().UTC()
	}
	e.events.Publish(ev)
}

func (e *Engine) newLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Every(e.cfg.UpdateInterval), 1)
}
