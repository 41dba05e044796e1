package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/authz"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/engine"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/flow"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/hardware"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/ledger"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store/memory"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/tag"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/valve"
	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/logger"
)

const poll = 50 * time.Millisecond

type captured struct {
	mu     sync.Mutex
	events []types.Event
}

func (c *captured) Publish(ev types.Event) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *captured) ofType(t types.EventType) []types.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []types.Event
	for _, ev := range c.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

type rig struct {
	t        *testing.T
	clk      *clock.Fake
	tag      *tag.Scripted
	meter    *flow.Counter
	pin      *hardware.SimPin
	valve    *valve.Actuator
	ledger   *memory.Ledger
	sessions *memory.Sessions
	events   *captured
	eng      *engine.Engine
	faults   atomic.Int32
}

// newRig builds an engine on a 1 pulse = 1 ml meter with unit_ml 100.
func newRig(t *testing.T, auth authz.Client) *rig {
	t.Helper()
	r := &rig{
		t:        t,
		clk:      clock.NewFake(time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)),
		tag:      tag.NewScripted(),
		pin:      hardware.NewSimPin(),
		ledger:   memory.NewLedger(),
		sessions: memory.NewSessions(),
		events:   &captured{},
	}
	var err error
	r.meter, err = flow.NewCounter(1000, 500*time.Millisecond, r.clk)
	if err != nil {
		t.Fatalf("NewCounter: %v", err)
	}
	r.valve, err = valve.New(r.pin, valve.Config{ActiveHigh: true, MinOpen: 100 * time.Millisecond}, r.clk)
	if err != nil {
		t.Fatalf("valve.New: %v", err)
	}
	r.eng, err = engine.New(engine.Config{
		DispenserID:    "tap-1",
		LiquidLabel:    "IPA",
		UnitMl:         100,
		PollInterval:   poll,
		UpdateInterval: 500 * time.Millisecond,
		GracePeriod:    300 * time.Millisecond,
		ZeroFlowDwell:  2 * time.Second,
		AuthTimeout:    50 * time.Millisecond,
		QuotaEpsilonMl: 0.5,
	}, engine.Deps{
		Gateway:  r.tag,
		Meter:    r.meter,
		Valve:    r.valve,
		Auth:     auth,
		Ledger:   ledger.NewReconciler(r.ledger, r.clk, logger.Discard(), nil),
		Sessions: r.sessions,
		Events:   r.events,
		Clock:    r.clk,
		Logger:   logger.Discard(),
		OnFault:  func(string, error) { r.faults.Add(1) },
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return r
}

// fund creates an account for uid holding balance.
func (r *rig) fund(uid string, balance types.Units) store.Account {
	r.t.Helper()
	ctx := context.Background()
	acct, err := r.ledger.UpsertAccount(ctx, store.AccountSpec{UID: uid, Label: uid, Active: true}, r.clk.Now())
	if err != nil {
		r.t.Fatalf("UpsertAccount: %v", err)
	}
	rec := ledger.NewReconciler(r.ledger, r.clk, logger.Discard(), nil)
	if _, err := rec.Credit(ctx, acct.ID, balance, "seed"); err != nil {
		r.t.Fatalf("Credit: %v", err)
	}
	return acct
}

// step registers pulses, runs one poll and advances the clock.
func (r *rig) step(pulses int) error {
	for range pulses {
		r.meter.RegisterPulse()
	}
	err := r.eng.Step(context.Background())
	r.clk.Advance(poll)
	return err
}

func (r *rig) mustStep(pulses int) {
	r.t.Helper()
	if err := r.step(pulses); err != nil {
		r.t.Fatalf("Step: %v", err)
	}
}

func (r *rig) state() engine.State { return engine.State(r.eng.Snapshot().State) }

func counted(n *atomic.Int32, next authz.Client) authz.Client {
	return authz.ClientFunc(func(ctx context.Context, uid, dispenserID string) (authz.Decision, error) {
		n.Add(1)
		return next.Authorize(ctx, uid, dispenserID)
	})
}

func quotaFor(acctID string, quotaMl float64) authz.Client {
	return authz.ClientFunc(func(context.Context, string, string) (authz.Decision, error) {
		return authz.Decision{Authorized: true, AccountID: acctID, QuotaMl: quotaMl, Balance: 1000}, nil
	})
}

// ═══════════════════════════════════════════════════════════════════
// Scenarios
// ═══════════════════════════════════════════════════════════════════

func TestQuotaReachedClosesAndDebits(t *testing.T) {
	var acctID string
	r := newRig(t, authz.ClientFunc(func(context.Context, string, string) (authz.Decision, error) {
		return authz.Decision{Authorized: true, AccountID: acctID, QuotaMl: 500, Balance: 1000}, nil
	}))
	acctID = r.fund("AABBCC11", 1000).ID

	r.tag.Present("AABBCC11")
	r.mustStep(0)
	if r.state() != engine.StatePouring || !r.valve.IsOpen() {
		t.Fatalf("expected pouring with valve open, got %s open=%v", r.state(), r.valve.IsOpen())
	}
	if len(r.events.ofType(types.EventPourStart)) != 1 {
		t.Fatalf("expected one pour_start")
	}

	for i := 0; i < 25 && r.state() == engine.StatePouring; i++ {
		r.mustStep(20)
	}
	if r.state() != engine.StateIdle {
		t.Fatalf("expected idle after quota, got %s", r.state())
	}
	if r.valve.IsOpen() || r.pin.High() {
		t.Fatalf("valve should be closed")
	}

	ends := r.events.ofType(types.EventPourEnd)
	if len(ends) != 1 {
		t.Fatalf("expected one pour_end, got %d", len(ends))
	}
	end := ends[0]
	if end.VolumeMl != 500 {
		t.Errorf("pour_end volume: got %v, want 500", end.VolumeMl)
	}
	if end.Message != string(store.CloseQuota) {
		t.Errorf("pour_end message: %q", end.Message)
	}
	if end.ChargedUnits == nil || *end.ChargedUnits != 500 {
		t.Fatalf("charged: got %v, want 5.00", end.ChargedUnits)
	}
	if end.Balance == nil || *end.Balance != 500 {
		t.Fatalf("balance: got %v, want 5.00", end.Balance)
	}

	recs, err := r.sessions.ListSessions(context.Background(), store.SessionFilter{DispenserID: "tap-1"})
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(recs) != 1 || recs[0].Open() || recs[0].CloseReason != store.CloseQuota || recs[0].DeltaMl != 500 {
		t.Fatalf("unexpected session record: %+v", recs)
	}
	if recs[0].LiquidLabel != "IPA" || recs[0].UnitMl != 100 {
		t.Errorf("snapshot fields: %+v", recs[0])
	}
}

func TestQuotaChargeClampedToBalance(t *testing.T) {
	var acctID string
	r := newRig(t, authz.ClientFunc(func(context.Context, string, string) (authz.Decision, error) {
		return authz.Decision{Authorized: true, AccountID: acctID, QuotaMl: 500}, nil
	}))
	// Quota claims 500 ml but the account only holds 3.00 units (300 ml).
	acctID = r.fund("AABBCC11", 300).ID

	r.tag.Present("AABBCC11")
	r.mustStep(0)
	for i := 0; i < 30 && r.state() == engine.StatePouring; i++ {
		r.mustStep(20)
	}
	end := r.events.ofType(types.EventPourEnd)[0]
	if *end.ChargedUnits != 300 || *end.Balance != 0 {
		t.Fatalf("expected clamp to 3.00 and balance 0, got %v / %v", *end.ChargedUnits, *end.Balance)
	}
}

func TestUnknownTokenIsRejectedOnce(t *testing.T) {
	var calls atomic.Int32
	r := newRig(t, counted(&calls, authz.ClientFunc(func(context.Context, string, string) (authz.Decision, error) {
		return authz.Decision{Reason: authz.ReasonUnknownCard}, nil
	})))

	r.tag.Present("DEADBEEF")
	for range 10 {
		r.mustStep(0)
	}
	if r.valve.IsOpen() || r.pin.Writes() != 1 {
		t.Fatalf("valve must stay closed, writes=%d", r.pin.Writes())
	}
	fails := r.events.ofType(types.EventAuthFail)
	if len(fails) != 1 {
		t.Fatalf("expected one auth_fail, got %d", len(fails))
	}
	if fails[0].Message != authz.ReasonUnknownCard {
		t.Errorf("message: %q", fails[0].Message)
	}
	recs, _ := r.sessions.ListSessions(context.Background(), store.SessionFilter{})
	if len(recs) != 0 {
		t.Fatalf("no session should be created, got %d", len(recs))
	}
	if calls.Load() != 1 {
		t.Fatalf("expected one authorization, got %d", calls.Load())
	}
}

func TestRemovalIsDebounced(t *testing.T) {
	var acctID string
	r := newRig(t, authz.ClientFunc(func(context.Context, string, string) (authz.Decision, error) {
		return authz.Decision{Authorized: true, AccountID: acctID, QuotaMl: 1000}, nil
	}))
	acctID = r.fund("AABBCC11", 1000).ID

	r.tag.Present("AABBCC11")
	r.mustStep(0)
	for range 10 {
		r.mustStep(20)
	}

	// 150 ms gap, then the tag comes back.
	r.tag.Remove()
	for range 3 {
		r.mustStep(0)
	}
	r.tag.Present("AABBCC11")
	r.mustStep(0)
	if r.state() != engine.StatePouring {
		t.Fatalf("short absence closed the session: %s", r.state())
	}
	if len(r.events.ofType(types.EventPourEnd)) != 0 {
		t.Fatalf("unexpected pour_end")
	}

	r.tag.Remove()
	for range 8 {
		r.mustStep(0)
	}
	if r.state() != engine.StateIdle {
		t.Fatalf("expected idle after 400ms absence, got %s", r.state())
	}
	ends := r.events.ofType(types.EventPourEnd)
	if len(ends) != 1 || ends[0].VolumeMl != 200 {
		t.Fatalf("expected one pour_end of 200 ml, got %+v", ends)
	}
	if ends[0].Message != string(store.CloseTokenRemoved) {
		t.Errorf("message: %q", ends[0].Message)
	}
	if len(r.events.ofType(types.EventCardRemoved)) != 1 {
		t.Errorf("expected card_removed")
	}
}

func TestSingleMissedReadKeepsSession(t *testing.T) {
	r := newRig(t, quotaFor("", 1000))
	r.tag.Present("AABBCC11")
	r.mustStep(0)
	r.tag.Miss(1)
	for range 5 {
		r.mustStep(10)
	}
	if r.state() != engine.StatePouring {
		t.Fatalf("flicker closed the session")
	}
}

func TestZeroFlowClosesWithTokenPresent(t *testing.T) {
	var (
		acctID string
		calls  atomic.Int32
	)
	base := counted(&calls, authz.ClientFunc(func(context.Context, string, string) (authz.Decision, error) {
		return authz.Decision{Authorized: true, AccountID: acctID, QuotaMl: 1000}, nil
	}))
	cached := authz.NewCached(base, authz.NewMemoryCache(nil), time.Hour, logger.Discard(), nil)
	r := newRig(t, cached)
	acctID = r.fund("AABBCC11", 1000).ID

	r.tag.Present("AABBCC11")
	r.mustStep(0)
	r.mustStep(100)

	// 1.9 s into the quiet window the pour is still live.
	for range 38 {
		r.mustStep(0)
	}
	if r.state() != engine.StatePouring {
		t.Fatalf("closed before the zero-flow dwell elapsed, got %s", r.state())
	}
	if len(r.events.ofType(types.EventPourEnd)) != 0 {
		t.Fatalf("pour_end emitted before the dwell elapsed")
	}

	// 2.5 s of no flow in total with the token in place.
	for range 12 {
		r.mustStep(0)
	}
	if r.state() != engine.StateIdle {
		t.Fatalf("expected zero-flow close, got %s", r.state())
	}
	ends := r.events.ofType(types.EventPourEnd)
	if len(ends) != 1 || ends[0].Message != string(store.CloseZeroFlow) || ends[0].VolumeMl != 100 {
		t.Fatalf("unexpected pour_end: %+v", ends)
	}

	// Still present: no new session until it is re-presented.
	for range 10 {
		r.mustStep(0)
	}
	if len(r.events.ofType(types.EventPourStart)) != 1 {
		t.Fatalf("same presentation opened a second session")
	}

	r.tag.Remove()
	for range 8 {
		r.mustStep(0)
	}
	r.tag.Present("AABBCC11")
	r.mustStep(0)
	if r.state() != engine.StatePouring {
		t.Fatalf("re-presented token should pour again, got %s", r.state())
	}
	// The cached decision was dropped at close, so the backend was asked again.
	if calls.Load() != 2 {
		t.Fatalf("expected 2 backend authorizations, got %d", calls.Load())
	}
}

// ═══════════════════════════════════════════════════════════════════
// Edge cases
// ═══════════════════════════════════════════════════════════════════

func TestTokenSwitchClosesBeforeNewSession(t *testing.T) {
	r := newRig(t, quotaFor("", 1000))
	r.tag.Present("AAAA0001")
	r.mustStep(0)
	r.mustStep(50)
	first := r.eng.Snapshot().SessionID

	r.tag.Present("BBBB0002")
	r.mustStep(0)

	snap := r.eng.Snapshot()
	if snap.State != string(engine.StatePouring) || snap.UID != "BBBB0002" || snap.SessionID == first {
		t.Fatalf("expected new session for second token, got %+v", snap)
	}
	ends := r.events.ofType(types.EventPourEnd)
	if len(ends) != 1 || ends[0].UID != "AAAA0001" || ends[0].Message != string(store.CloseTokenSwitch) {
		t.Fatalf("unexpected pour_end: %+v", ends)
	}
	rec, err := r.sessions.Session(context.Background(), first)
	if err != nil || rec.Open() {
		t.Fatalf("first session should be closed: %+v %v", rec, err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	var acctID string
	r := newRig(t, authz.ClientFunc(func(context.Context, string, string) (authz.Decision, error) {
		return authz.Decision{Authorized: true, AccountID: acctID, QuotaMl: 1000}, nil
	}))
	acctID = r.fund("AABBCC11", 1000).ID

	r.tag.Present("AABBCC11")
	r.mustStep(0)
	r.mustStep(40)

	if !r.eng.RequestClose(store.CloseManual) {
		t.Fatalf("RequestClose should report an open session")
	}
	r.eng.RequestClose(store.CloseManual)
	r.mustStep(0)
	r.mustStep(0)
	r.eng.Shutdown(context.Background())
	r.eng.Shutdown(context.Background())

	if n := len(r.events.ofType(types.EventPourEnd)); n != 1 {
		t.Fatalf("expected one pour_end, got %d", n)
	}
	entries, err := r.ledger.Entries(context.Background(), acctID, 0)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	debits := 0
	for _, e := range entries {
		if e.Kind == store.EntryDebit {
			debits++
		}
	}
	if debits != 1 {
		t.Fatalf("expected one debit, got %d", debits)
	}
	if r.eng.RequestClose(store.CloseManual) {
		t.Fatalf("RequestClose with no session should report false")
	}
}

func TestAuthTimeoutIsNotAuthorized(t *testing.T) {
	r := newRig(t, authz.ClientFunc(func(ctx context.Context, _, _ string) (authz.Decision, error) {
		<-ctx.Done()
		return authz.Decision{}, ctx.Err()
	}))
	r.tag.Present("AABBCC11")
	r.mustStep(0)

	if r.valve.IsOpen() {
		t.Fatalf("valve opened without authorization")
	}
	fails := r.events.ofType(types.EventAuthFail)
	if len(fails) != 1 || fails[0].Message != authz.ReasonUnreachable {
		t.Fatalf("expected backend_unreachable auth_fail, got %+v", fails)
	}
}

func TestZeroQuotaIsInsufficientBalance(t *testing.T) {
	r := newRig(t, authz.ClientFunc(func(context.Context, string, string) (authz.Decision, error) {
		return authz.Decision{Authorized: true, AccountID: "acct_x", QuotaMl: 0}, nil
	}))
	r.tag.Present("AABBCC11")
	r.mustStep(0)

	if r.valve.IsOpen() || r.state() != engine.StateIdle {
		t.Fatalf("zero quota must not pour")
	}
	if len(r.events.ofType(types.EventInsufficientBalance)) != 1 {
		t.Fatalf("expected insufficient_balance event")
	}
	if len(r.events.ofType(types.EventAuthFail)) != 0 {
		t.Fatalf("unexpected auth_fail")
	}
}

func TestPourUpdatesAreThrottled(t *testing.T) {
	r := newRig(t, quotaFor("", 100000))
	r.tag.Present("AABBCC11")
	r.mustStep(0)
	// 40 polls of 50 ms = 2 s of pouring at a 500 ms update interval.
	for range 40 {
		r.mustStep(5)
	}
	n := len(r.events.ofType(types.EventPourUpdate))
	if n < 4 || n > 5 {
		t.Fatalf("expected 4-5 pour_update events, got %d", n)
	}
}

func TestValveFaultHaltsDispenser(t *testing.T) {
	var acctID string
	r := newRig(t, authz.ClientFunc(func(context.Context, string, string) (authz.Decision, error) {
		return authz.Decision{Authorized: true, AccountID: acctID, QuotaMl: 30}, nil
	}))
	acctID = r.fund("AABBCC11", 1000).ID

	r.tag.Present("AABBCC11")
	r.mustStep(0)
	r.pin.Fail(true)

	err := r.step(40)
	var fault *hardware.Fault
	if !errors.As(err, &fault) {
		t.Fatalf("expected hardware fault, got %v", err)
	}
	if !r.eng.Snapshot().Faulted {
		t.Fatalf("snapshot should report faulted")
	}
	if r.faults.Load() != 1 {
		t.Fatalf("OnFault should fire once, got %d", r.faults.Load())
	}
	if err := r.step(0); !errors.Is(err, engine.ErrFaulted) {
		t.Fatalf("expected ErrFaulted, got %v", err)
	}
	// The metered volume was still reconciled.
	ends := r.events.ofType(types.EventPourEnd)
	if len(ends) != 1 || ends[0].ChargedUnits == nil {
		t.Fatalf("expected pour_end with a charge, got %+v", ends)
	}
}

func TestNegativeDeltaClampsToZero(t *testing.T) {
	r := newRig(t, quotaFor("", 1000))
	r.tag.Present("AABBCC11")
	r.mustStep(20)
	r.tag.Remove()
	for range 8 {
		r.mustStep(0)
	}
	for _, ev := range r.events.ofType(types.EventPourEnd) {
		if ev.VolumeMl < 0 {
			t.Fatalf("negative volume: %v", ev.VolumeMl)
		}
	}
}

func TestRunShutdownClosesOpenSession(t *testing.T) {
	var acctID string
	r := newRig(t, authz.ClientFunc(func(context.Context, string, string) (authz.Decision, error) {
		return authz.Decision{Authorized: true, AccountID: acctID, QuotaMl: 1000, Balance: 1000}, nil
	}))
	acctID = r.fund("AABBCC11", 1000).ID
	r.tag.Present("AABBCC11")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.eng.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for r.state() != engine.StatePouring {
		if time.Now().After(deadline) {
			t.Fatalf("session never opened, state %s", r.state())
		}
		time.Sleep(5 * time.Millisecond)
	}
	for range 250 {
		r.meter.RegisterPulse()
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	if r.valve.IsOpen() || r.pin.High() {
		t.Fatal("valve left open after shutdown")
	}
	if r.state() != engine.StateIdle {
		t.Errorf("state after shutdown: %s", r.state())
	}
	ends := r.events.ofType(types.EventPourEnd)
	if len(ends) != 1 {
		t.Fatalf("expected one pour_end, got %d", len(ends))
	}
	end := ends[0]
	if end.Message != string(store.CloseShutdown) || end.VolumeMl != 250 {
		t.Fatalf("unexpected pour_end: %+v", end)
	}
	if end.ChargedUnits == nil || *end.ChargedUnits != 250 {
		t.Fatalf("charged: got %v, want 2.50", end.ChargedUnits)
	}
	acct, err := r.ledger.AccountByID(context.Background(), acctID)
	if err != nil {
		t.Fatalf("AccountByID: %v", err)
	}
	if acct.Balance != 750 {
		t.Errorf("balance = %v, want 7.50", acct.Balance)
	}
}
