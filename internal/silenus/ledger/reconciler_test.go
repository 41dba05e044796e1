package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
	"github.com/BrandonDHaskell/Silenus/server/internal/db"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/ledger"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store/memory"
	sqlitestore "github.com/BrandonDHaskell/Silenus/server/internal/silenus/store/sqlite"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/logger"
)

type ledgerBackend interface {
	store.AccountStore
	store.LedgerStore
}

var t0 = time.Date(2026, 3, 1, 20, 0, 0, 0, time.UTC)

func fund(t *testing.T, st ledgerBackend, r *ledger.Reconciler, uid string, units types.Units) store.Account {
	t.Helper()
	a, err := st.UpsertAccount(context.Background(), store.AccountSpec{UID: uid, Active: true}, t0)
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if units > 0 {
		if _, err := r.Credit(context.Background(), a.ID, units, "test"); err != nil {
			t.Fatalf("Credit: %v", err)
		}
	}
	return a
}

func newMemory(t *testing.T) (*memory.Ledger, *ledger.Reconciler) {
	st := memory.NewLedger()
	return st, ledger.NewReconciler(st, clock.NewFake(t0), logger.Discard(), nil)
}

func TestDebit_RoundsHalfUp(t *testing.T) {
	st, r := newMemory(t)
	a := fund(t, st, r, "AA", 1000)

	// 250 ml at 100 ml/unit = 2.50 units; 0.125 units rounds to 0.13.
	res, err := r.Debit(context.Background(), ledger.DebitRequest{
		SessionID: "s1", AccountID: a.ID, VolumeDeltaMl: 250, UnitMl: 100,
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if res.ChargedUnits != 250 || res.BalanceBefore != 1000 || res.BalanceAfter != 750 || res.Clamped {
		t.Fatalf("unexpected result: %+v", res)
	}

	res, err = r.Debit(context.Background(), ledger.DebitRequest{
		SessionID: "s2", AccountID: a.ID, VolumeDeltaMl: 12.5, UnitMl: 100,
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if res.ChargedUnits != 13 {
		t.Fatalf("charged = %v, want 0.13", res.ChargedUnits)
	}
}

func TestDebit_ClampsToBalance(t *testing.T) {
	st, r := newMemory(t)
	a := fund(t, st, r, "AA", 100)

	res, err := r.Debit(context.Background(), ledger.DebitRequest{
		SessionID: "s1", AccountID: a.ID, VolumeDeltaMl: 250, UnitMl: 100,
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if !res.Clamped || res.ChargedUnits != 100 || res.BalanceAfter != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	got, _ := st.AccountByID(context.Background(), a.ID)
	if got.Balance != 0 {
		t.Fatalf("balance = %v, want 0.00", got.Balance)
	}
}

func TestDebit_ExactlyOncePerSession(t *testing.T) {
	st, r := newMemory(t)
	a := fund(t, st, r, "AA", 1000)
	req := ledger.DebitRequest{SessionID: "s1", AccountID: a.ID, VolumeDeltaMl: 100, UnitMl: 100}

	first, err := r.Debit(context.Background(), req)
	if err != nil {
		t.Fatalf("first Debit: %v", err)
	}
	second, err := r.Debit(context.Background(), req)
	if err != nil {
		t.Fatalf("second Debit: %v", err)
	}
	if !second.AlreadyApplied || second.ChargedUnits != first.ChargedUnits || second.BalanceAfter != first.BalanceAfter {
		t.Fatalf("replay differed: first=%+v second=%+v", first, second)
	}
	got, _ := st.AccountByID(context.Background(), a.ID)
	if got.Balance != 900 {
		t.Fatalf("balance = %v, want 9.00", got.Balance)
	}
}

func TestDebit_NegativeDeltaChargesNothing(t *testing.T) {
	st, r := newMemory(t)
	a := fund(t, st, r, "AA", 500)

	res, err := r.Debit(context.Background(), ledger.DebitRequest{
		SessionID: "s1", AccountID: a.ID, VolumeDeltaMl: -40, UnitMl: 100,
	})
	if err != nil {
		t.Fatalf("Debit: %v", err)
	}
	if res.ChargedUnits != 0 || res.BalanceAfter != 500 {
		t.Fatalf("unexpected result: %+v", res)
	}
	// The zero debit still marks the session reconciled.
	again, _ := r.Debit(context.Background(), ledger.DebitRequest{
		SessionID: "s1", AccountID: a.ID, VolumeDeltaMl: 400, UnitMl: 100,
	})
	if !again.AlreadyApplied || again.ChargedUnits != 0 {
		t.Fatalf("replay after zero debit charged: %+v", again)
	}
}

func TestDebit_ValidatesRequest(t *testing.T) {
	_, r := newMemory(t)
	ctx := context.Background()

	cases := []struct {
		req  ledger.DebitRequest
		want error
	}{
		{ledger.DebitRequest{SessionID: "s", UnitMl: 100}, ledger.ErrNoAccount},
		{ledger.DebitRequest{AccountID: "a", UnitMl: 100}, ledger.ErrNoSession},
		{ledger.DebitRequest{AccountID: "a", SessionID: "s"}, ledger.ErrInvalidUnit},
	}
	for _, c := range cases {
		if _, err := r.Debit(ctx, c.req); !errors.Is(err, c.want) {
			t.Errorf("Debit(%+v) = %v, want %v", c.req, err, c.want)
		}
	}

	_, err := r.Debit(ctx, ledger.DebitRequest{AccountID: "missing", SessionID: "s", UnitMl: 100})
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := r.Credit(ctx, "a", 0, ""); !errors.Is(err, ledger.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func concurrentDebits(t *testing.T, st ledgerBackend, r *ledger.Reconciler) {
	t.Helper()
	a := fund(t, st, r, "CC", 1000)

	const n = 40
	var wg sync.WaitGroup
	results := make([]ledger.Result, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := r.Debit(context.Background(), ledger.DebitRequest{
				SessionID: fmt.Sprintf("s%d", i), AccountID: a.ID, VolumeDeltaMl: 50, UnitMl: 100,
			})
			if err != nil {
				t.Errorf("Debit %d: %v", i, err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	var total types.Units
	for _, res := range results {
		if res.ChargedUnits > res.BalanceBefore {
			t.Errorf("charged %v exceeds balance before %v", res.ChargedUnits, res.BalanceBefore)
		}
		total += res.ChargedUnits
	}
	got, err := st.AccountByID(context.Background(), a.ID)
	if err != nil {
		t.Fatalf("AccountByID: %v", err)
	}
	if got.Balance < 0 {
		t.Fatalf("negative balance %v", got.Balance)
	}
	// 40 x 0.50 = 20.00 requested against 10.00 available.
	if total != 1000 || got.Balance != 0 {
		t.Fatalf("total charged %v, balance %v; want 10.00 and 0.00", total, got.Balance)
	}
}

func TestDebit_ConcurrentSessionsMemory(t *testing.T) {
	st, r := newMemory(t)
	concurrentDebits(t, st, r)
}

func TestDebit_ConcurrentSessionsSQLite(t *testing.T) {
	conn, err := db.Open(context.Background(), db.Config{Path: filepath.Join(t.TempDir(), "ledger.db")})
	if err != nil {
		t.Fatalf("db.Open: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	w := db.NewWorker(conn)
	t.Cleanup(w.Close)

	st := sqlitestore.NewAccountStore(conn, w)
	r := ledger.NewReconciler(st, clock.NewFake(t0), logger.Discard(), nil)
	concurrentDebits(t, st, r)

	entries, err := st.Entries(context.Background(), mustAccount(t, st, "CC").ID, 100)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	// One credit plus one debit per session.
	if len(entries) != 41 {
		t.Fatalf("entries = %d, want 41", len(entries))
	}
}

func mustAccount(t *testing.T, st store.AccountStore, uid string) store.Account {
	t.Helper()
	a, err := st.AccountByUID(context.Background(), uid)
	if err != nil {
		t.Fatalf("AccountByUID: %v", err)
	}
	return a
}
