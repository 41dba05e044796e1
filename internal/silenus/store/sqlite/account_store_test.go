package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	sqlitestore "github.com/BrandonDHaskell/Silenus/server/internal/silenus/store/sqlite"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

func TestAccountStore_UpsertAndLookup(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.NewAccountStore(conn, newTestWriter(t, conn))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a, err := s.UpsertAccount(ctx, store.AccountSpec{UID: "DEADBEEF", Label: "alice", Active: true}, now)
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	if a.ID == "" || a.Balance != 0 || !a.Active {
		t.Fatalf("unexpected account: %+v", a)
	}

	// A second upsert keeps the ID and updates operator fields only.
	b, err := s.UpsertAccount(ctx, store.AccountSpec{UID: "DEADBEEF", Label: "alice b", Active: false}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("UpsertAccount again: %v", err)
	}
	if b.ID != a.ID {
		t.Errorf("expected stable id %q, got %q", a.ID, b.ID)
	}
	if b.Label != "alice b" || b.Active {
		t.Errorf("fields not updated: %+v", b)
	}

	got, err := s.AccountByUID(ctx, "DEADBEEF")
	if err != nil {
		t.Fatalf("AccountByUID: %v", err)
	}
	if got.ID != a.ID {
		t.Errorf("AccountByUID id = %q", got.ID)
	}

	if _, err := s.AccountByUID(ctx, "00000000"); !errors.Is(err, store.ErrAccountNotFound) {
		t.Errorf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestAccountStore_ValidityWindowRoundTrip(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.NewAccountStore(conn, newTestWriter(t, conn))
	ctx := context.Background()
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC)

	if _, err := s.UpsertAccount(ctx, store.AccountSpec{
		UID: "A1", Active: true, ValidFrom: &from, ValidTo: &to,
	}, from); err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	a, err := s.AccountByUID(ctx, "A1")
	if err != nil {
		t.Fatalf("AccountByUID: %v", err)
	}
	if a.ValidFrom == nil || !a.ValidFrom.Equal(from) || a.ValidTo == nil || !a.ValidTo.Equal(to) {
		t.Fatalf("validity window lost: %+v", a)
	}
	if a.IsValidAt(to.Add(time.Hour)) {
		t.Errorf("expected account invalid after valid_to")
	}
}

func TestAccountStore_LedgerTxCommitsAndRollsBack(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.NewAccountStore(conn, newTestWriter(t, conn))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a, err := s.UpsertAccount(ctx, store.AccountSpec{UID: "C0FFEE00", Active: true}, now)
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}

	err = s.InTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		if err := tx.SaveBalance(ctx, a.ID, 500, now); err != nil {
			return err
		}
		return tx.RecordEntry(ctx, store.LedgerEntry{
			AccountID: a.ID, Kind: store.EntryCredit, Units: 500,
			BalanceBefore: 0, BalanceAfter: 500, CreatedAt: now,
		})
	})
	if err != nil {
		t.Fatalf("credit tx: %v", err)
	}

	boom := errors.New("boom")
	err = s.InTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		if err := tx.SaveBalance(ctx, a.ID, 0, now); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	got, err := s.AccountByID(ctx, a.ID)
	if err != nil {
		t.Fatalf("AccountByID: %v", err)
	}
	if got.Balance != types.Units(500) {
		t.Errorf("balance = %v, want 5.00 after rollback", got.Balance)
	}

	entries, err := s.Entries(ctx, a.ID, 10)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != store.EntryCredit {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestAccountStore_OneDebitPerSession(t *testing.T) {
	conn := openTestDB(t)
	s := sqlitestore.NewAccountStore(conn, newTestWriter(t, conn))
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	a, err := s.UpsertAccount(ctx, store.AccountSpec{UID: "AB", Active: true}, now)
	if err != nil {
		t.Fatalf("UpsertAccount: %v", err)
	}
	debit := store.LedgerEntry{AccountID: a.ID, SessionID: "sess_1", Kind: store.EntryDebit, CreatedAt: now}

	if err := s.InTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		return tx.RecordEntry(ctx, debit)
	}); err != nil {
		t.Fatalf("first debit: %v", err)
	}

	err = s.InTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		if _, ok, err := tx.EntryForSession(ctx, "sess_1"); err != nil || !ok {
			t.Errorf("EntryForSession = (%v, %v), want found", ok, err)
		}
		return tx.RecordEntry(ctx, debit)
	})
	if !errors.Is(err, store.ErrEntryExists) {
		t.Fatalf("expected ErrEntryExists, got %v", err)
	}
}
