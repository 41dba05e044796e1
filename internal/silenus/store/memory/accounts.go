// Package memory provides in-process store implementations for tests and
// dev mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

// Ledger holds accounts and their ledger entries. It implements both
// store.AccountStore and store.LedgerStore because a ledger transaction
// must see the same account rows the lookups do.
type Ledger struct {
	mu       sync.Mutex
	accounts map[string]store.Account // by account ID
	byUID    map[string]string
	entries  []store.LedgerEntry
	sessions map[string]int // session ID -> index into entries
}

func NewLedger() *Ledger {
	return &Ledger{
		accounts: make(map[string]store.Account),
		byUID:    make(map[string]string),
		sessions: make(map[string]int),
	}
}

func (l *Ledger) AccountByUID(_ context.Context, uid string) (store.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.byUID[uid]
	if !ok {
		return store.Account{}, store.ErrAccountNotFound
	}
	return l.accounts[id], nil
}

func (l *Ledger) AccountByID(_ context.Context, id string) (store.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a, ok := l.accounts[id]
	if !ok {
		return store.Account{}, store.ErrAccountNotFound
	}
	return a, nil
}

func (l *Ledger) UpsertAccount(_ context.Context, spec store.AccountSpec, now time.Time) (store.Account, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	a := store.Account{ID: l.byUID[spec.UID], CreatedAt: now}
	if a.ID == "" {
		a.ID = store.NewAccountID(now)
		l.byUID[spec.UID] = a.ID
	} else {
		a = l.accounts[a.ID]
	}
	a.UID = spec.UID
	a.Label = spec.Label
	a.Active = spec.Active
	a.Unlimited = spec.Unlimited
	a.ValidFrom = spec.ValidFrom
	a.ValidTo = spec.ValidTo
	a.UpdatedAt = now
	l.accounts[a.ID] = a
	return a, nil
}

// InTx runs fn with the ledger locked. Writes are staged and applied only
// when fn returns nil.
func (l *Ledger) InTx(ctx context.Context, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx := &ledgerTx{l: l, balances: make(map[string]balanceWrite)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	for id, w := range tx.balances {
		a := l.accounts[id]
		a.Balance = w.balance
		a.UpdatedAt = w.at
		l.accounts[id] = a
	}
	for _, e := range tx.entries {
		if e.SessionID != "" {
			l.sessions[e.SessionID] = len(l.entries)
		}
		l.entries = append(l.entries, e)
	}
	return nil
}

func (l *Ledger) Entries(_ context.Context, accountID string, limit int) ([]store.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []store.LedgerEntry
	for _, e := range l.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type balanceWrite struct {
	balance types.Units
	at      time.Time
}

type ledgerTx struct {
	l        *Ledger
	balances map[string]balanceWrite
	entries  []store.LedgerEntry
}

func (tx *ledgerTx) AccountForUpdate(_ context.Context, accountID string) (store.Account, error) {
	a, ok := tx.l.accounts[accountID]
	if !ok {
		return store.Account{}, store.ErrAccountNotFound
	}
	if w, ok := tx.balances[accountID]; ok {
		a.Balance = w.balance
	}
	return a, nil
}

func (tx *ledgerTx) SaveBalance(_ context.Context, accountID string, balance types.Units, at time.Time) error {
	if _, ok := tx.l.accounts[accountID]; !ok {
		return store.ErrAccountNotFound
	}
	tx.balances[accountID] = balanceWrite{balance: balance, at: at}
	return nil
}

func (tx *ledgerTx) EntryForSession(_ context.Context, sessionID string) (store.LedgerEntry, bool, error) {
	for _, e := range tx.entries {
		if e.SessionID == sessionID {
			return e, true, nil
		}
	}
	if i, ok := tx.l.sessions[sessionID]; ok {
		return tx.l.entries[i], true, nil
	}
	return store.LedgerEntry{}, false, nil
}

func (tx *ledgerTx) RecordEntry(ctx context.Context, e store.LedgerEntry) error {
	if e.SessionID != "" {
		if _, ok, _ := tx.EntryForSession(ctx, e.SessionID); ok {
			return store.ErrEntryExists
		}
	}
	tx.entries = append(tx.entries, e)
	return nil
}
