package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

type EntryKind string

const (
	EntryDebit  EntryKind = "debit"
	EntryCredit EntryKind = "credit"
)

type LedgerEntry struct {
	AccountID string
	// SessionID is set for debits and empty for credits.
	SessionID     string
	Kind          EntryKind
	Units         types.Units
	BalanceBefore types.Units
	BalanceAfter  types.Units
	VolumeMl      float64
	UnitMl        float64
	Note          string
	CreatedAt     time.Time
}

// LedgerTx is the view of the store inside one ledger transaction. Writes
// become visible only if the surrounding InTx callback returns nil.
type LedgerTx interface {
	AccountForUpdate(ctx context.Context, accountID string) (Account, error)
	SaveBalance(ctx context.Context, accountID string, balance types.Units, at time.Time) error
	// EntryForSession returns the debit already recorded for sessionID.
	EntryForSession(ctx context.Context, sessionID string) (LedgerEntry, bool, error)
	RecordEntry(ctx context.Context, e LedgerEntry) error
}

type LedgerStore interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
	Entries(ctx context.Context, accountID string, limit int) ([]LedgerEntry, error)
}
