package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

type Account struct {
	ID        string
	UID       string
	Label     string
	Balance   types.Units
	Active    bool
	Unlimited bool
	ValidFrom *time.Time
	ValidTo   *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsValidAt reports whether the account is active and t falls inside its
// optional validity window. Bounds are inclusive.
func (a Account) IsValidAt(t time.Time) bool {
	if !a.Active {
		return false
	}
	if a.ValidFrom != nil && t.Before(*a.ValidFrom) {
		return false
	}
	if a.ValidTo != nil && t.After(*a.ValidTo) {
		return false
	}
	return true
}

// AccountSpec is the operator-editable part of an account. Balance is absent
// on purpose: it only changes through the ledger.
type AccountSpec struct {
	UID       string
	Label     string
	Active    bool
	Unlimited bool
	ValidFrom *time.Time
	ValidTo   *time.Time
}

type AccountStore interface {
	AccountByUID(ctx context.Context, uid string) (Account, error)
	AccountByID(ctx context.Context, id string) (Account, error)
	// UpsertAccount creates the account for spec.UID or updates its
	// operator fields, returning the stored row.
	UpsertAccount(ctx context.Context, spec AccountSpec, now time.Time) (Account, error)
}
