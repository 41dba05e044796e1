// Package authz answers whether a tag may pour at a dispenser and how much.
// Clients are either the local authorization service or a remote server
// reached over HTTP, optionally behind a short-TTL cache.
package authz

import (
	"context"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

// Denial reasons.
const (
	ReasonUnknownCard         = "unknown_card"
	ReasonInactive            = "inactive"
	ReasonInsufficientBalance = "insufficient_balance"
	ReasonUnknownDispenser    = "unknown_dispenser"
	ReasonInvalidUID          = "invalid_uid"
	ReasonUnreachable         = "backend_unreachable"
)

type Decision struct {
	Authorized bool        `json:"authorized"`
	Reason     string      `json:"reason,omitempty"`
	AccountID  string      `json:"account_id,omitempty"`
	Label      string      `json:"label,omitempty"`
	QuotaMl    float64     `json:"quota_ml"`
	Unlimited  bool        `json:"unlimited"`
	Balance    types.Units `json:"balance"`
	UnitMl     float64     `json:"unit_ml"`
}

// CanPour reports whether the decision leaves more than epsilonMl to pour.
func (d Decision) CanPour(epsilonMl float64) bool {
	return d.Authorized && (d.Unlimited || d.QuotaMl > epsilonMl)
}

type Client interface {
	Authorize(ctx context.Context, uid, dispenserID string) (Decision, error)
}

// Forgetter is implemented by caching clients so a closed session can drop
// the quota it was opened with.
type Forgetter interface {
	Forget(ctx context.Context, uid, dispenserID string)
}

// ClientFunc adapts a function to Client.
type ClientFunc func(ctx context.Context, uid, dispenserID string) (Decision, error)

func (f ClientFunc) Authorize(ctx context.Context, uid, dispenserID string) (Decision, error) {
	return f(ctx, uid, dispenserID)
}

// FromResponse maps the wire response onto a Decision.
func FromResponse(r types.AuthorizeResponse) Decision {
	return Decision{
		Authorized: r.Authorized,
		Reason:     r.Reason,
		AccountID:  r.AccountID,
		Label:      r.Label,
		QuotaMl:    r.QuotaMl,
		Unlimited:  r.Unlimited,
		Balance:    r.Balance,
		UnitMl:     r.UnitMl,
	}
}
