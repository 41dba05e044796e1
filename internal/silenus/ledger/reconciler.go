// Package ledger converts dispensed volume into credit units and applies
// the debit to an account exactly once per session.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/metrics"
)

var (
	ErrNoAccount     = errors.New("ledger: account id required")
	ErrNoSession     = errors.New("ledger: session id required")
	ErrInvalidUnit   = errors.New("ledger: unit volume must be positive")
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Debiter is the engine's view of the ledger. Reconciler implements it
// locally; a remote agent implements it over HTTP.
type Debiter interface {
	Debit(ctx context.Context, req DebitRequest) (Result, error)
}

type DebitRequest struct {
	SessionID     string  `json:"session_id"`
	AccountID     string  `json:"account_id"`
	VolumeDeltaMl float64 `json:"volume_delta_ml"`
	UnitMl        float64 `json:"unit_ml"`
}

type Result struct {
	ChargedUnits  types.Units `json:"charged_units"`
	BalanceBefore types.Units `json:"balance_before"`
	BalanceAfter  types.Units `json:"balance_after"`
	// Clamped is set when the computed charge exceeded the balance.
	Clamped bool `json:"clamped"`
	// AlreadyApplied is set when the session had been debited before; the
	// result then describes that earlier debit.
	AlreadyApplied bool `json:"already_applied"`
}

type Reconciler struct {
	store   store.LedgerStore
	locks   *keyedMutex
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Registry
}

func NewReconciler(st store.LedgerStore, clk clock.Clock, log *slog.Logger, m *metrics.Registry) *Reconciler {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: st, locks: newKeyedMutex(), clock: clk, logger: log, metrics: m}
}

// Debit charges round_half_up(delta/unit, 2dp) units, clamped to the
// balance. A second call for the same session returns the first result
// with AlreadyApplied set and changes nothing.
func (r *Reconciler) Debit(ctx context.Context, req DebitRequest) (Result, error) {
	req.AccountID = strings.TrimSpace(req.AccountID)
	switch {
	case req.AccountID == "":
		return Result{}, ErrNoAccount
	case req.SessionID == "":
		return Result{}, ErrNoSession
	case !(req.UnitMl > 0) || math.IsInf(req.UnitMl, 0):
		return Result{}, ErrInvalidUnit
	}
	delta := req.VolumeDeltaMl
	if !(delta > 0) {
		delta = 0
	}

	unlock := r.locks.Lock(req.AccountID)
	defer unlock()

	var res Result
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		prev, ok, err := tx.EntryForSession(ctx, req.SessionID)
		if err != nil {
			return err
		}
		if ok {
			res = Result{
				ChargedUnits:   prev.Units,
				BalanceBefore:  prev.BalanceBefore,
				BalanceAfter:   prev.BalanceAfter,
				AlreadyApplied: true,
			}
			return nil
		}

		acct, err := tx.AccountForUpdate(ctx, req.AccountID)
		if err != nil {
			return err
		}

		charge := types.UnitsFromVolume(delta, req.UnitMl)
		res.BalanceBefore = acct.Balance
		if charge > acct.Balance {
			charge = acct.Balance
			res.Clamped = true
		}
		res.ChargedUnits = charge
		res.BalanceAfter = acct.Balance - charge

		now := r.clock.Now().UTC()
		if charge > 0 {
			if err := tx.SaveBalance(ctx, acct.ID, res.BalanceAfter, now); err != nil {
				return err
			}
		}
		// Zero-unit debits are still recorded so the session is marked
		// reconciled.
		return tx.RecordEntry(ctx, store.LedgerEntry{
			AccountID:     acct.ID,
			SessionID:     req.SessionID,
			Kind:          store.EntryDebit,
			Units:         charge,
			BalanceBefore: res.BalanceBefore,
			BalanceAfter:  res.BalanceAfter,
			VolumeMl:      delta,
			UnitMl:        req.UnitMl,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return Result{}, fmt.Errorf("ledger debit session %s: %w", req.SessionID, err)
	}

	if res.AlreadyApplied {
		r.logger.Info("ledger: debit already applied", "session_id", req.SessionID, "account_id", req.AccountID)
		return res, nil
	}
	if res.Clamped {
		r.logger.Warn("ledger: debit clamped to balance",
			"session_id", req.SessionID, "account_id", req.AccountID,
			"volume_ml", delta, "charged", res.ChargedUnits.String())
	}
	r.metrics.LedgerDebit(int64(res.ChargedUnits), res.Clamped)
	return res, nil
}

// Credit adds units to an account and records a credit entry.
func (r *Reconciler) Credit(ctx context.Context, accountID string, units types.Units, note string) (Result, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return Result{}, ErrNoAccount
	}
	if units <= 0 {
		return Result{}, ErrInvalidAmount
	}

	unlock := r.locks.Lock(accountID)
	defer unlock()

	var res Result
	err := r.store.InTx(ctx, func(ctx context.Context, tx store.LedgerTx) error {
		acct, err := tx.AccountForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		now := r.clock.Now().UTC()
		res.BalanceBefore = acct.Balance
		res.BalanceAfter = acct.Balance + units
		if err := tx.SaveBalance(ctx, acct.ID, res.BalanceAfter, now); err != nil {
			return err
		}
		return tx.RecordEntry(ctx, store.LedgerEntry{
			AccountID:     acct.ID,
			Kind:          store.EntryCredit,
			Units:         units,
			BalanceBefore: res.BalanceBefore,
			BalanceAfter:  res.BalanceAfter,
			Note:          note,
			CreatedAt:     now,
		})
	})
	if err != nil {
		return Result{}, fmt.Errorf("ledger credit %s: %w", accountID, err)
	}
	r.logger.Info("ledger: credit applied", "account_id", accountID, "units", units.String(),
		"balance", res.BalanceAfter.String())
	r.metrics.LedgerCredit(int64(units))
	return res, nil
}

var _ Debiter = (*Reconciler)(nil)
