package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/authz"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/tag"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

var (
	ErrInvalidUID         = errors.New("uid is required")
	ErrInvalidDispenserID = errors.New("dispenser_id is required")
)

// AuthorizeService decides from the local account store. It satisfies
// authz.Client so an engine on the same host can call it directly.
type AuthorizeService struct {
	registry *DispenserRegistry
	accounts store.AccountStore
	clock    clock.Clock
	logger   *slog.Logger
}

func NewAuthorizeService(reg *DispenserRegistry, accounts store.AccountStore, clk clock.Clock, log *slog.Logger) *AuthorizeService {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &AuthorizeService{registry: reg, accounts: accounts, clock: clk, logger: log}
}

func (s *AuthorizeService) Decide(ctx context.Context, req types.AuthorizeRequest) (types.AuthorizeResponse, error) {
	now := s.clock.Now().UTC()
	uid := tag.CanonicalHex(req.UID)
	dispenserID := strings.TrimSpace(req.DispenserID)

	if uid == "" {
		return types.AuthorizeResponse{}, ErrInvalidUID
	}
	if dispenserID == "" {
		return types.AuthorizeResponse{}, ErrInvalidDispenserID
	}

	resp := types.AuthorizeResponse{
		UID:         uid,
		DispenserID: dispenserID,
		ServerTime:  now.Format(time.RFC3339Nano),
	}

	known, err := s.registry.IsKnown(ctx, dispenserID)
	if err != nil {
		return types.AuthorizeResponse{}, err
	}
	_ = s.registry.NoteSeen(ctx, dispenserID)
	if !known {
		resp.Reason = authz.ReasonUnknownDispenser
		return resp, nil
	}
	d, err := s.registry.Dispenser(ctx, dispenserID)
	if err != nil {
		return types.AuthorizeResponse{}, err
	}
	resp.UnitMl = d.UnitMl

	acct, err := s.accounts.AccountByUID(ctx, uid)
	if errors.Is(err, store.ErrAccountNotFound) {
		resp.Reason = authz.ReasonUnknownCard
		return resp, nil
	}
	if err != nil {
		return types.AuthorizeResponse{}, err
	}
	resp.AccountID = acct.ID
	resp.Label = acct.Label
	resp.Balance = acct.Balance

	switch {
	case !acct.IsValidAt(now):
		resp.Reason = authz.ReasonInactive
	case acct.Unlimited:
		resp.Authorized = true
		resp.Unlimited = true
	case acct.Balance <= 0:
		resp.Reason = authz.ReasonInsufficientBalance
	default:
		resp.Authorized = true
		resp.QuotaMl = acct.Balance.VolumeMl(d.UnitMl)
	}

	s.logger.Debug("authorize", "uid", uid, "dispenser_id", dispenserID,
		"authorized", resp.Authorized, "reason", resp.Reason, "quota_ml", resp.QuotaMl)
	return resp, nil
}

func (s *AuthorizeService) Authorize(ctx context.Context, uid, dispenserID string) (authz.Decision, error) {
	resp, err := s.Decide(ctx, types.AuthorizeRequest{UID: uid, DispenserID: dispenserID})
	if err != nil {
		if errors.Is(err, ErrInvalidUID) {
			return authz.Decision{Reason: authz.ReasonInvalidUID}, nil
		}
		return authz.Decision{}, err
	}
	return authz.FromResponse(resp), nil
}
