package engine

import (
	"context"
	"errors"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/authz"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/hardware"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/ledger"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

// Step runs one poll iteration. It returns a *hardware.Fault when the valve
// fails, after which every further Step returns ErrFaulted.
func (e *Engine) Step(ctx context.Context) error {
	if e.faulted {
		return ErrFaulted
	}
	now := e.clock.Now()
	uid, present := e.gateway.ReadUID()

	err := e.step(ctx, now, uid, present)
	var fault *hardware.Fault
	if errors.As(err, &fault) {
		return e.fault(ctx, err)
	}
	e.publishStatus(now)
	return err
}

func (e *Engine) step(ctx context.Context, now time.Time, uid string, present bool) error {
	if e.sess != nil {
		select {
		case reason := <-e.closeCh:
			if err := e.closeSession(ctx, reason); err != nil {
				return err
			}
		default:
		}
	} else {
		// A request that raced a close has nothing left to act on.
		select {
		case <-e.closeCh:
		default:
		}
	}

	if e.sess != nil {
		if err := e.stepPouring(ctx, now, uid, present); err != nil {
			return err
		}
	}
	if e.sess == nil {
		return e.stepIdle(ctx, now, uid, present)
	}
	return nil
}

func (e *Engine) stepIdle(ctx context.Context, now time.Time, uid string, present bool) error {
	if !present {
		if e.seenUID != "" && now.Sub(e.seenAt) > e.cfg.GracePeriod {
			e.seenUID = ""
		}
		return nil
	}
	if uid == e.seenUID {
		// Already handled this presentation; it must leave the field first.
		e.seenAt = now
		return nil
	}
	e.seenUID, e.seenAt = uid, now
	return e.authorize(ctx, now, uid)
}

func (e *Engine) authorize(ctx context.Context, now time.Time, uid string) error {
	e.state = StateAuthorizing

	actx, cancel := context.WithTimeout(ctx, e.cfg.AuthTimeout)
	dec, err := e.auth.Authorize(actx, uid, e.cfg.DispenserID)
	cancel()
	if err != nil {
		e.state = StateIdle
		e.metrics.AuthDecision("error")
		e.logger.Warn("authorization failed", "uid", uid, "error", err)
		e.deny(uid, authz.Decision{Reason: authz.ReasonUnreachable})
		return nil
	}
	if !dec.CanPour(e.cfg.QuotaEpsilonMl) {
		e.state = StateIdle
		e.metrics.AuthDecision("denied")
		if dec.Authorized && dec.Reason == "" {
			dec.Reason = authz.ReasonInsufficientBalance
		}
		e.logger.Info("authorization denied", "uid", uid, "reason", dec.Reason)
		e.deny(uid, dec)
		return nil
	}
	e.metrics.AuthDecision("authorized")
	return e.openSession(ctx, now, uid, dec)
}

func (e *Engine) deny(uid string, dec authz.Decision) {
	typ := types.EventAuthFail
	if dec.Reason == authz.ReasonInsufficientBalance {
		typ = types.EventInsufficientBalance
	}
	ev := types.Event{Type: typ, UID: uid, Message: dec.Reason}
	if dec.AccountID != "" {
		bal := dec.Balance
		ev.Balance = &bal
	}
	e.lastMsg = dec.Reason
	e.emit(ev)
}

func (e *Engine) openSession(ctx context.Context, now time.Time, uid string, dec authz.Decision) error {
	unitMl := e.cfg.UnitMl
	if dec.UnitMl > 0 {
		unitMl = dec.UnitMl
	}
	dec.UnitMl = unitMl

	start := e.meter.CumulativeVolumeMl()
	s := &session{
		id:        store.NewSessionID(now),
		uid:       uid,
		decision:  dec,
		startMl:   start,
		lastMl:    start,
		openedAt:  now,
		lastSeen:  now,
		zeroSince: now,
		zeroMl:    start,
	}

	if _, err := e.valve.Open(ctx); err != nil {
		e.state = StateIdle
		return err
	}
	e.sess = s
	e.state = StatePouring
	e.lastMsg = "pouring"
	e.updates = e.newLimiter()

	if e.store != nil {
		rec := store.SessionRecord{
			ID:            s.id,
			DispenserID:   e.cfg.DispenserID,
			UID:           uid,
			AccountID:     dec.AccountID,
			Authorized:    true,
			Unlimited:     dec.Unlimited,
			QuotaMl:       dec.QuotaMl,
			UnitMl:        unitMl,
			LiquidLabel:   e.cfg.LiquidLabel,
			VolumeStartMl: start,
			OpenedAt:      now,
		}
		if err := e.store.OpenSession(context.WithoutCancel(ctx), rec); err != nil {
			e.logger.Error("persist session open", "session_id", s.id, "error", err)
		}
	}

	e.metrics.SessionOpened(e.cfg.DispenserID)
	e.metrics.SetValve(e.cfg.DispenserID, true)
	e.logger.Info("session opened", "session_id", s.id, "uid", uid,
		"quota_ml", dec.QuotaMl, "unlimited", dec.Unlimited)
	bal := dec.Balance
	e.emit(types.Event{
		Type:      types.EventPourStart,
		UID:       uid,
		SessionID: s.id,
		ValveOpen: true,
		Message:   "pour started",
		Balance:   &bal,
	})
	return nil
}

func (e *Engine) stepPouring(ctx context.Context, now time.Time, uid string, present bool) error {
	s := e.sess
	switch {
	case present && uid == s.uid:
		s.lastSeen = now
		e.seenAt = now
	case present:
		e.logger.Info("token switched mid-pour", "uid", s.uid, "new_uid", uid)
		return e.closeSession(ctx, store.CloseTokenSwitch)
	case now.Sub(s.lastSeen) > e.cfg.GracePeriod:
		e.emit(types.Event{
			Type:      types.EventCardRemoved,
			UID:       s.uid,
			SessionID: s.id,
			VolumeMl:  s.consumed(e.meter.CumulativeVolumeMl()),
			Message:   "card removed",
		})
		e.seenUID = ""
		return e.closeSession(ctx, store.CloseTokenRemoved)
	}

	cum := e.meter.CumulativeVolumeMl()
	flowRate := e.meter.FlowRateMlPerMin()
	consumed := s.consumed(cum)
	s.lastMl = cum
	e.metrics.SetFlowRate(e.cfg.DispenserID, flowRate)

	if !s.decision.Unlimited && consumed >= s.decision.QuotaMl-e.cfg.QuotaEpsilonMl {
		e.logger.Info("quota reached", "session_id", s.id, "consumed_ml", consumed, "quota_ml", s.decision.QuotaMl)
		return e.closeSession(ctx, store.CloseQuota)
	}

	// The quiet window restarts whenever the meter moves. Expiry is confirmed
	// against the smoothed rate so one stale sample cannot end a pour.
	if cum-s.zeroMl > e.cfg.QuotaEpsilonMl {
		s.zeroSince, s.zeroMl = now, cum
	} else if now.Sub(s.zeroSince) >= e.cfg.ZeroFlowDwell && flowRate <= e.cfg.ZeroFlowMlPerMin {
		e.logger.Info("zero flow timeout", "session_id", s.id, "consumed_ml", consumed)
		return e.closeSession(ctx, store.CloseZeroFlow)
	}

	if e.updates.AllowN(now, 1) {
		e.emit(types.Event{
			Type:      types.EventPourUpdate,
			UID:       s.uid,
			SessionID: s.id,
			VolumeMl:  consumed,
			FlowRate:  flowRate,
			ValveOpen: e.valve.IsOpen(),
		})
	}
	return nil
}

// closeSession ends the open session. It is a no-op without one, so
// repeated calls yield one pour_end and one debit.
func (e *Engine) closeSession(ctx context.Context, reason store.CloseReason) error {
	s := e.sess
	if s == nil {
		return nil
	}
	e.sess = nil
	e.state = StateClosing

	// Bookkeeping must complete even when the caller is shutting down.
	ctx = context.WithoutCancel(ctx)

	var valveErr error
	if reason == store.CloseFault {
		valveErr = e.valve.ForceClose()
	} else if _, err := e.valve.Close(ctx); err != nil {
		valveErr = err
		if ferr := e.valve.ForceClose(); ferr != nil {
			e.logger.Error("force close failed", "error", ferr)
		}
	}
	e.metrics.SetValve(e.cfg.DispenserID, false)

	end := e.meter.CumulativeVolumeMl()
	delta := s.consumed(end)
	now := e.clock.Now()

	ev := types.Event{
		Type:      types.EventPourEnd,
		UID:       s.uid,
		SessionID: s.id,
		VolumeMl:  delta,
		Message:   string(reason),
	}

	var charged types.Units
	if e.ledger != nil && s.decision.AccountID != "" && !s.decision.Unlimited {
		res, err := e.ledger.Debit(ctx, ledger.DebitRequest{
			SessionID:     s.id,
			AccountID:     s.decision.AccountID,
			VolumeDeltaMl: delta,
			UnitMl:        s.decision.UnitMl,
		})
		if err != nil {
			e.logger.Error("ledger debit failed", "session_id", s.id, "uid", s.uid,
				"volume_ml", delta, "error", err)
			ev.Message = string(reason) + "; debit failed"
		} else {
			charged = res.ChargedUnits
			bal := res.BalanceAfter
			ev.ChargedUnits = &charged
			ev.Balance = &bal
		}
	}

	if e.store != nil {
		err := e.store.CloseSession(ctx, store.SessionClose{
			ID:           s.id,
			ClosedAt:     now,
			VolumeEndMl:  end,
			DeltaMl:      delta,
			ChargedUnits: charged,
			Reason:       reason,
			LastMessage:  ev.Message,
		})
		if err != nil && !errors.Is(err, store.ErrSessionClosed) {
			e.logger.Error("persist session close", "session_id", s.id, "error", err)
		}
	}

	if f, ok := e.auth.(authz.Forgetter); ok {
		f.Forget(ctx, s.uid, e.cfg.DispenserID)
	}

	e.metrics.SessionClosed(e.cfg.DispenserID, string(reason), delta)
	e.logger.Info("session closed", "session_id", s.id, "uid", s.uid, "reason", string(reason),
		"volume_ml", delta, "charged_units", charged.String(), "duration", now.Sub(s.openedAt).String())
	e.emit(ev)

	e.lastMsg = ev.Message
	e.state = StateIdle
	if valveErr != nil {
		return valveErr
	}
	return nil
}
