package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
)

// RetentionPruner periodically deletes closed sessions, old events and
// delivered outbox rows. A retention of 0 keeps that kind of row forever;
// when all three are 0 the pruner does not start.
type RetentionPruner struct {
	sessions store.SessionStore
	events   store.EventStore
	outbox   store.OutboxStore
	cfg      PrunerConfig
	clock    clock.Clock
	logger   *slog.Logger
	cancel   context.CancelFunc
	done     chan struct{}
}

type PrunerConfig struct {
	SessionRetention time.Duration
	EventRetention   time.Duration
	OutboxRetention  time.Duration

	// Interval defaults to 6h.
	Interval time.Duration
}

// PrunerTargets are the stores to prune; any may be nil.
type PrunerTargets struct {
	Sessions store.SessionStore
	Events   store.EventStore
	Outbox   store.OutboxStore
}

// NewRetentionPruner creates a pruner but does not start it.
func NewRetentionPruner(t PrunerTargets, cfg PrunerConfig, clk clock.Clock, log *slog.Logger) *RetentionPruner {
	if cfg.Interval <= 0 {
		cfg.Interval = 6 * time.Hour
	}
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &RetentionPruner{
		sessions: t.Sessions,
		events:   t.Events,
		outbox:   t.Outbox,
		cfg:      cfg,
		clock:    clk,
		logger:   log,
		done:     make(chan struct{}),
	}
}

func (p *RetentionPruner) enabled() bool {
	return p.cfg.SessionRetention > 0 || p.cfg.EventRetention > 0 || p.cfg.OutboxRetention > 0
}

// Start prunes once immediately, then on every interval until ctx is
// cancelled or Stop is called.
func (p *RetentionPruner) Start(ctx context.Context) {
	if !p.enabled() {
		p.logger.Info("retention pruner disabled")
		close(p.done)
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	go p.loop(ctx)

	p.logger.Info("retention pruner started",
		"sessions", p.cfg.SessionRetention.String(),
		"events", p.cfg.EventRetention.String(),
		"outbox", p.cfg.OutboxRetention.String(),
		"interval", p.cfg.Interval.String())
}

// Stop signals the pruner to exit and waits for it.
func (p *RetentionPruner) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	<-p.done
}

func (p *RetentionPruner) loop(ctx context.Context) {
	defer close(p.done)

	p.PruneNow(ctx)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PruneNow(ctx)
		}
	}
}

// PruneNow runs one pass over every configured target.
func (p *RetentionPruner) PruneNow(ctx context.Context) {
	now := p.clock.Now().UTC()
	if p.sessions != nil && p.cfg.SessionRetention > 0 {
		p.report(ctx, "sessions", now.Add(-p.cfg.SessionRetention), p.sessions.PruneClosedBefore)
	}
	if p.events != nil && p.cfg.EventRetention > 0 {
		p.report(ctx, "events", now.Add(-p.cfg.EventRetention), p.events.PruneOlderThan)
	}
	if p.outbox != nil && p.cfg.OutboxRetention > 0 {
		p.report(ctx, "outbox", now.Add(-p.cfg.OutboxRetention), p.outbox.PruneDeliveredBefore)
	}
}

func (p *RetentionPruner) report(ctx context.Context, what string, cutoff time.Time, prune func(context.Context, time.Time) (int64, error)) {
	deleted, err := prune(ctx, cutoff)
	if err != nil {
		p.logger.Error("prune failed", "target", what, "error", err)
		return
	}
	if deleted > 0 {
		p.logger.Info("pruned rows", "target", what, "deleted", deleted, "cutoff", cutoff.Format(time.RFC3339))
	}
}
