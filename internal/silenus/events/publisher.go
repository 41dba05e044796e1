// Package events fans dispenser events out to a sink through a bounded
// in-memory queue with retry.
//
// Overflow sheds pour_update telemetry oldest-first. Lifecycle events are
// never dropped: with an outbox configured they spill to it, otherwise the
// queue grows past its bound for them alone.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
	"github.com/BrandonDHaskell/Silenus/server/internal/telemetry/metrics"
)

// ErrRejected marks a delivery the receiver refused permanently. Rejected
// events are logged and discarded instead of retried.
var ErrRejected = errors.New("event rejected by receiver")

type Config struct {
	// QueueSize is the soft bound of the in-memory queue.
	QueueSize   int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	// DeliverTimeout bounds a single delivery attempt.
	DeliverTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 250 * time.Millisecond
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = 30 * time.Second
	}
	if c.DeliverTimeout <= 0 {
		c.DeliverTimeout = 3 * time.Second
	}
	return c
}

type Publisher struct {
	cfg     Config
	sink    Sink
	outbox  store.OutboxStore
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Registry

	mu     sync.Mutex
	queue  []types.Event
	closed bool

	// outboxDirty is set when the outbox may hold undelivered rows.
	outboxDirty bool

	wake   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewPublisher returns a stopped publisher; call Start. outbox may be nil.
func NewPublisher(sink Sink, outbox store.OutboxStore, cfg Config, clk clock.Clock, log *slog.Logger, m *metrics.Registry) *Publisher {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		cfg:         cfg.withDefaults(),
		sink:        sink,
		outbox:      outbox,
		clock:       clk,
		logger:      log,
		metrics:     m,
		outboxDirty: outbox != nil,
		wake:        make(chan struct{}, 1),
	}
}

// Publish enqueues ev without blocking. It fills in ID and At when empty.
func (p *Publisher) Publish(ev types.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = p.clock.Now().UTC()
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.persistLate(ev)
		return
	}

	if len(p.queue) >= p.cfg.QueueSize {
		if i := p.oldestUpdateLocked(); i >= 0 {
			dropped := p.queue[i]
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			p.metrics.EventDropped(string(dropped.Type))
		} else if !ev.Type.Lifecycle() {
			// Queue is all lifecycle events; the new update loses.
			p.mu.Unlock()
			p.metrics.EventDropped(string(ev.Type))
			return
		}
	}
	p.queue = append(p.queue, ev)
	depth := len(p.queue)
	p.mu.Unlock()

	p.metrics.SetQueueDepth(depth)
	p.signal()
}

func (p *Publisher) oldestUpdateLocked() int {
	for i, ev := range p.queue {
		if !ev.Type.Lifecycle() {
			return i
		}
	}
	return -1
}

func (p *Publisher) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Len is the current in-memory queue depth.
func (p *Publisher) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Start launches the delivery loop.
func (p *Publisher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(ctx)
}

// Stop ends the delivery loop. Undelivered lifecycle events are written to
// the outbox when one is configured; otherwise they are logged.
func (p *Publisher) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

func (p *Publisher) run(ctx context.Context) {
	defer close(p.done)
	defer p.shutdown()

	backoff := time.Duration(0)
	for {
		if backoff > 0 {
			if err := p.clock.Sleep(ctx, backoff); err != nil {
				return
			}
		}

		p.spillOverflow(ctx)

		delivered, failed := p.drainOutbox(ctx)
		if !failed {
			var ok bool
			ok, failed = p.deliverHead(ctx)
			delivered = delivered || ok
		}

		switch {
		case failed:
			backoff = p.nextBackoff(backoff)
			continue
		case delivered:
			backoff = 0
			continue
		}
		backoff = 0

		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		}
	}
}

func (p *Publisher) nextBackoff(cur time.Duration) time.Duration {
	if cur <= 0 {
		return p.cfg.BaseBackoff
	}
	cur *= 2
	if cur > p.cfg.MaxBackoff {
		cur = p.cfg.MaxBackoff
	}
	return cur
}

// deliverHead attempts the oldest queued event. It reports whether an event
// left the queue and whether the attempt failed.
func (p *Publisher) deliverHead(ctx context.Context) (delivered, failed bool) {
	p.mu.Lock()
	if len(p.queue) == 0 {
		p.mu.Unlock()
		return false, false
	}
	ev := p.queue[0]
	p.mu.Unlock()

	err := p.deliver(ctx, ev)
	if err != nil && !errors.Is(err, ErrRejected) {
		if ctx.Err() != nil {
			return false, false
		}
		p.metrics.DeliveryFailed()
		p.logger.Warn("events: delivery failed", "event_id", ev.ID, "type", string(ev.Type), "error", err)
		return false, true
	}

	p.mu.Lock()
	// Overflow handling may have removed or shifted the head meanwhile.
	for i := range p.queue {
		if p.queue[i].ID == ev.ID {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			break
		}
	}
	depth := len(p.queue)
	p.mu.Unlock()
	p.metrics.SetQueueDepth(depth)

	if err != nil {
		p.logger.Error("events: event rejected", "event_id", ev.ID, "type", string(ev.Type), "error", err)
		return true, false
	}
	p.metrics.EventDelivered(string(ev.Type))
	return true, false
}

func (p *Publisher) deliver(ctx context.Context, ev types.Event) error {
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DeliverTimeout)
	defer cancel()
	return p.sink.Deliver(dctx, ev)
}

// spillOverflow moves lifecycle events beyond the soft bound to the outbox.
func (p *Publisher) spillOverflow(ctx context.Context) {
	if p.outbox == nil {
		return
	}
	p.mu.Lock()
	if len(p.queue) <= p.cfg.QueueSize {
		p.mu.Unlock()
		return
	}
	excess := append([]types.Event(nil), p.queue[p.cfg.QueueSize:]...)
	p.mu.Unlock()

	var moved []string
	for _, ev := range excess {
		if !ev.Type.Lifecycle() {
			continue
		}
		if err := p.enqueueOutbox(ctx, ev); err != nil {
			p.logger.Error("events: outbox spill failed", "event_id", ev.ID, "error", err)
			break
		}
		moved = append(moved, ev.ID)
		p.metrics.EventSpilled()
	}
	if len(moved) == 0 {
		return
	}

	p.mu.Lock()
	p.removeLocked(moved)
	p.outboxDirty = true
	depth := len(p.queue)
	p.mu.Unlock()
	p.metrics.SetQueueDepth(depth)
}

func (p *Publisher) removeLocked(ids []string) {
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	kept := p.queue[:0]
	for _, ev := range p.queue {
		if _, ok := drop[ev.ID]; !ok {
			kept = append(kept, ev)
		}
	}
	p.queue = kept
}

// drainOutbox delivers pending outbox rows oldest-first.
func (p *Publisher) drainOutbox(ctx context.Context) (delivered, failed bool) {
	if p.outbox == nil {
		return false, false
	}
	p.mu.Lock()
	dirty := p.outboxDirty
	p.mu.Unlock()
	if !dirty {
		return false, false
	}

	pending, err := p.outbox.Pending(ctx, 50)
	if err != nil {
		p.logger.Warn("events: outbox read failed", "error", err)
		return false, true
	}
	for _, entry := range pending {
		ev, err := UnmarshalProto(entry.Payload)
		if err != nil {
			p.logger.Error("events: dropping undecodable outbox row", "event_id", entry.EventID, "error", err)
			_ = p.outbox.MarkDelivered(ctx, entry.EventID, p.clock.Now())
			continue
		}
		if err := p.deliver(ctx, ev); err != nil && !errors.Is(err, ErrRejected) {
			if ctx.Err() != nil {
				return delivered, false
			}
			_ = p.outbox.MarkAttempt(ctx, entry.EventID)
			p.metrics.DeliveryFailed()
			p.logger.Warn("events: outbox delivery failed", "event_id", ev.ID, "error", err)
			return delivered, true
		} else if err != nil {
			p.logger.Error("events: event rejected", "event_id", ev.ID, "type", string(ev.Type), "error", err)
		} else {
			p.metrics.EventDelivered(string(ev.Type))
		}
		if err := p.outbox.MarkDelivered(ctx, entry.EventID, p.clock.Now()); err != nil {
			p.logger.Warn("events: outbox mark failed", "event_id", entry.EventID, "error", err)
			return delivered, true
		}
		delivered = true
	}
	if len(pending) < 50 {
		p.mu.Lock()
		p.outboxDirty = false
		p.mu.Unlock()
	}
	return delivered, false
}

func (p *Publisher) enqueueOutbox(ctx context.Context, ev types.Event) error {
	payload, err := MarshalProto(ev)
	if err != nil {
		return err
	}
	return p.outbox.Enqueue(ctx, store.OutboxEntry{
		EventID:   ev.ID,
		Payload:   payload,
		CreatedAt: ev.At,
	})
}

func (p *Publisher) shutdown() {
	p.mu.Lock()
	p.closed = true
	rest := p.queue
	p.queue = nil
	p.mu.Unlock()
	p.metrics.SetQueueDepth(0)

	for _, ev := range rest {
		p.persistLate(ev)
	}
}

// persistLate handles an event that can no longer go through the queue.
func (p *Publisher) persistLate(ev types.Event) {
	if !ev.Type.Lifecycle() {
		p.metrics.EventDropped(string(ev.Type))
		return
	}
	if p.outbox != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := p.enqueueOutbox(ctx, ev)
		cancel()
		if err == nil {
			p.metrics.EventSpilled()
			return
		}
		p.logger.Error("events: outbox write at shutdown failed", "event_id", ev.ID, "error", err)
	}
	p.logger.Warn("events: undelivered lifecycle event",
		"event_id", ev.ID, "type", string(ev.Type), "dispenser_id", ev.DispenserID,
		"uid", ev.UID, "session_id", ev.SessionID, "volume_ml", ev.VolumeMl)
}
