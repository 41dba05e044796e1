package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
)

type outboxRow struct {
	entry       store.OutboxEntry
	deliveredAt *time.Time
}

type Outbox struct {
	mu   sync.Mutex
	rows map[string]*outboxRow
}

func NewOutbox() *Outbox {
	return &Outbox{rows: make(map[string]*outboxRow)}
}

func (o *Outbox) Enqueue(_ context.Context, e store.OutboxEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.rows[e.EventID]; ok {
		return nil
	}
	e.Payload = append([]byte(nil), e.Payload...)
	o.rows[e.EventID] = &outboxRow{entry: e}
	return nil
}

func (o *Outbox) Pending(_ context.Context, limit int) ([]store.OutboxEntry, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []store.OutboxEntry
	for _, r := range o.rows {
		if r.deliveredAt == nil {
			out = append(out, r.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (o *Outbox) MarkDelivered(_ context.Context, eventID string, t time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.rows[eventID]; ok {
		r.deliveredAt = &t
	}
	return nil
}

func (o *Outbox) MarkAttempt(_ context.Context, eventID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if r, ok := o.rows[eventID]; ok {
		r.entry.Attempts++
	}
	return nil
}

func (o *Outbox) PruneDeliveredBefore(_ context.Context, cutoff time.Time) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var n int64
	for id, r := range o.rows {
		if r.deliveredAt != nil && r.deliveredAt.Before(cutoff) {
			delete(o.rows, id)
			n++
		}
	}
	return n, nil
}
