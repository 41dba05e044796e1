package store

import (
	"context"
	"time"
)

// OutboxEntry holds an encoded event awaiting delivery.
type OutboxEntry struct {
	EventID   string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

type OutboxStore interface {
	// Enqueue ignores an entry whose EventID is already present.
	Enqueue(ctx context.Context, e OutboxEntry) error
	// Pending returns undelivered entries oldest first.
	Pending(ctx context.Context, limit int) ([]OutboxEntry, error)
	MarkDelivered(ctx context.Context, eventID string, t time.Time) error
	MarkAttempt(ctx context.Context, eventID string) error
	PruneDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
