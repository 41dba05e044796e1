package store

import (
	"context"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

// EventRecord is one dispenser event as received by the server, either
// from a local engine or a remote agent.
type EventRecord struct {
	Event      types.Event
	Source     string
	ReceivedAt time.Time
}

// EventStore is an append-only event history keyed by event ID.
type EventStore interface {
	// RecordEvent returns inserted=false when the event ID was already stored.
	RecordEvent(ctx context.Context, rec EventRecord) (inserted bool, err error)
	RecentEvents(ctx context.Context, dispenserID string, limit int) ([]EventRecord, error)
	PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}
