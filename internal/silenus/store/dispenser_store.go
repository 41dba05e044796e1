package store

import (
	"context"
	"time"
)

type Dispenser struct {
	ID          string
	Label       string
	LiquidLabel string
	UnitMl      float64
	Enabled     bool
	LastSeen    *time.Time
}

type DispenserStore interface {
	// UpsertDispenser registers a configured dispenser and enables it.
	UpsertDispenser(ctx context.Context, d Dispenser, now time.Time) error
	// IsKnown treats known as registered and enabled.
	IsKnown(ctx context.Context, id string) (bool, error)
	MarkSeen(ctx context.Context, id string, t time.Time) error
	Dispenser(ctx context.Context, id string) (Dispenser, error)
}
