package service

import (
	"context"
	"strings"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
)

type DispenserRegistry struct {
	store store.DispenserStore
	clock clock.Clock
}

func NewDispenserRegistry(st store.DispenserStore, clk clock.Clock) *DispenserRegistry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &DispenserRegistry{store: st, clock: clk}
}

// Register enables every configured dispenser.
func (r *DispenserRegistry) Register(ctx context.Context, ds ...store.Dispenser) error {
	now := r.clock.Now().UTC()
	for _, d := range ds {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			continue
		}
		if err := r.store.UpsertDispenser(ctx, d, now); err != nil {
			return err
		}
	}
	return nil
}

func (r *DispenserRegistry) IsKnown(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}
	return r.store.IsKnown(ctx, id)
}

func (r *DispenserRegistry) Dispenser(ctx context.Context, id string) (store.Dispenser, error) {
	return r.store.Dispenser(ctx, strings.TrimSpace(id))
}

func (r *DispenserRegistry) NoteSeen(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	return r.store.MarkSeen(ctx, id, r.clock.Now().UTC())
}
