package memory

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
)

type Dispensers struct {
	mu   sync.RWMutex
	data map[string]store.Dispenser
}

// NewDispensers registers each configured dispenser as enabled.
func NewDispensers(configured ...store.Dispenser) *Dispensers {
	d := &Dispensers{data: make(map[string]store.Dispenser, len(configured))}
	for _, c := range configured {
		c.ID = strings.TrimSpace(c.ID)
		if c.ID == "" {
			continue
		}
		c.Enabled = true
		d.data[c.ID] = c
	}
	return d
}

func (s *Dispensers) UpsertDispenser(_ context.Context, d store.Dispenser, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.data[d.ID]
	d.Enabled = true
	d.LastSeen = prev.LastSeen
	s.data[d.ID] = d
	return nil
}

func (s *Dispensers) IsKnown(_ context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[id]
	return ok && d.Enabled, nil
}

// MarkSeen creates a disabled placeholder for unknown ids.
func (s *Dispensers) MarkSeen(_ context.Context, id string, t time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	if t.IsZero() {
		t = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.data[id]
	if !ok {
		d = store.Dispenser{ID: id}
	}
	d.LastSeen = &t
	s.data[id] = d
	return nil
}

func (s *Dispensers) Dispenser(_ context.Context, id string) (store.Dispenser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.data[id]
	if !ok {
		return store.Dispenser{}, store.ErrDispenserNotFound
	}
	return d, nil
}
