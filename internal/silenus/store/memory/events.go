package memory

import (
	"context"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
)

// Events is an in-memory append-only event history.
type Events struct {
	mu     sync.Mutex
	events []store.EventRecord
	ids    map[string]struct{}
}

func NewEvents() *Events {
	return &Events{ids: make(map[string]struct{})}
}

func (s *Events) RecordEvent(_ context.Context, rec store.EventRecord) (bool, error) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Event.ID != "" {
		if _, dup := s.ids[rec.Event.ID]; dup {
			return false, nil
		}
		s.ids[rec.Event.ID] = struct{}{}
	}
	s.events = append(s.events, rec)
	return true, nil
}

func (s *Events) RecentEvents(_ context.Context, dispenserID string, limit int) ([]store.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.EventRecord
	for i := len(s.events) - 1; i >= 0; i-- {
		if dispenserID != "" && s.events[i].Event.DispenserID != dispenserID {
			continue
		}
		out = append(out, s.events[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Events) PruneOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.events[:0]
	var n int64
	for _, rec := range s.events {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.ids, rec.Event.ID)
			n++
			continue
		}
		kept = append(kept, rec)
	}
	s.events = kept
	return n, nil
}

// Events returns a copy of all recorded events.  Test-only helper.
func (s *Events) Events() []store.EventRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.EventRecord, len(s.events))
	copy(out, s.events)
	return out
}
