package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
)

type Sessions struct {
	mu   sync.RWMutex
	data map[string]store.SessionRecord
}

func NewSessions() *Sessions {
	return &Sessions{data: make(map[string]store.SessionRecord)}
}

func (s *Sessions) OpenSession(_ context.Context, rec store.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[rec.ID]; ok {
		return store.ErrSessionExists
	}
	rec.ClosedAt = nil
	s.data[rec.ID] = rec
	return nil
}

func (s *Sessions) CloseSession(_ context.Context, c store.SessionClose) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.data[c.ID]
	if !ok {
		return store.ErrSessionNotFound
	}
	if !rec.Open() {
		return store.ErrSessionClosed
	}
	at := c.ClosedAt
	rec.ClosedAt = &at
	rec.VolumeEndMl = c.VolumeEndMl
	rec.DeltaMl = c.DeltaMl
	rec.ChargedUnits = c.ChargedUnits
	rec.CloseReason = c.Reason
	rec.LastMessage = c.LastMessage
	s.data[c.ID] = rec
	return nil
}

func (s *Sessions) Session(_ context.Context, id string) (store.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.data[id]
	if !ok {
		return store.SessionRecord{}, store.ErrSessionNotFound
	}
	return rec, nil
}

func (s *Sessions) ListSessions(_ context.Context, f store.SessionFilter) ([]store.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []store.SessionRecord
	for _, rec := range s.data {
		if f.DispenserID != "" && rec.DispenserID != f.DispenserID {
			continue
		}
		if f.UID != "" && rec.UID != f.UID {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Sessions) PruneClosedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, rec := range s.data {
		if rec.ClosedAt != nil && rec.ClosedAt.Before(cutoff) {
			delete(s.data, id)
			n++
		}
	}
	return n, nil
}
