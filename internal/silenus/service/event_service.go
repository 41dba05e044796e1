package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BrandonDHaskell/Silenus/server/internal/clock"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/events"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

var (
	ErrInvalidEventID   = errors.New("event id is required")
	ErrInvalidEventType = errors.New("unknown event type")
)

// EventService stores dispenser events, from the local publisher or from
// remote agents, and tracks when each dispenser was last heard from.
type EventService struct {
	registry *DispenserRegistry
	events   store.EventStore
	clock    clock.Clock
	logger   *slog.Logger
}

func NewEventService(reg *DispenserRegistry, es store.EventStore, clk clock.Clock, log *slog.Logger) *EventService {
	if clk == nil {
		clk = clock.Real{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &EventService{registry: reg, events: es, clock: clk, logger: log}
}

// Ingest records ev. A repeated event ID reports inserted=false.
func (s *EventService) Ingest(ctx context.Context, ev types.Event, source string) (bool, error) {
	ev.ID = strings.TrimSpace(ev.ID)
	ev.DispenserID = strings.TrimSpace(ev.DispenserID)
	switch {
	case ev.ID == "":
		return false, ErrInvalidEventID
	case ev.DispenserID == "":
		return false, ErrInvalidDispenserID
	case !ev.Type.Valid():
		return false, fmt.Errorf("%w: %q", ErrInvalidEventType, ev.Type)
	}

	now := s.clock.Now().UTC()
	if ev.At.IsZero() {
		ev.At = now
	}

	known, err := s.registry.IsKnown(ctx, ev.DispenserID)
	if err != nil {
		return false, err
	}
	inserted, err := s.events.RecordEvent(ctx, store.EventRecord{Event: ev, Source: source, ReceivedAt: now})
	if err != nil {
		return false, err
	}
	if err := s.registry.NoteSeen(ctx, ev.DispenserID); err != nil {
		s.logger.Warn("note dispenser seen", "dispenser_id", ev.DispenserID, "error", err)
	}
	if !known {
		s.logger.Warn("event from unregistered dispenser", "dispenser_id", ev.DispenserID, "type", string(ev.Type))
	}
	return inserted, nil
}

func (s *EventService) Recent(ctx context.Context, dispenserID string, limit int) ([]store.EventRecord, error) {
	return s.events.RecentEvents(ctx, strings.TrimSpace(dispenserID), limit)
}

// Sink adapts the service into a publisher sink. Invalid events are
// rejected rather than retried.
func (s *EventService) Sink(source string) events.Sink {
	return events.SinkFunc(func(ctx context.Context, ev types.Event) error {
		_, err := s.Ingest(ctx, ev, source)
		if errors.Is(err, ErrInvalidEventID) || errors.Is(err, ErrInvalidDispenserID) || errors.Is(err, ErrInvalidEventType) {
			return fmt.Errorf("%w: %v", events.ErrRejected, err)
		}
		return err
	})
}
