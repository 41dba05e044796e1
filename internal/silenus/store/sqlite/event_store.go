package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Silenus/server/internal/db"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

type EventStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewEventStore(db *sql.DB, writer *dbpkg.Worker) *EventStore {
	return &EventStore{db: db, writer: writer}
}

func unitsOrNil(u *types.Units) any {
	if u == nil {
		return nil
	}
	return int64(*u)
}

func unitsPtr(v sql.NullInt64) *types.Units {
	if !v.Valid {
		return nil
	}
	u := types.Units(v.Int64)
	return &u
}

func (s *EventStore) RecordEvent(ctx context.Context, rec store.EventRecord) (bool, error) {
	ev := rec.Event
	ev.DispenserID = strings.TrimSpace(ev.DispenserID)
	if ev.ID == "" || ev.DispenserID == "" {
		return false, fmt.Errorf("RecordEvent: event id and dispenser id are required")
	}
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	if ev.At.IsZero() {
		ev.At = rec.ReceivedAt
	}
	receivedMs := rec.ReceivedAt.UTC().UnixMilli()

	var inserted bool
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureDispenser(ctx, tx, ev.DispenserID, receivedMs); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO events(
  event_id, event_type, dispenser_id, uid, session_id, volume_ml, flow_rate,
  valve_open, message, charged_units, balance_units, source,
  occurred_at_ms, received_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, ev.ID, string(ev.Type), ev.DispenserID, ev.UID, ev.SessionID, ev.VolumeMl, ev.FlowRate,
			boolInt(ev.ValveOpen), ev.Message, unitsOrNil(ev.ChargedUnits), unitsOrNil(ev.Balance),
			rec.Source, ev.At.UTC().UnixMilli(), receivedMs)
		if err != nil {
			return fmt.Errorf("RecordEvent insert: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		return nil
	})
	return inserted, err
}

func (s *EventStore) RecentEvents(ctx context.Context, dispenserID string, limit int) ([]store.EventRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
SELECT event_id, event_type, dispenser_id, uid, session_id, volume_ml, flow_rate,
       valve_open, message, charged_units, balance_units, source,
       occurred_at_ms, received_at_ms
FROM events`
	var args []any
	if dispenserID != "" {
		q += ` WHERE dispenser_id = ?`
		args = append(args, dispenserID)
	}
	q += ` ORDER BY received_at_ms DESC, rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("RecentEvents query: %w", err)
	}
	defer rows.Close()

	var out []store.EventRecord
	for rows.Next() {
		var (
			rec                    store.EventRecord
			typ                    string
			valveOpen              int
			charged, balance       sql.NullInt64
			occurredMs, receivedMs int64
		)
		ev := &rec.Event
		if err := rows.Scan(&ev.ID, &typ, &ev.DispenserID, &ev.UID, &ev.SessionID, &ev.VolumeMl,
			&ev.FlowRate, &valveOpen, &ev.Message, &charged, &balance, &rec.Source,
			&occurredMs, &receivedMs); err != nil {
			return nil, fmt.Errorf("RecentEvents scan: %w", err)
		}
		ev.Type = types.EventType(typ)
		ev.ValveOpen = valveOpen == 1
		ev.ChargedUnits = unitsPtr(charged)
		ev.Balance = unitsPtr(balance)
		ev.At = fromMs(occurredMs)
		rec.ReceivedAt = fromMs(receivedMs)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PruneOlderThan deletes events received before cutoff. Returns the number
// of rows deleted.
//
// Uses the idx_events_time index for an efficient range scan.
func (s *EventStore) PruneOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM events WHERE received_at_ms < ?;`, cutoff.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("PruneOlderThan: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
