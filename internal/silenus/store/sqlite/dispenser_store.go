package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/BrandonDHaskell/Silenus/server/internal/db"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
)

type DispenserStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewDispenserStore(db *sql.DB, writer *dbpkg.Worker) *DispenserStore {
	return &DispenserStore{db: db, writer: writer}
}

func (s *DispenserStore) UpsertDispenser(ctx context.Context, d store.Dispenser, now time.Time) error {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return errors.New("UpsertDispenser: empty id")
	}
	ms := now.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO dispensers(
  dispenser_id, label, liquid_label, unit_ml, enabled, created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(dispenser_id) DO UPDATE SET
  label = excluded.label,
  liquid_label = excluded.liquid_label,
  unit_ml = excluded.unit_ml,
  enabled = 1,
  updated_at_ms = excluded.updated_at_ms;
`, d.ID, d.Label, d.LiquidLabel, d.UnitMl, ms, ms); err != nil {
			return fmt.Errorf("UpsertDispenser: %w", err)
		}
		return nil
	})
}

func (s *DispenserStore) IsKnown(ctx context.Context, id string) (bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return false, nil
	}

	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT enabled FROM dispensers WHERE dispenser_id = ?;`, id).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("IsKnown query: %w", err)
	}
	return enabled == 1, nil
}

// MarkSeen ensures the dispenser row exists (even if unknown) and updates
// last_seen.
func (s *DispenserStore) MarkSeen(ctx context.Context, id string, t time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	if t.IsZero() {
		t = time.Now().UTC()
	}
	ms := t.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureDispenser(ctx, tx, id, ms); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE dispensers
SET last_seen_at_ms = ?,
    updated_at_ms   = ?
WHERE dispenser_id = ?;
`, ms, ms, id); err != nil {
			return fmt.Errorf("MarkSeen update: %w", err)
		}
		return nil
	})
}

func (s *DispenserStore) Dispenser(ctx context.Context, id string) (store.Dispenser, error) {
	var (
		d        store.Dispenser
		enabled  int
		lastSeen sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT dispenser_id, label, liquid_label, unit_ml, enabled, last_seen_at_ms
FROM dispensers
WHERE dispenser_id = ?;
`, id).Scan(&d.ID, &d.Label, &d.LiquidLabel, &d.UnitMl, &enabled, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Dispenser{}, store.ErrDispenserNotFound
	}
	if err != nil {
		return store.Dispenser{}, fmt.Errorf("Dispenser query: %w", err)
	}
	d.Enabled = enabled == 1
	d.LastSeen = timePtr(lastSeen)
	return d, nil
}
