// Package sqlite implements the store contracts on modernc.org/sqlite.
// Reads go straight to *sql.DB; every write is funneled through the
// single-writer db.Worker.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ensureDispenser guarantees a dispensers row exists for id so that
// foreign keys from sessions and events are satisfied. New rows start
// disabled; only configured dispensers are enabled.
//
// Must be called inside an existing transaction.
func ensureDispenser(ctx context.Context, tx *sql.Tx, id string, nowMs int64) error {
	if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO dispensers(
  dispenser_id, enabled, created_at_ms, updated_at_ms
) VALUES (?, 0, ?, ?);
`, id, nowMs, nowMs); err != nil {
		return fmt.Errorf("ensureDispenser %s: %w", id, err)
	}
	return nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func msOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().UnixMilli()
}

func timePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

func fromMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
