package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type SeedDispenser struct {
	ID          string
	Label       string
	LiquidLabel string
	UnitMl      float64
}

type SeedAccount struct {
	ID    string
	UID   string
	Label string
}

type SeedDevOptions struct {
	Dispensers []SeedDispenser
	Accounts   []SeedAccount
}

// SeedDev registers the configured dispensers and creates dev accounts with
// a zero balance. Balances are funded through the ledger afterwards so the
// entry history stays complete.
func SeedDev(ctx context.Context, db *sql.DB, opt SeedDevOptions) error {
	now := time.Now().UTC().UnixMilli()

	for _, d := range opt.Dispensers {
		id := strings.TrimSpace(d.ID)
		if id == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, `
INSERT INTO dispensers(
  dispenser_id, label, liquid_label, unit_ml, enabled, created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, 1, ?, ?)
ON CONFLICT(dispenser_id) DO UPDATE SET
  label = excluded.label,
  liquid_label = excluded.liquid_label,
  unit_ml = excluded.unit_ml,
  enabled = 1,
  updated_at_ms = excluded.updated_at_ms;
`, id, d.Label, d.LiquidLabel, d.UnitMl, now, now); err != nil {
			return fmt.Errorf("seed dispenser %s: %w", id, err)
		}
	}

	for _, a := range opt.Accounts {
		if _, err := db.ExecContext(ctx, `
INSERT OR IGNORE INTO accounts(
  account_id, uid, label, active, created_at_ms, updated_at_ms
) VALUES (?, ?, ?, 1, ?, ?);
`, a.ID, a.UID, a.Label, now, now); err != nil {
			return fmt.Errorf("seed account %s: %w", a.UID, err)
		}
	}

	return nil
}
