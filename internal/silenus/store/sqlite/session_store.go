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
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/types"
)

type SessionStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewSessionStore(db *sql.DB, writer *dbpkg.Worker) *SessionStore {
	return &SessionStore{db: db, writer: writer}
}

func (s *SessionStore) OpenSession(ctx context.Context, rec store.SessionRecord) error {
	if rec.OpenedAt.IsZero() {
		rec.OpenedAt = time.Now().UTC()
	}
	openedMs := rec.OpenedAt.UTC().UnixMilli()

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureDispenser(ctx, tx, rec.DispenserID, openedMs); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
INSERT INTO sessions(
  session_id, dispenser_id, uid, account_id, authorized, unlimited,
  quota_ml, unit_ml, liquid_label, volume_start_ml, opened_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, rec.ID, rec.DispenserID, rec.UID, nullString(rec.AccountID), boolInt(rec.Authorized),
			boolInt(rec.Unlimited), rec.QuotaMl, rec.UnitMl, rec.LiquidLabel, rec.VolumeStartMl, openedMs)
		if err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint failed") {
				return store.ErrSessionExists
			}
			return fmt.Errorf("OpenSession insert: %w", err)
		}
		return nil
	})
}

func (s *SessionStore) CloseSession(ctx context.Context, c store.SessionClose) error {
	if c.ClosedAt.IsZero() {
		c.ClosedAt = time.Now().UTC()
	}

	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE sessions
SET closed_at_ms    = ?,
    volume_end_ml   = ?,
    delta_ml        = ?,
    charged_units   = ?,
    close_reason    = ?,
    last_message    = ?
WHERE session_id = ? AND closed_at_ms IS NULL;
`, c.ClosedAt.UTC().UnixMilli(), c.VolumeEndMl, c.DeltaMl, int64(c.ChargedUnits),
			string(c.Reason), c.LastMessage, c.ID)
		if err != nil {
			return fmt.Errorf("CloseSession update: %w", err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			return nil
		}

		var closed sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT closed_at_ms FROM sessions WHERE session_id = ?;`, c.ID).Scan(&closed)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("CloseSession lookup: %w", err)
		}
		return store.ErrSessionClosed
	})
}

const sessionColumns = `session_id, dispenser_id, uid, account_id, authorized, unlimited,
  quota_ml, unit_ml, liquid_label, volume_start_ml, opened_at_ms,
  closed_at_ms, volume_end_ml, delta_ml, charged_units, close_reason, last_message`

func scanSession(row rowScanner) (store.SessionRecord, error) {
	var (
		r                     store.SessionRecord
		accountID, reason     sql.NullString
		authorized, unlimited int
		opened                int64
		closed, charged       sql.NullInt64
		volumeEnd, delta      sql.NullFloat64
	)
	if err := row.Scan(&r.ID, &r.DispenserID, &r.UID, &accountID, &authorized, &unlimited,
		&r.QuotaMl, &r.UnitMl, &r.LiquidLabel, &r.VolumeStartMl, &opened,
		&closed, &volumeEnd, &delta, &charged, &reason, &r.LastMessage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.SessionRecord{}, store.ErrSessionNotFound
		}
		return store.SessionRecord{}, err
	}
	r.AccountID = accountID.String
	r.Authorized = authorized == 1
	r.Unlimited = unlimited == 1
	r.OpenedAt = fromMs(opened)
	r.ClosedAt = timePtr(closed)
	r.VolumeEndMl = volumeEnd.Float64
	r.DeltaMl = delta.Float64
	r.ChargedUnits = types.Units(charged.Int64)
	r.CloseReason = store.CloseReason(reason.String)
	return r, nil
}

func (s *SessionStore) Session(ctx context.Context, id string) (store.SessionRecord, error) {
	r, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?;`, id))
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		return store.SessionRecord{}, fmt.Errorf("Session: %w", err)
	}
	return r, err
}

func (s *SessionStore) ListSessions(ctx context.Context, f store.SessionFilter) ([]store.SessionRecord, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1 = 1`
	var args []any
	if f.DispenserID != "" {
		q += ` AND dispenser_id = ?`
		args = append(args, f.DispenserID)
	}
	if f.UID != "" {
		q += ` AND uid = ?`
		args = append(args, f.UID)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += ` ORDER BY opened_at_ms DESC, session_id DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("ListSessions query: %w", err)
	}
	defer rows.Close()

	var out []store.SessionRecord
	for rows.Next() {
		r, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("ListSessions scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneClosedBefore deletes closed sessions whose close time is before
// cutoff. Open sessions are never touched.
func (s *SessionStore) PruneClosedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM sessions
WHERE closed_at_ms IS NOT NULL AND closed_at_ms < ?;
`, cutoff.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("PruneClosedBefore: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
