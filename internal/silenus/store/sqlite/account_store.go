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

// AccountStore implements store.AccountStore and store.LedgerStore.
type AccountStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewAccountStore(db *sql.DB, writer *dbpkg.Worker) *AccountStore {
	return &AccountStore{db: db, writer: writer}
}

const accountColumns = `account_id, uid, label, balance_units, active, unlimited,
  valid_from_ms, valid_to_ms, created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (store.Account, error) {
	var (
		a                  store.Account
		balance            int64
		active, unlimited  int
		validFrom, validTo sql.NullInt64
		created, updated   int64
	)
	if err := row.Scan(&a.ID, &a.UID, &a.Label, &balance, &active, &unlimited,
		&validFrom, &validTo, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.Account{}, store.ErrAccountNotFound
		}
		return store.Account{}, err
	}
	a.Balance = types.Units(balance)
	a.Active = active == 1
	a.Unlimited = unlimited == 1
	a.ValidFrom = timePtr(validFrom)
	a.ValidTo = timePtr(validTo)
	a.CreatedAt = fromMs(created)
	a.UpdatedAt = fromMs(updated)
	return a, nil
}

func (s *AccountStore) AccountByUID(ctx context.Context, uid string) (store.Account, error) {
	uid = strings.TrimSpace(uid)
	if uid == "" {
		return store.Account{}, store.ErrAccountNotFound
	}
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE uid = ?;`, uid))
	if err != nil && !errors.Is(err, store.ErrAccountNotFound) {
		return store.Account{}, fmt.Errorf("AccountByUID: %w", err)
	}
	return a, err
}

func (s *AccountStore) AccountByID(ctx context.Context, id string) (store.Account, error) {
	a, err := scanAccount(s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_id = ?;`, id))
	if err != nil && !errors.Is(err, store.ErrAccountNotFound) {
		return store.Account{}, fmt.Errorf("AccountByID: %w", err)
	}
	return a, err
}

func (s *AccountStore) UpsertAccount(ctx context.Context, spec store.AccountSpec, now time.Time) (store.Account, error) {
	spec.UID = strings.TrimSpace(spec.UID)
	if spec.UID == "" {
		return store.Account{}, errors.New("UpsertAccount: empty uid")
	}
	nowMs := now.UTC().UnixMilli()

	var out store.Account
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO accounts(
  account_id, uid, label, active, unlimited, valid_from_ms, valid_to_ms,
  created_at_ms, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(uid) DO UPDATE SET
  label = excluded.label,
  active = excluded.active,
  unlimited = excluded.unlimited,
  valid_from_ms = excluded.valid_from_ms,
  valid_to_ms = excluded.valid_to_ms,
  updated_at_ms = excluded.updated_at_ms;
`, store.NewAccountID(now), spec.UID, spec.Label, boolInt(spec.Active), boolInt(spec.Unlimited),
			msOrNil(spec.ValidFrom), msOrNil(spec.ValidTo), nowMs, nowMs); err != nil {
			return fmt.Errorf("UpsertAccount: %w", err)
		}
		a, err := scanAccount(tx.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE uid = ?;`, spec.UID))
		if err != nil {
			return fmt.Errorf("UpsertAccount reload: %w", err)
		}
		out = a
		return nil
	})
	return out, err
}

// InTx runs fn inside one writer transaction. SQLite serializes writers,
// so the account row read by AccountForUpdate cannot change under fn.
func (s *AccountStore) InTx(ctx context.Context, fn func(ctx context.Context, tx store.LedgerTx) error) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, ledgerTx{tx: tx})
	})
}

func (s *AccountStore) Entries(ctx context.Context, accountID string, limit int) ([]store.LedgerEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+entryColumns+`
FROM ledger_entries
WHERE account_id = ?
ORDER BY created_at_ms DESC, entry_id DESC
LIMIT ?;
`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("Entries query: %w", err)
	}
	defer rows.Close()

	var out []store.LedgerEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("Entries scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const entryColumns = `account_id, session_id, kind, units, balance_before, balance_after,
  volume_ml, unit_ml, note, created_at_ms`

func scanEntry(row rowScanner) (store.LedgerEntry, error) {
	var (
		e                    store.LedgerEntry
		sessionID            sql.NullString
		kind                 string
		units, before, after int64
		created              int64
	)
	if err := row.Scan(&e.AccountID, &sessionID, &kind, &units, &before, &after,
		&e.VolumeMl, &e.UnitMl, &e.Note, &created); err != nil {
		return store.LedgerEntry{}, err
	}
	e.SessionID = sessionID.String
	e.Kind = store.EntryKind(kind)
	e.Units = types.Units(units)
	e.BalanceBefore = types.Units(before)
	e.BalanceAfter = types.Units(after)
	e.CreatedAt = fromMs(created)
	return e, nil
}

type ledgerTx struct {
	tx *sql.Tx
}

func (l ledgerTx) AccountForUpdate(ctx context.Context, accountID string) (store.Account, error) {
	return scanAccount(l.tx.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE account_id = ?;`, accountID))
}

func (l ledgerTx) SaveBalance(ctx context.Context, accountID string, balance types.Units, at time.Time) error {
	res, err := l.tx.ExecContext(ctx, `
UPDATE accounts SET balance_units = ?, updated_at_ms = ? WHERE account_id = ?;
`, int64(balance), at.UTC().UnixMilli(), accountID)
	if err != nil {
		return fmt.Errorf("SaveBalance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrAccountNotFound
	}
	return nil
}

func (l ledgerTx) EntryForSession(ctx context.Context, sessionID string) (store.LedgerEntry, bool, error) {
	e, err := scanEntry(l.tx.QueryRowContext(ctx,
		`SELECT `+entryColumns+` FROM ledger_entries WHERE session_id = ?;`, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return store.LedgerEntry{}, false, nil
	}
	if err != nil {
		return store.LedgerEntry{}, false, fmt.Errorf("EntryForSession: %w", err)
	}
	return e, true, nil
}

func (l ledgerTx) RecordEntry(ctx context.Context, e store.LedgerEntry) error {
	if e.SessionID != "" {
		if _, ok, err := l.EntryForSession(ctx, e.SessionID); err != nil {
			return err
		} else if ok {
			return store.ErrEntryExists
		}
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if _, err := l.tx.ExecContext(ctx, `
INSERT INTO ledger_entries(
  account_id, session_id, kind, units, balance_before, balance_after,
  volume_ml, unit_ml, note, created_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`, e.AccountID, nullString(e.SessionID), string(e.Kind), int64(e.Units),
		int64(e.BalanceBefore), int64(e.BalanceAfter), e.VolumeMl, e.UnitMl, e.Note,
		e.CreatedAt.UTC().UnixMilli()); err != nil {
		return fmt.Errorf("RecordEntry: %w", err)
	}
	return nil
}
