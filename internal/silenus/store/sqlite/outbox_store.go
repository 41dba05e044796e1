package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/BrandonDHaskell/Silenus/server/internal/db"
	"github.com/BrandonDHaskell/Silenus/server/internal/silenus/store"
)

type OutboxStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewOutboxStore(db *sql.DB, writer *dbpkg.Worker) *OutboxStore {
	return &OutboxStore{db: db, writer: writer}
}

func (s *OutboxStore) Enqueue(ctx context.Context, e store.OutboxEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO outbox(event_id, payload, attempts, created_at_ms)
VALUES (?, ?, ?, ?);
`, e.EventID, e.Payload, e.Attempts, e.CreatedAt.UTC().UnixMilli()); err != nil {
			return fmt.Errorf("Enqueue: %w", err)
		}
		return nil
	})
}

func (s *OutboxStore) Pending(ctx context.Context, limit int) ([]store.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT event_id, payload, attempts, created_at_ms
FROM outbox
WHERE delivered_at_ms IS NULL
ORDER BY created_at_ms ASC, rowid ASC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("Pending query: %w", err)
	}
	defer rows.Close()

	var out []store.OutboxEntry
	for rows.Next() {
		var (
			e       store.OutboxEntry
			created int64
		)
		if err := rows.Scan(&e.EventID, &e.Payload, &e.Attempts, &created); err != nil {
			return nil, fmt.Errorf("Pending scan: %w", err)
		}
		e.CreatedAt = fromMs(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, eventID string, t time.Time) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
UPDATE outbox SET delivered_at_ms = ? WHERE event_id = ? AND delivered_at_ms IS NULL;
`, t.UTC().UnixMilli(), eventID); err != nil {
			return fmt.Errorf("MarkDelivered: %w", err)
		}
		return nil
	})
}

func (s *OutboxStore) MarkAttempt(ctx context.Context, eventID string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox SET attempts = attempts + 1 WHERE event_id = ?;`, eventID); err != nil {
			return fmt.Errorf("MarkAttempt: %w", err)
		}
		return nil
	})
}

func (s *OutboxStore) PruneDeliveredBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var deleted int64
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM outbox WHERE delivered_at_ms IS NOT NULL AND delivered_at_ms < ?;
`, cutoff.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("PruneDeliveredBefore: %w", err)
		}
		deleted, _ = res.RowsAffected()
		return nil
	})
	return deleted, err
}
