package purchasesdb

import (
	"context"
	"database/sql"
	"time"

	"trading/internal/purchase"
)

const outboxColumns = "message_id, correlation_id, message_type, payload, deliver_at, occurred_at, attempts, created_at"

// insertOutbox writes envelopes inside the state transaction. Message ids are deterministic,
// so a row that already exists is the same message and is skipped.
func (s *StateStore) insertOutbox(ctx context.Context, tx *sql.Tx, outbox []purchase.Envelope) error {
	if len(outbox) == 0 {
		return nil
	}
	stmt := s.dialect.insertIgnore("purchase_outbox", outboxColumns, "$1, $2, $3, $4, $5, $6, 0, $7", "message_id")
	now := s.now().UTC()
	for _, env := range outbox {
		var deliverAt sql.NullTime
		if env.Delayed() {
			deliverAt = sql.NullTime{Time: env.DeliverAt.UTC(), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, stmt,
			env.ID, env.CorrelationID, env.Type, string(env.Payload), deliverAt, env.OccurredAt.UTC(), now,
		); err != nil {
			return err
		}
	}
	return nil
}

// PendingOutbox returns undispatched records in insertion order.
func (s *StateStore) PendingOutbox(ctx context.Context, limit int) ([]purchase.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT message_id, correlation_id, message_type, payload, deliver_at, occurred_at, attempts, last_error, created_at
		FROM purchase_outbox
		WHERE dispatched_at IS NULL
		ORDER BY seq
		LIMIT $1`),
		limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []purchase.OutboxRecord
	for rows.Next() {
		var (
			rec       purchase.OutboxRecord
			payload   string
			deliverAt sql.NullTime
			lastError sql.NullString
		)
		if err := rows.Scan(
			&rec.ID, &rec.CorrelationID, &rec.Type, &payload, &deliverAt, &rec.OccurredAt,
			&rec.Attempts, &lastError, &rec.CreatedAt,
		); err != nil {
			return nil, err
		}
		rec.Payload = []byte(payload)
		if deliverAt.Valid {
			at := deliverAt.Time.UTC()
			rec.DeliverAt = &at
		}
		rec.OccurredAt = rec.OccurredAt.UTC()
		rec.LastError = lastError.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *StateStore) MarkDispatched(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE purchase_outbox
		SET dispatched_at = $1
		WHERE message_id = $2 AND dispatched_at IS NULL`),
		s.now().UTC(), id,
	)
	return err
}

func (s *StateStore) MarkFailed(ctx context.Context, id string, cause string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		UPDATE purchase_outbox
		SET attempts = attempts + 1, last_error = $1
		WHERE message_id = $2`),
		cause, id,
	)
	return err
}

// PurgeDispatched deletes dispatched records older than the cutoff and returns how many were removed.
func (s *StateStore) PurgeDispatched(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(`
		DELETE FROM purchase_outbox
		WHERE dispatched_at IS NOT NULL AND dispatched_at < $1`),
		before.UTC(),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
