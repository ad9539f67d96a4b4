package purchasesdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trading/internal/purchase"
)

// StateStore persists purchase records and their outbox in one SQL database.
type StateStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// NewStateStore constructs a StateStore for the given dialect.
func NewStateStore(db *sql.DB, dialect Dialect) *StateStore {
	return &StateStore{db: db, dialect: dialect, now: time.Now}
}

// NewStateStoreWithSchema initializes the schema then returns the store.
func NewStateStoreWithSchema(ctx context.Context, db *sql.DB, dialect Dialect) (*StateStore, error) {
	store := NewStateStore(db, dialect)
	if err := store.InitSchema(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// InitSchema creates purchase, outbox and catalog tables if they do not exist.
func (s *StateStore) InitSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

const stateColumns = `correlation_id, user_id, item_id, quantity, purchase_total, status,
		reserved_items_transaction_id, payment_correlation_id, bill_id, error_reason, compensated,
		created_at, last_updated, version`

func (s *StateStore) Load(ctx context.Context, correlationID string) (purchase.State, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT `+stateColumns+`
		FROM purchase_states
		WHERE correlation_id = $1`),
		correlationID,
	)

	var (
		state                             purchase.State
		status                            string
		reserved, payment, bill, errorMsg sql.NullString
	)
	err := row.Scan(
		&state.CorrelationID, &state.UserID, &state.ItemID, &state.Quantity, &state.PurchaseTotal, &status,
		&reserved, &payment, &bill, &errorMsg, &state.Compensated,
		&state.CreatedAt, &state.LastUpdated, &state.Version,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return purchase.State{}, purchase.ErrNotFound
		}
		return purchase.State{}, err
	}

	state.Status, err = purchase.ParseStatus(status)
	if err != nil {
		return purchase.State{}, err
	}
	state.ReservedItemsTransactionID = reserved.String
	state.PaymentCorrelationID = payment.String
	state.BillID = bill.String
	state.ErrorReason = errorMsg.String
	state.CreatedAt = state.CreatedAt.UTC()
	state.LastUpdated = state.LastUpdated.UTC()
	return state, nil
}

// Create inserts the record at version 1 together with its outbox rows.
func (s *StateStore) Create(ctx context.Context, state purchase.State, outbox []purchase.Envelope) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.dialect.insertIgnore("purchase_states", stateColumns,
			"$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14", "correlation_id"),
			state.CorrelationID, state.UserID, state.ItemID, state.Quantity, state.PurchaseTotal, string(state.Status),
			nullString(state.ReservedItemsTransactionID), nullString(state.PaymentCorrelationID),
			nullString(state.BillID), nullString(state.ErrorReason), state.Compensated,
			state.CreatedAt.UTC(), state.LastUpdated.UTC(), int64(1),
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return purchase.ErrAlreadyExists
		}
		return s.insertOutbox(ctx, tx, outbox)
	})
}

// SaveIfVersionMatches updates the record only when its stored version equals expectedVersion.
func (s *StateStore) SaveIfVersionMatches(ctx context.Context, state purchase.State, expectedVersion int64, outbox []purchase.Envelope) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.dialect.Rebind(`
			UPDATE purchase_states
			SET status = $1,
				reserved_items_transaction_id = $2,
				payment_correlation_id = $3,
				bill_id = $4,
				error_reason = $5,
				compensated = $6,
				last_updated = $7,
				version = version + 1
			WHERE correlation_id = $8 AND version = $9`),
			string(state.Status),
			nullString(state.ReservedItemsTransactionID), nullString(state.PaymentCorrelationID),
			nullString(state.BillID), nullString(state.ErrorReason), state.Compensated,
			state.LastUpdated.UTC(), state.CorrelationID, expectedVersion,
		)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return purchase.ErrVersionConflict
		}
		return s.insertOutbox(ctx, tx, outbox)
	})
}

func (s *StateStore) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin purchase tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}
