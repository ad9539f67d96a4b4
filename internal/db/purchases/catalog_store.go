package purchasesdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"trading/internal/catalog"
)

// CatalogStore is the SQL-backed catalog replica.
type CatalogStore struct {
	db      *sql.DB
	dialect Dialect
}

func NewCatalogStore(db *sql.DB, dialect Dialect) *CatalogStore {
	return &CatalogStore{db: db, dialect: dialect}
}

func (s *CatalogStore) Get(ctx context.Context, itemID string) (catalog.Item, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(`
		SELECT item_id, name, price, updated_at
		FROM catalog_items
		WHERE item_id = $1 AND NOT deleted`),
		itemID,
	)
	var item catalog.Item
	if err := row.Scan(&item.ID, &item.Name, &item.Price, &item.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return catalog.Item{}, fmt.Errorf("%w: %s", catalog.ErrItemNotFound, itemID)
		}
		return catalog.Item{}, err
	}
	item.UpdatedAt = item.UpdatedAt.UTC()
	return item, nil
}

// Upsert writes item unless the stored row carries a newer update time.
func (s *CatalogStore) Upsert(ctx context.Context, item catalog.Item) error {
	if err := item.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, s.upsertQuery(),
		item.ID, item.Name, item.Price, item.UpdatedAt.UTC(),
	)
	return err
}

func (s *CatalogStore) upsertQuery() string {
	if s.dialect.Name == MySQL.Name {
		// updated_at is assigned last so the comparisons above see the stored value.
		return s.dialect.Rebind(`
			INSERT INTO catalog_items (item_id, name, price, updated_at)
			VALUES ($1, $2, $3, $4)
			ON DUPLICATE KEY UPDATE
				name = IF(VALUES(updated_at) >= updated_at, VALUES(name), name),
				price = IF(VALUES(updated_at) >= updated_at, VALUES(price), price),
				deleted = IF(VALUES(updated_at) >= updated_at, FALSE, deleted),
				updated_at = GREATEST(updated_at, VALUES(updated_at))`)
	}
	return `
		INSERT INTO catalog_items (item_id, name, price, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (item_id) DO UPDATE
		SET name = EXCLUDED.name, price = EXCLUDED.price, updated_at = EXCLUDED.updated_at, deleted = FALSE
		WHERE catalog_items.updated_at <= EXCLUDED.updated_at`
}

// Delete marks the item deleted as of at. The row stays as a tombstone so
// upserts older than the delete are ignored.
func (s *CatalogStore) Delete(ctx context.Context, itemID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.deleteQuery(), itemID, at.UTC())
	return err
}

func (s *CatalogStore) deleteQuery() string {
	if s.dialect.Name == MySQL.Name {
		return s.dialect.Rebind(`
			INSERT INTO catalog_items (item_id, name, price, updated_at, deleted)
			VALUES ($1, '', 0, $2, TRUE)
			ON DUPLICATE KEY UPDATE
				deleted = IF(VALUES(updated_at) >= updated_at, TRUE, deleted),
				updated_at = GREATEST(updated_at, VALUES(updated_at))`)
	}
	return `
		INSERT INTO catalog_items (item_id, name, price, updated_at, deleted)
		VALUES ($1, '', 0, $2, TRUE)
		ON CONFLICT (item_id) DO UPDATE
		SET deleted = TRUE, updated_at = EXCLUDED.updated_at
		WHERE catalog_items.updated_at <= EXCLUDED.updated_at`
}
