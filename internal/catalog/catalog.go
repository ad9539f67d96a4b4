package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"trading/internal/purchase"
)

var (
	// ErrItemNotFound is returned for items missing from the local replica.
	ErrItemNotFound = fmt.Errorf("catalog item not found: %w", purchase.ErrUnknownItem)
	ErrInvalidItem  = errors.New("invalid catalog item")
)

// Item is the local replica of a catalog entry. A deleted item is kept as a
// tombstone so that older updates cannot bring it back.
type Item struct {
	ID        string
	Name      string
	Price     float64
	UpdatedAt time.Time
	Deleted   bool
}

func (i Item) Validate() error {
	if i.ID == "" {
		return fmt.Errorf("%w: item id is required", ErrInvalidItem)
	}
	if i.Price < 0 {
		return fmt.Errorf("%w: negative price %.2f", ErrInvalidItem, i.Price)
	}
	return nil
}

// Repository stores catalog items, last writer wins by UpdatedAt. Upsert and
// Delete leave the stored item alone when it is newer than the change.
type Repository interface {
	Get(ctx context.Context, itemID string) (Item, error)
	Upsert(ctx context.Context, item Item) error
	Delete(ctx context.Context, itemID string, at time.Time) error
}

// PriceBook serves unit prices to the purchase orchestrator.
type PriceBook struct {
	repo Repository
}

func NewPriceBook(repo Repository) *PriceBook {
	return &PriceBook{repo: repo}
}

func (p *PriceBook) UnitPrice(ctx context.Context, itemID string) (float64, error) {
	item, err := p.repo.Get(ctx, itemID)
	if err != nil {
		return 0, err
	}
	return item.Price, nil
}

// MemoryCatalog is an in-process Repository.
type MemoryCatalog struct {
	items *xsync.MapOf[string, Item]
}

func NewMemoryCatalog(items ...Item) *MemoryCatalog {
	c := &MemoryCatalog{items: xsync.NewMapOf[string, Item]()}
	for _, item := range items {
		c.items.Store(item.ID, item)
	}
	return c
}

func (c *MemoryCatalog) Get(ctx context.Context, itemID string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	item, ok := c.items.Load(itemID)
	if !ok || item.Deleted {
		return Item{}, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	return item, nil
}

func (c *MemoryCatalog) Upsert(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := item.Validate(); err != nil {
		return err
	}
	item.Deleted = false
	c.items.Compute(item.ID, func(old Item, loaded bool) (Item, bool) {
		if loaded && old.UpdatedAt.After(item.UpdatedAt) {
			return old, false
		}
		return item, false
	})
	return nil
}

func (c *MemoryCatalog) Delete(ctx context.Context, itemID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.items.Compute(itemID, func(old Item, loaded bool) (Item, bool) {
		if loaded && old.UpdatedAt.After(at) {
			return old, false
		}
		return Item{ID: itemID, UpdatedAt: at, Deleted: true}, false
	})
	return nil
}
