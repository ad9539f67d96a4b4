package catalog

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"trading/internal/purchase"
)

// Catalog event types published by the catalog service.
const (
	TypeItemUpserted = "CatalogItemUpserted"
	TypeItemDeleted  = "CatalogItemDeleted"
)

type ItemUpserted struct {
	ItemID string  `json:"itemId"`
	Name   string  `json:"name"`
	Price  float64 `json:"price"`
}

type ItemDeleted struct {
	ItemID string `json:"itemId"`
}

func (e ItemUpserted) MessageType() string { return TypeItemUpserted }
func (e ItemUpserted) Correlation() string { return e.ItemID }
func (e ItemDeleted) MessageType() string  { return TypeItemDeleted }
func (e ItemDeleted) Correlation() string  { return e.ItemID }

// IsEventType reports whether msgType is a catalog event.
func IsEventType(msgType string) bool {
	return msgType == TypeItemUpserted || msgType == TypeItemDeleted
}

// Handler keeps the local replica in sync with catalog events.
type Handler struct {
	repo   Repository
	logger *zap.Logger
}

func NewHandler(repo Repository, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{repo: repo, logger: logger}
}

// HandleEnvelope applies one catalog event. Malformed events are dropped.
func (h *Handler) HandleEnvelope(ctx context.Context, env purchase.Envelope) error {
	switch env.Type {
	case TypeItemUpserted:
		var evt ItemUpserted
		if err := json.Unmarshal(env.Payload, &evt); err != nil {
			h.drop(env, err)
			return nil
		}
		item := Item{ID: evt.ItemID, Name: evt.Name, Price: evt.Price, UpdatedAt: env.OccurredAt}
		if err := item.Validate(); err != nil {
			h.drop(env, err)
			return nil
		}
		if err := h.repo.Upsert(ctx, item); err != nil {
			return fmt.Errorf("upsert catalog item %s: %w", item.ID, err)
		}
		h.logger.Info("catalog item updated", zap.String("item_id", item.ID), zap.Float64("price", item.Price))
	case TypeItemDeleted:
		var evt ItemDeleted
		if err := json.Unmarshal(env.Payload, &evt); err != nil || evt.ItemID == "" {
			h.drop(env, err)
			return nil
		}
		if err := h.repo.Delete(ctx, evt.ItemID, env.OccurredAt); err != nil {
			return fmt.Errorf("delete catalog item %s: %w", evt.ItemID, err)
		}
		h.logger.Info("catalog item removed", zap.String("item_id", evt.ItemID))
	default:
		h.drop(env, fmt.Errorf("unsupported type %q", env.Type))
	}
	return nil
}

func (h *Handler) drop(env purchase.Envelope, err error) {
	h.logger.Warn("dropping malformed catalog event",
		zap.String("message_id", env.ID),
		zap.String("message_type", env.Type),
		zap.Error(err),
	)
}
