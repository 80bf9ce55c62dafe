package engine

import (
	"context"
	"strings"

	"github.com/Priya8975/webhook-notifier/internal/apperr"
	"github.com/Priya8975/webhook-notifier/internal/domain"
)

// HistoryStore is the read side of delivery persistence.
type HistoryStore interface {
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	ListDeliveries(ctx context.Context, subscriberID string, offset, limit int) ([]domain.DeliverySummary, int64, error)
	ListDeliveriesByEvent(ctx context.Context, ownerID, eventType, eventID string) ([]domain.DeliverySummary, error)
	GetDeliveryStats(ctx context.Context, subscriberID string) (*domain.DeliveryStats, error)
}

// Owners resolves a subscriber for its owner, failing with NotFound for
// anyone else. *registry.Registry satisfies it.
type Owners interface {
	Get(ctx context.Context, ownerID, id string) (*domain.Subscriber, error)
}

// History answers owner-scoped questions about past deliveries.
type History struct {
	store  HistoryStore
	owners Owners
}

func NewHistory(s HistoryStore, owners Owners) *History {
	return &History{store: s, owners: owners}
}

// ListDeliveries returns one page of a subscriber's deliveries, newest first.
func (h *History) ListDeliveries(ctx context.Context, ownerID, subscriberID string, page, size int) (*domain.Page[domain.DeliverySummary], error) {
	if _, err := h.owners.Get(ctx, ownerID, subscriberID); err != nil {
		return nil, err
	}

	page, size = domain.NormalizePage(page, size)
	items, total, err := h.store.ListDeliveries(ctx, subscriberID, domain.Offset(page, size), size)
	if err != nil {
		return nil, apperr.Internal(err, "failed to list deliveries")
	}
	if items == nil {
		items = []domain.DeliverySummary{}
	}
	return &domain.Page[domain.DeliverySummary]{
		Items:      items,
		Pagination: domain.NewPagination(page, size, total),
	}, nil
}

// GetDelivery returns the full record. A delivery belonging to another
// owner's webhook is reported as not found.
func (h *History) GetDelivery(ctx context.Context, ownerID, deliveryID string) (*domain.Delivery, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperr.Unauthorized("owner identity is required")
	}

	d, err := h.store.GetDelivery(ctx, deliveryID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to get delivery")
	}
	if d == nil {
		return nil, apperr.NotFound("delivery", deliveryID)
	}

	if _, err := h.owners.Get(ctx, ownerID, d.SubscriberID); err != nil {
		if apperr.Is(err, apperr.CodeNotFound) {
			return nil, apperr.NotFound("delivery", deliveryID)
		}
		return nil, err
	}
	return d, nil
}

// Stats aggregates a subscriber's delivery outcomes.
func (h *History) Stats(ctx context.Context, ownerID, subscriberID string) (*domain.DeliveryStats, error) {
	if _, err := h.owners.Get(ctx, ownerID, subscriberID); err != nil {
		return nil, err
	}
	stats, err := h.store.GetDeliveryStats(ctx, subscriberID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to get delivery stats")
	}
	return stats, nil
}

// FindByEvent lists the owner's deliveries for one raised event.
func (h *History) FindByEvent(ctx context.Context, ownerID, eventType, eventID string) ([]domain.DeliverySummary, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, apperr.Unauthorized("owner identity is required")
	}
	if strings.TrimSpace(eventType) == "" {
		return nil, apperr.InvalidRequest("event_type", "event_type is required")
	}
	if strings.TrimSpace(eventID) == "" {
		return nil, apperr.InvalidRequest("event_id", "event_id is required")
	}

	items, err := h.store.ListDeliveriesByEvent(ctx, ownerID, eventType, eventID)
	if err != nil {
		return nil, apperr.Internal(err, "failed to look up deliveries")
	}
	if items == nil {
		items = []domain.DeliverySummary{}
	}
	return items, nil
}
