package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Priya8975/webhook-notifier/internal/domain"
)

// Deliveries is the owner-scoped delivery history.
type Deliveries interface {
	ListDeliveries(ctx context.Context, ownerID, subscriberID string, page, size int) (*domain.Page[domain.DeliverySummary], error)
	GetDelivery(ctx context.Context, ownerID, deliveryID string) (*domain.Delivery, error)
	Stats(ctx context.Context, ownerID, subscriberID string) (*domain.DeliveryStats, error)
	FindByEvent(ctx context.Context, ownerID, eventType, eventID string) ([]domain.DeliverySummary, error)
}

type DeliveryHandler struct {
	history Deliveries
	logger  *slog.Logger
}

func NewDeliveryHandler(h Deliveries, logger *slog.Logger) *DeliveryHandler {
	return &DeliveryHandler{history: h, logger: logger}
}

// List serves ?page=&limit= over one webhook's deliveries.
func (h *DeliveryHandler) List(w http.ResponseWriter, r *http.Request) {
	page, err := h.history.ListDeliveries(r.Context(), ownerFrom(r), chi.URLParam(r, "id"),
		queryInt(r, "page"), queryInt(r, "limit", "page_size"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, page)
}

func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.history.GetDelivery(r.Context(), ownerFrom(r), chi.URLParam(r, "deliveryId"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, d)
}

func (h *DeliveryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.history.Stats(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

// FindByEvent serves ?event_type=&event_id= across the owner's webhooks.
func (h *DeliveryHandler) FindByEvent(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	items, err := h.history.FindByEvent(r.Context(), ownerFrom(r), q.Get("event_type"), q.Get("event_id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}
