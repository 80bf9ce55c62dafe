package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Priya8975/webhook-notifier/internal/domain"
)

// Subscribers is the owner-scoped webhook registry.
type Subscribers interface {
	Create(ctx context.Context, ownerID string, req domain.CreateSubscriberRequest) (*domain.Subscriber, error)
	List(ctx context.Context, ownerID string) ([]domain.Subscriber, error)
	Get(ctx context.Context, ownerID, id string) (*domain.Subscriber, error)
	Update(ctx context.Context, ownerID, id string, req domain.UpdateSubscriberRequest) (*domain.Subscriber, error)
	Delete(ctx context.Context, ownerID, id string) error
	RegenerateSecret(ctx context.Context, ownerID, id string) (*domain.Subscriber, error)
}

type SubscriberHandler struct {
	registry Subscribers
	logger   *slog.Logger
}

func NewSubscriberHandler(reg Subscribers, logger *slog.Logger) *SubscriberHandler {
	return &SubscriberHandler{registry: reg, logger: logger}
}

func (h *SubscriberHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSubscriberRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}

	sub, err := h.registry.Create(r.Context(), ownerFrom(r), req)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	respondJSON(w, http.StatusCreated, domain.SubscriberWithSecret{
		SubscriberView: domain.NewSubscriberView(sub),
		Secret:         sub.Secret,
	})
}

func (h *SubscriberHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.registry.List(r.Context(), ownerFrom(r))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	views := make([]domain.SubscriberView, 0, len(subs))
	for i := range subs {
		views = append(views, domain.NewSubscriberView(&subs[i]))
	}
	respondJSON(w, http.StatusOK, views)
}

func (h *SubscriberHandler) Get(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.Get(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, domain.NewSubscriberView(sub))
}

func (h *SubscriberHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req domain.UpdateSubscriberRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}

	sub, err := h.registry.Update(r.Context(), ownerFrom(r), chi.URLParam(r, "id"), req)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, domain.NewSubscriberView(sub))
}

func (h *SubscriberHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), ownerFrom(r), chi.URLParam(r, "id")); err != nil {
		respondError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RegenerateSecret rotates the signing secret. The new value is shown once.
func (h *SubscriberHandler) RegenerateSecret(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.RegenerateSecret(r.Context(), ownerFrom(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	respondJSON(w, http.StatusOK, domain.SubscriberWithSecret{
		SubscriberView: domain.NewSubscriberView(sub),
		Secret:         sub.Secret,
	})
}
