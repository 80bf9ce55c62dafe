package api

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/Priya8975/webhook-notifier/internal/apperr"
	"github.com/Priya8975/webhook-notifier/internal/domain"
)

// EventDispatcher fans a raised event out to subscribers.
type EventDispatcher interface {
	Dispatch(ctx context.Context, eventType, eventID string, payload any) int
}

type EventHandler struct {
	dispatcher EventDispatcher
	logger     *slog.Logger
}

func NewEventHandler(d EventDispatcher, logger *slog.Logger) *EventHandler {
	return &EventHandler{dispatcher: d, logger: logger}
}

type createEventResponse struct {
	EventType        string `json:"event_type"`
	EventID          string `json:"event_id,omitempty"`
	DeliveriesQueued int    `json:"deliveries_queued"`
}

// Create raises an event. Delivery happens in the background; the response
// only reports how many deliveries were queued.
func (h *EventHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.Event
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, h.logger, err)
		return
	}

	req.Type = strings.TrimSpace(req.Type)
	if req.Type == "" {
		respondError(w, h.logger, apperr.InvalidRequest("event_type", "event_type is required"))
		return
	}
	if len(req.Type) > domain.MaxEventTypeLength {
		respondError(w, h.logger, apperr.InvalidRequest("event_type", "event type must be at most 100 characters"))
		return
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		respondError(w, h.logger, apperr.InvalidRequest("data", "data must be valid JSON"))
		return
	}

	// Detached so a client hanging up does not cut the fan-out short.
	queued := h.dispatcher.Dispatch(context.WithoutCancel(r.Context()), req.Type, req.ID, req.Payload)

	respondJSON(w, http.StatusAccepted, createEventResponse{
		EventType:        req.Type,
		EventID:          req.ID,
		DeliveriesQueued: queued,
	})
}
