package api

import (
	"context"
	"log/slog"
	"math"
	"net/http"

	"github.com/Priya8975/webhook-notifier/internal/domain"
)

// QueueDepthFunc reports how many deliveries are waiting to be sent.
type QueueDepthFunc func(ctx context.Context) (int64, error)

type DashboardHandler struct {
	registry   Subscribers
	queueDepth QueueDepthFunc
	hub        LiveFeed
	logger     *slog.Logger
}

func NewDashboardHandler(reg Subscribers, depth QueueDepthFunc, hub LiveFeed, logger *slog.Logger) *DashboardHandler {
	return &DashboardHandler{registry: reg, queueDepth: depth, hub: hub, logger: logger}
}

type dashboardResponse struct {
	Webhooks             int                     `json:"webhooks"`
	ActiveWebhooks       int                     `json:"active_webhooks"`
	TotalDeliveries      int64                   `json:"total_deliveries"`
	SuccessfulDeliveries int64                   `json:"successful_deliveries"`
	FailedDeliveries     int64                   `json:"failed_deliveries"`
	SuccessRate          float64                 `json:"success_rate"`
	QueueDepth           int64                   `json:"queue_depth"`
	WebSocketClients     int                     `json:"websocket_clients"`
	Subscribers          []domain.SubscriberView `json:"subscribers"`
}

// Summary aggregates the owner's webhook health.
func (h *DashboardHandler) Summary(w http.ResponseWriter, r *http.Request) {
	subs, err := h.registry.List(r.Context(), ownerFrom(r))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	resp := dashboardResponse{
		Webhooks:    len(subs),
		Subscribers: make([]domain.SubscriberView, 0, len(subs)),
	}
	for i := range subs {
		s := &subs[i]
		if s.IsActive {
			resp.ActiveWebhooks++
		}
		resp.TotalDeliveries += s.TotalDeliveries
		resp.SuccessfulDeliveries += s.SuccessfulDeliveries
		resp.FailedDeliveries += s.FailedDeliveries
		resp.Subscribers = append(resp.Subscribers, domain.NewSubscriberView(s))
	}
	if resp.TotalDeliveries > 0 {
		rate := float64(resp.SuccessfulDeliveries) / float64(resp.TotalDeliveries) * 100
		resp.SuccessRate = math.Round(rate*100) / 100
	}

	if h.queueDepth != nil {
		depth, err := h.queueDepth(r.Context())
		if err != nil {
			h.logger.Warn("failed to read queue depth", "error", err)
		}
		resp.QueueDepth = depth
	}
	if h.hub != nil {
		resp.WebSocketClients = h.hub.ClientCount()
	}

	respondJSON(w, http.StatusOK, resp)
}
