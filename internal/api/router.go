package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// LiveFeed is the owner-scoped websocket hub.
type LiveFeed interface {
	Serve(w http.ResponseWriter, r *http.Request, ownerID string)
	ClientCount() int
}

// Deps wires the router to the rest of the service.
type Deps struct {
	Registry   Subscribers
	History    Deliveries
	Dispatcher EventDispatcher
	Hub        LiveFeed
	QueueDepth QueueDepthFunc
	Metrics    http.Handler
	Health     map[string]Pinger
	Version    string
	Logger     *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	subHandler := NewSubscriberHandler(d.Registry, d.Logger)
	deliveryHandler := NewDeliveryHandler(d.History, d.Logger)
	eventHandler := NewEventHandler(d.Dispatcher, d.Logger)
	dashHandler := NewDashboardHandler(d.Registry, d.QueueDepth, d.Hub, d.Logger)

	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics)
	}

	if d.Hub != nil {
		r.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			// Browsers cannot set headers on a websocket handshake.
			owner := strings.TrimSpace(r.Header.Get(OwnerHeader))
			if owner == "" {
				owner = strings.TrimSpace(r.URL.Query().Get("owner_id"))
			}
			if owner == "" {
				respondError(w, d.Logger, errMissingOwner)
				return
			}
			d.Hub.Serve(w, r, owner)
		})
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", HealthHandler(d.Version, d.Health))

		r.Post("/events", eventHandler.Create)

		r.Group(func(r chi.Router) {
			r.Use(RequireOwner)

			r.Get("/dashboard", dashHandler.Summary)

			r.Route("/webhooks", func(r chi.Router) {
				r.Post("/", subHandler.Create)
				r.Get("/", subHandler.List)
				r.Get("/deliveries", deliveryHandler.FindByEvent)
				r.Get("/deliveries/{deliveryId}", deliveryHandler.Get)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", subHandler.Get)
					r.Patch("/", subHandler.Update)
					r.Put("/", subHandler.Update)
					r.Delete("/", subHandler.Delete)
					r.Post("/regenerate-secret", subHandler.RegenerateSecret)
					r.Get("/deliveries", deliveryHandler.List)
					r.Get("/stats", deliveryHandler.Stats)
				})
			})
		})
	})

	return r
}

// corsMiddleware adds CORS headers for dashboard development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+OwnerHeader)

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
