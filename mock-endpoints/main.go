// Command mock-endpoints is a webhook receiver for trying the service by
// hand. Set WEBHOOK_SECRET to have it check signatures.
package main

import (
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"

	"github.com/Priya8975/webhook-notifier/internal/domain"
	"github.com/Priya8975/webhook-notifier/internal/signer"
)

type receiver struct {
	secret   string
	logger   *slog.Logger
	requests atomic.Int64
	rejected atomic.Int64

	mu       sync.Mutex
	attempts map[string]int
}

func main() {
	port := "9090"
	if p := os.Getenv("PORT"); p != "" {
		port = p
	}

	rc := &receiver{
		secret:   os.Getenv("WEBHOOK_SECRET"),
		logger:   slog.New(slog.NewJSONHandler(os.Stdout, nil)),
		attempts: make(map[string]int),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Post("/webhook/success", rc.handle(func(int) (int, time.Duration) { return http.StatusOK, 0 }))
	r.Post("/webhook/slow", rc.handle(func(int) (int, time.Duration) { return http.StatusOK, 3 * time.Second }))
	r.Post("/webhook/fail", rc.handle(func(int) (int, time.Duration) { return http.StatusInternalServerError, 0 }))
	// Fails the first two attempts of every delivery, then succeeds.
	r.Post("/webhook/flaky", rc.handle(func(attempt int) (int, time.Duration) {
		if attempt <= 2 {
			return http.StatusServiceUnavailable, 0
		}
		return http.StatusOK, 0
	}))
	r.Get("/stats", rc.stats)

	rc.logger.Info("mock endpoint server starting",
		"port", port,
		"verify_signatures", rc.secret != "",
		"routes", []string{"/webhook/success", "/webhook/slow", "/webhook/fail", "/webhook/flaky", "/stats"},
	)

	if err := http.ListenAndServe(":"+port, r); err != nil {
		rc.logger.Error("server error", "error", err)
		os.Exit(1)
	}
}

// handle wraps a behaviour that picks the status for the nth attempt of a
// delivery.
func (rc *receiver) handle(behaviour func(attempt int) (int, time.Duration)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count := rc.requests.Add(1)
		body, _ := io.ReadAll(r.Body)
		deliveryID := r.Header.Get(domain.HeaderDeliveryID)

		if rc.secret != "" && !signer.Verify(rc.secret, body, r.Header.Get(domain.HeaderSignature)) {
			rc.rejected.Add(1)
			rc.logger.Warn("signature mismatch", "request", count, "delivery_id", deliveryID)
			respond(w, http.StatusUnauthorized, map[string]string{"error": "invalid signature"})
			return
		}

		rc.mu.Lock()
		rc.attempts[deliveryID]++
		attempt := rc.attempts[deliveryID]
		rc.mu.Unlock()

		status, delay := behaviour(attempt)
		if delay > 0 {
			time.Sleep(delay)
		}

		rc.logger.Info("webhook received",
			"request", count,
			"path", r.URL.Path,
			"status", status,
			"event_type", r.Header.Get(domain.HeaderEventType),
			"event_id", r.Header.Get(domain.HeaderEventID),
			"delivery_id", deliveryID,
			"attempt", attempt,
		)

		respond(w, status, map[string]string{"status": http.StatusText(status), "attempt": strconv.Itoa(attempt)})
	}
}

func (rc *receiver) stats(w http.ResponseWriter, _ *http.Request) {
	rc.mu.Lock()
	deliveries := len(rc.attempts)
	rc.mu.Unlock()

	respond(w, http.StatusOK, map[string]int64{
		"total_requests":      rc.requests.Load(),
		"rejected_signatures": rc.rejected.Load(),
		"distinct_deliveries": int64(deliveries),
	})
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
