// Package engine turns raised events into deliveries and keeps retries moving.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/sourcegraph/conc/pool"

	"github.com/Priya8975/webhook-notifier/internal/domain"
	"github.com/Priya8975/webhook-notifier/internal/metrics"
)

const defaultDispatchWorkers = 8

// DispatchStore is the persistence the Dispatcher needs.
type DispatchStore interface {
	FindActiveSubscribersForEvent(ctx context.Context, eventType string) ([]domain.Subscriber, error)
	CreateDelivery(ctx context.Context, d *domain.Delivery) error
}

// Enqueuer hands a delivery id to whatever drives the Sender: the Redis
// queue in production, the worker pool when Redis is not configured.
type Enqueuer interface {
	Enqueue(ctx context.Context, deliveryID string) error
}

// Dispatcher fans a raised event out to every matching subscriber.
type Dispatcher struct {
	store      DispatchStore
	queue      Enqueuer
	metrics    *metrics.Metrics
	logger     *slog.Logger
	maxWorkers int
	now        func() time.Time
}

func NewDispatcher(s DispatchStore, q Enqueuer, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:      s,
		queue:      q,
		metrics:    m,
		logger:     logger,
		maxWorkers: defaultDispatchWorkers,
		now:        time.Now,
	}
}

// Dispatch creates one PENDING delivery per active subscriber of eventType
// and queues it. It returns how many deliveries were created. Failures are
// logged per subscriber and never reach the producer.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType, eventID string, payload any) int {
	logger := d.logger.With("event_type", eventType, "event_id", eventID)

	body, err := encodePayload(payload)
	if err != nil {
		d.metrics.DispatchError("encode")
		logger.Error("failed to encode event payload", "error", err)
		return 0
	}

	subscribers, err := d.store.FindActiveSubscribersForEvent(ctx, eventType)
	if err != nil {
		d.metrics.DispatchError("lookup")
		logger.Error("failed to find subscribers", "error", err)
		return 0
	}
	if len(subscribers) == 0 {
		logger.Debug("no matching subscribers")
		return 0
	}

	workers := d.maxWorkers
	if workers > len(subscribers) {
		workers = len(subscribers)
	}

	var created atomic.Int64
	p := pool.New().WithMaxGoroutines(workers)
	for i := range subscribers {
		sub := &subscribers[i]
		p.Go(func() {
			defer func() {
				if r := recover(); r != nil {
					d.metrics.DispatchError("panic")
					logger.Error("dispatch panicked", "subscriber_id", sub.ID, "panic", r)
				}
			}()
			if d.dispatchOne(ctx, logger, sub, eventType, eventID, body) {
				created.Add(1)
			}
		})
	}
	p.Wait()

	n := int(created.Load())
	logger.Info("event dispatched", "matched", len(subscribers), "deliveries_queued", n)
	return n
}

func (d *Dispatcher) dispatchOne(ctx context.Context, logger *slog.Logger, sub *domain.Subscriber, eventType, eventID string, body json.RawMessage) bool {
	delivery := domain.NewDelivery(sub, eventType, eventID, body, d.now().UTC())
	if err := d.store.CreateDelivery(ctx, delivery); err != nil {
		d.metrics.DispatchError("create")
		logger.Error("failed to create delivery", "subscriber_id", sub.ID, "error", err)
		return false
	}
	d.metrics.DeliveryCreated()

	// The row is already PENDING; if queueing fails the stale-pending sweep
	// picks it up later.
	if err := d.queue.Enqueue(ctx, delivery.ID); err != nil {
		d.metrics.DispatchError("enqueue")
		logger.Warn("failed to queue delivery",
			"delivery_id", delivery.ID,
			"subscriber_id", sub.ID,
			"error", err,
		)
	}
	return true
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(p) {
			return nil, fmt.Errorf("payload is not valid JSON")
		}
		return p, nil
	case []byte:
		return encodePayload(json.RawMessage(p))
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("marshaling payload: %w", err)
		}
		return b, nil
	}
}
