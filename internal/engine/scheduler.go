package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Priya8975/webhook-notifier/internal/domain"
	"github.com/Priya8975/webhook-notifier/internal/metrics"
	"github.com/Priya8975/webhook-notifier/internal/store"
)

const (
	// SweepLockKey guards the sweep so only one instance runs it per tick.
	SweepLockKey = "webhook:retry_sweep_lock"

	DefaultSweepInterval = 60 * time.Second
	DefaultSweepBatch    = 100
	DefaultStaleAfter    = 5 * time.Minute
)

var errAttemptInterrupted = errors.New("delivery attempt interrupted before its outcome was recorded")

// SchedulerStore is the persistence the RetryScheduler needs.
type SchedulerStore interface {
	ListDueRetries(ctx context.Context, now time.Time, limit int) ([]domain.DueRetry, error)
	FailRetrying(ctx context.Context, id, message string, now time.Time) (bool, error)
	ListStalePending(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	ListStaleSent(ctx context.Context, cutoff time.Time, limit int) ([]string, error)
	GetDelivery(ctx context.Context, id string) (*domain.Delivery, error)
	GetSubscriberByID(ctx context.Context, id string) (*domain.Subscriber, error)
	SaveAttempt(ctx context.Context, d *domain.Delivery, at time.Time) error
	PruneDeliveries(ctx context.Context, cutoff time.Time) (int64, error)
}

// Locker grants a short-lived exclusive lease.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type SchedulerConfig struct {
	Interval  time.Duration
	BatchSize int
	// StaleAfter is how long a row may sit PENDING, or SENT, before the
	// sweep takes it back. It must exceed the delivery timeout.
	StaleAfter time.Duration
	// Retention prunes finished deliveries older than this. Zero keeps them.
	Retention time.Duration
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Resubmitted int
	Deactivated int
	Recovered   int
	Interrupted int
	Pruned      int64
	Errors      int
	Skipped     bool
}

// RetryScheduler periodically pushes due retries back to the Sender and fails
// retries whose webhook was deactivated. It also recovers PENDING rows that
// never made it onto the queue and SENT rows whose worker died mid-attempt.
type RetryScheduler struct {
	store   SchedulerStore
	queue   Enqueuer
	locker  Locker
	cfg     SchedulerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time
}

// NewRetryScheduler builds a scheduler. locker may be nil, in which case
// every tick sweeps.
func NewRetryScheduler(s SchedulerStore, q Enqueuer, locker Locker, cfg SchedulerConfig, m *metrics.Metrics, logger *slog.Logger) *RetryScheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultSweepBatch
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &RetryScheduler{
		store:   s,
		queue:   q,
		locker:  locker,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Start sweeps on every tick until ctx is cancelled.
func (rs *RetryScheduler) Start(ctx context.Context) {
	rs.logger.Info("retry scheduler started", "interval", rs.cfg.Interval, "batch_size", rs.cfg.BatchSize)

	ticker := time.NewTicker(rs.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			rs.logger.Info("retry scheduler stopping")
			return
		case <-ticker.C:
			rs.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Errors on individual deliveries are logged and
// counted; they never stop the pass or the loop.
func (rs *RetryScheduler) Sweep(ctx context.Context) (res SweepResult) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Errors++
			rs.logger.Error("retry sweep panicked", "panic", r)
		}
		rs.metrics.SweepFinished(time.Since(started))
	}()

	if rs.locker != nil {
		ok, err := rs.locker.TryLock(ctx, SweepLockKey, rs.lockTTL())
		if err != nil {
			rs.logger.Error("failed to acquire sweep lock", "error", err)
			return SweepResult{Skipped: true, Errors: 1}
		}
		if !ok {
			rs.logger.Debug("sweep lock held elsewhere, skipping")
			return SweepResult{Skipped: true}
		}
	}

	now := rs.now().UTC()
	rs.sweepRetries(ctx, now, &res)
	rs.recoverPending(ctx, now, &res)
	rs.recoverInterrupted(ctx, now, &res)
	rs.prune(ctx, now, &res)

	if res.Resubmitted+res.Deactivated+res.Recovered+res.Interrupted > 0 || res.Pruned > 0 || res.Errors > 0 {
		rs.logger.Info("retry sweep complete",
			"resubmitted", res.Resubmitted,
			"deactivated", res.Deactivated,
			"recovered", res.Recovered,
			"interrupted", res.Interrupted,
			"pruned", res.Pruned,
			"errors", res.Errors,
		)
	}
	return res
}

func (rs *RetryScheduler) lockTTL() time.Duration {
	ttl := rs.cfg.Interval - time.Second
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

func (rs *RetryScheduler) sweepRetries(ctx context.Context, now time.Time, res *SweepResult) {
	due, err := rs.store.ListDueRetries(ctx, now, rs.cfg.BatchSize)
	if err != nil {
		res.Errors++
		rs.logger.Error("failed to list due retries", "error", err)
		return
	}

	for _, item := range due {
		if err := rs.handleDue(ctx, now, item, res); err != nil {
			res.Errors++
			rs.metrics.SweepItem("error")
			rs.logger.Error("failed to process due retry",
				"delivery_id", item.DeliveryID,
				"subscriber_id", item.SubscriberID,
				"error", err,
			)
		}
	}
}

func (rs *RetryScheduler) handleDue(ctx context.Context, now time.Time, item domain.DueRetry, res *SweepResult) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if !item.SubscriberActive {
		ok, err := rs.store.FailRetrying(ctx, item.DeliveryID, domain.DeactivatedMessage, now)
		if err != nil {
			return fmt.Errorf("failing deactivated delivery: %w", err)
		}
		if ok {
			res.Deactivated++
			rs.metrics.SweepItem("deactivated")
			rs.logger.Info("delivery abandoned, webhook deactivated",
				"delivery_id", item.DeliveryID,
				"subscriber_id", item.SubscriberID,
			)
		}
		return nil
	}

	if err := rs.queue.Enqueue(ctx, item.DeliveryID); err != nil {
		return fmt.Errorf("resubmitting delivery: %w", err)
	}
	res.Resubmitted++
	rs.metrics.SweepItem("resubmitted")
	return nil
}

func (rs *RetryScheduler) recoverPending(ctx context.Context, now time.Time, res *SweepResult) {
	ids, err := rs.store.ListStalePending(ctx, now.Add(-rs.cfg.StaleAfter), rs.cfg.BatchSize)
	if err != nil {
		res.Errors++
		rs.logger.Error("failed to list stale pending deliveries", "error", err)
		return
	}

	for _, id := range ids {
		if err := rs.queue.Enqueue(ctx, id); err != nil {
			res.Errors++
			rs.metrics.SweepItem("error")
			rs.logger.Error("failed to requeue pending delivery", "delivery_id", id, "error", err)
			continue
		}
		res.Recovered++
		rs.metrics.SweepItem("recovered")
	}
}

// recoverInterrupted records a failed attempt for every delivery left SENT
// past the stale cutoff. The normal retry path then takes over, or the
// delivery fails if its budget is spent.
func (rs *RetryScheduler) recoverInterrupted(ctx context.Context, now time.Time, res *SweepResult) {
	ids, err := rs.store.ListStaleSent(ctx, now.Add(-rs.cfg.StaleAfter), rs.cfg.BatchSize)
	if err != nil {
		res.Errors++
		rs.logger.Error("failed to list stale in-flight deliveries", "error", err)
		return
	}

	for _, id := range ids {
		ok, err := rs.failInterrupted(ctx, id, now)
		if err != nil {
			res.Errors++
			rs.metrics.SweepItem("error")
			rs.logger.Error("failed to recover interrupted delivery", "delivery_id", id, "error", err)
			continue
		}
		if ok {
			res.Interrupted++
			rs.metrics.SweepItem("interrupted")
		}
	}
}

func (rs *RetryScheduler) failInterrupted(ctx context.Context, id string, now time.Time) (bool, error) {
	d, err := rs.store.GetDelivery(ctx, id)
	if err != nil {
		return false, fmt.Errorf("loading delivery: %w", err)
	}
	if d == nil || d.Status != domain.StatusSent {
		return false, nil
	}
	sub, err := rs.store.GetSubscriberByID(ctx, d.SubscriberID)
	if err != nil {
		return false, fmt.Errorf("loading subscriber: %w", err)
	}
	if sub == nil {
		return false, nil
	}

	if err := d.RecordAttempt(domain.AttemptResult{Err: errAttemptInterrupted}, sub.RetryDelay(), now); err != nil {
		return false, err
	}
	if err := rs.store.SaveAttempt(ctx, d, now); err != nil {
		if errors.Is(err, store.ErrStaleDelivery) {
			// The worker finished after all.
			return false, nil
		}
		return false, fmt.Errorf("saving attempt: %w", err)
	}

	rs.logger.Warn("recovered interrupted delivery",
		"delivery_id", d.ID,
		"subscriber_id", d.SubscriberID,
		"status", d.Status,
		"retry_count", d.RetryCount,
	)
	return true, nil
}

func (rs *RetryScheduler) prune(ctx context.Context, now time.Time, res *SweepResult) {
	if rs.cfg.Retention <= 0 {
		return
	}
	n, err := rs.store.PruneDeliveries(ctx, now.Add(-rs.cfg.Retention))
	if err != nil {
		res.Errors++
		rs.logger.Error("failed to prune deliveries", "error", err)
		return
	}
	res.Pruned = n
}
