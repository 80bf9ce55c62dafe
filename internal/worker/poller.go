package worker

import (
	"context"
	"log/slog"
	"time"
)

// Source hands out queued delivery ids that are ready to send.
type Source interface {
	ClaimReady(ctx context.Context, limit int64) ([]string, error)
}

// Poller moves ready delivery ids from the queue into the worker pool.
type Poller struct {
	source       Source
	pool         *Pool
	logger       *slog.Logger
	pollInterval time.Duration
	batchSize    int64
}

func NewPoller(source Source, pool *Pool, pollInterval time.Duration, logger *slog.Logger) *Poller {
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	return &Poller{
		source:       source,
		pool:         pool,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    10,
	}
}

// Start runs the polling loop until ctx is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("queue poller started", "poll_interval", p.pollInterval)

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("queue poller stopping")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

// poll drains one batch. An id dropped here is not lost: its row stays
// PENDING or RETRYING and the retry sweep queues it again.
func (p *Poller) poll(ctx context.Context) {
	ids, err := p.source.ClaimReady(ctx, p.batchSize)
	if err != nil {
		p.logger.Error("failed to poll delivery queue", "error", err)
	}

	for _, id := range ids {
		if err := p.pool.Submit(ctx, id); err != nil {
			p.logger.Warn("failed to submit delivery to pool", "delivery_id", id, "error", err)
			return
		}
	}
}
