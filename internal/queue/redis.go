// Package queue holds delivery ids waiting for a worker.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKey is the sorted set holding queued delivery ids, scored by the
// time they become ready.
const DefaultKey = "webhook:delivery_queue"

// RedisQueue is a durable delay queue on a Redis sorted set. Members are
// delivery ids, so queueing the same delivery twice collapses into one entry.
type RedisQueue struct {
	client *redis.Client
	key    string
	now    func() time.Time
}

func NewRedisQueue(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client, key: DefaultKey, now: time.Now}
}

// Enqueue makes deliveryID ready immediately.
func (q *RedisQueue) Enqueue(ctx context.Context, deliveryID string) error {
	return q.EnqueueAt(ctx, deliveryID, q.now())
}

// EnqueueAt makes deliveryID ready at the given time.
func (q *RedisQueue) EnqueueAt(ctx context.Context, deliveryID string, at time.Time) error {
	err := q.client.ZAdd(ctx, q.key, redis.Z{
		Score:  float64(at.UnixMicro()),
		Member: deliveryID,
	}).Err()
	if err != nil {
		return fmt.Errorf("queueing delivery %s: %w", deliveryID, err)
	}
	return nil
}

// ClaimReady pops up to limit ids whose ready time has passed. Each id is
// removed with ZREM before being returned, so with several pollers only the
// one whose removal succeeds gets it.
func (q *RedisQueue) ClaimReady(ctx context.Context, limit int64) ([]string, error) {
	now := float64(q.now().UnixMicro())

	members, err := q.client.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(now, 'f', -1, 64),
		Count: limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("polling delivery queue: %w", err)
	}

	claimed := make([]string, 0, len(members))
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.key, member).Result()
		if err != nil {
			return claimed, fmt.Errorf("removing %s from queue: %w", member, err)
		}
		if removed == 0 {
			continue
		}
		claimed = append(claimed, member)
	}
	return claimed, nil
}

// Depth returns the number of queued ids, ready or not.
func (q *RedisQueue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("reading queue depth: %w", err)
	}
	return n, nil
}
