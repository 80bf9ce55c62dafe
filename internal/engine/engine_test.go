package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Priya8975/webhook-notifier/internal/domain"
	"github.com/Priya8975/webhook-notifier/internal/store"
)

var testStart = time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *recordingQueue) Enqueue(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *recordingQueue) queued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

func addSubscriber(t *testing.T, st *store.MemoryStore, owner, url string, active bool, eventTypes ...string) *domain.Subscriber {
	t.Helper()
	sub := &domain.Subscriber{
		ID:                uuid.NewString(),
		OwnerID:           owner,
		URL:               url,
		Secret:            "s3cret",
		EventTypes:        eventTypes,
		IsActive:          active,
		MaxRetries:        4,
		RetryDelaySeconds: 30,
		CreatedAt:         testStart,
		UpdatedAt:         testStart,
	}
	if err := st.CreateSubscriber(context.Background(), sub, domain.MaxSubscribersPerOwner); err != nil {
		t.Fatalf("CreateSubscriber: %v", err)
	}
	return sub
}

var errQueueDown = errors.New("queue down")
