package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Priya8975/webhook-notifier/internal/queue"
)

type collectingHandler struct {
	mu   sync.Mutex
	seen []string
	done chan struct{}
	want int
}

func newCollectingHandler(want int) *collectingHandler {
	return &collectingHandler{done: make(chan struct{}), want: want}
}

func (h *collectingHandler) Send(_ context.Context, id string) {
	if id == "panic" {
		panic("handler exploded")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seen = append(h.seen, id)
	if len(h.seen) == h.want {
		close(h.done)
	}
}

func (h *collectingHandler) wait(t *testing.T) {
	t.Helper()
	select {
	case <-h.done:
	case <-time.After(3 * time.Second):
		h.mu.Lock()
		defer h.mu.Unlock()
		t.Fatalf("handled %d of %d jobs", len(h.seen), h.want)
	}
}

func TestPool_ProcessesJobs(t *testing.T) {
	h := newCollectingHandler(5)
	pool := NewPool(3, h, testLogger())
	pool.Start(context.Background())
	defer pool.Stop()

	for _, id := range []string{"a", "b", "c", "d", "e"} {
		if err := pool.Submit(context.Background(), id); err != nil {
			t.Fatalf("Submit(%s): %v", id, err)
		}
	}
	h.wait(t)
}

func TestPool_RecoversFromPanic(t *testing.T) {
	h := newCollectingHandler(1)
	pool := NewPool(1, h, testLogger())
	pool.Start(context.Background())
	defer pool.Stop()

	_ = pool.Submit(context.Background(), "panic")
	_ = pool.Submit(context.Background(), "after")
	h.wait(t)
}

type slowHandler struct {
	next  Handler
	delay time.Duration
}

func (h slowHandler) Send(ctx context.Context, id string) {
	time.Sleep(h.delay)
	h.next.Send(ctx, id)
}

func TestPool_EnqueueBeyondBuffer(t *testing.T) {
	const n = 30
	h := newCollectingHandler(n)
	pool := NewPool(4, slowHandler{next: h, delay: 20 * time.Millisecond}, testLogger())

	// Nothing drains before Start, so everything past the buffer must wait
	// in the backlog rather than be rejected.
	for i := 0; i < n; i++ {
		if err := pool.Enqueue(context.Background(), fmt.Sprintf("d-%d", i)); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if depth, _ := pool.Depth(context.Background()); depth != n {
		t.Errorf("depth = %d, want %d", depth, n)
	}

	pool.Start(context.Background())
	defer pool.Stop()
	h.wait(t)

	h.mu.Lock()
	defer h.mu.Unlock()
	seen := map[string]bool{}
	for _, id := range h.seen {
		seen[id] = true
	}
	if len(seen) != n {
		t.Errorf("distinct ids handled = %d, want %d", len(seen), n)
	}
}

func TestPool_StopLeavesBacklogUndelivered(t *testing.T) {
	block := make(chan struct{})
	h := newCollectingHandler(100)
	pool := NewPool(1, blockingHandler{next: h, release: block}, testLogger())
	pool.Start(context.Background())

	for i := 0; i < 10; i++ {
		_ = pool.Enqueue(context.Background(), fmt.Sprintf("d-%d", i))
	}
	close(block)
	pool.Stop()

	if err := pool.Enqueue(context.Background(), "late"); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Enqueue after Stop = %v, want ErrPoolStopped", err)
	}
	h.mu.Lock()
	handled := len(h.seen)
	h.mu.Unlock()
	depth, _ := pool.Depth(context.Background())
	if int64(handled)+depth != 10 {
		t.Errorf("handled %d + remaining %d, want 10", handled, depth)
	}
}

type blockingHandler struct {
	next    Handler
	release chan struct{}
}

func (h blockingHandler) Send(ctx context.Context, id string) {
	<-h.release
	h.next.Send(ctx, id)
}

func TestPool_RejectsAfterStop(t *testing.T) {
	pool := NewPool(1, newCollectingHandler(1), testLogger())
	pool.Start(context.Background())
	pool.Stop()
	pool.Stop()

	if err := pool.Submit(context.Background(), "x"); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Submit err = %v, want ErrPoolStopped", err)
	}
	if err := pool.Enqueue(context.Background(), "x"); !errors.Is(err, ErrPoolStopped) {
		t.Errorf("Enqueue err = %v, want ErrPoolStopped", err)
	}
}

func TestPoller_MovesReadyIDsIntoPool(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	q := queue.NewRedisQueue(client)
	ctx := context.Background()
	for _, id := range []string{"d1", "d2", "d3"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := q.EnqueueAt(ctx, "later", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("EnqueueAt: %v", err)
	}

	h := newCollectingHandler(3)
	pool := NewPool(2, h, testLogger())
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	pool.Start(runCtx)
	defer pool.Stop()

	go NewPoller(q, pool, 10*time.Millisecond, testLogger()).Start(runCtx)
	h.wait(t)

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth != 1 {
		t.Errorf("depth = %d, want 1 (future entry untouched)", depth)
	}
}
