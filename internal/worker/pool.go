package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrPoolStopped = errors.New("worker pool is stopped")

// Handler processes one delivery id.
type Handler interface {
	Send(ctx context.Context, deliveryID string)
}

// Pool runs a fixed number of goroutines that hand delivery ids to a Handler.
// Ids passed to Enqueue wait in an unbounded backlog that a feeder goroutine
// moves into the workers' channel in arrival order.
type Pool struct {
	numWorkers int
	jobs       chan string
	handler    Handler
	logger     *slog.Logger
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	backlogMu sync.Mutex
	backlog   []string
	wake      chan struct{}
	done      chan struct{}
	feeder    sync.WaitGroup
}

func NewPool(numWorkers int, handler Handler, logger *slog.Logger) *Pool {
	if numWorkers < 1 {
		numWorkers = 1
	}
	return &Pool{
		numWorkers: numWorkers,
		jobs:       make(chan string, numWorkers*2),
		handler:    handler,
		logger:     logger,
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}
}

// Start launches the workers. They run until Stop is called or ctx is done.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.numWorkers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.feeder.Add(1)
	go p.feed()
	p.logger.Info("worker pool started", "num_workers", p.numWorkers)
}

// Submit blocks until a worker slot accepts the id or ctx is done.
func (p *Pool) Submit(ctx context.Context, deliveryID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}

	select {
	case p.jobs <- deliveryID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue appends the id to the backlog and returns at once. It lets the pool
// stand in for the Redis queue when none is configured.
func (p *Pool) Enqueue(_ context.Context, deliveryID string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolStopped
	}

	p.backlogMu.Lock()
	p.backlog = append(p.backlog, deliveryID)
	p.backlogMu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Depth reports how many ids are waiting for a worker.
func (p *Pool) Depth(context.Context) (int64, error) {
	p.backlogMu.Lock()
	n := len(p.backlog)
	p.backlogMu.Unlock()
	return int64(n + len(p.jobs)), nil
}

func (p *Pool) pop() (string, bool) {
	p.backlogMu.Lock()
	defer p.backlogMu.Unlock()
	if len(p.backlog) == 0 {
		return "", false
	}
	id := p.backlog[0]
	p.backlog[0] = ""
	p.backlog = p.backlog[1:]
	if len(p.backlog) == 0 {
		p.backlog = nil
	}
	return id, true
}

// feed moves backlog ids into the jobs channel, blocking while every worker
// is busy.
func (p *Pool) feed() {
	defer p.feeder.Done()

	for {
		id, ok := p.pop()
		if !ok {
			select {
			case <-p.wake:
				continue
			case <-p.done:
				return
			}
		}
		select {
		case p.jobs <- id:
		case <-p.done:
			p.backlogMu.Lock()
			p.backlog = append([]string{id}, p.backlog...)
			p.backlogMu.Unlock()
			return
		}
	}
}

// Stop closes the jobs channel and waits for in-flight deliveries to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.feeder.Wait()
	close(p.jobs)
	p.wg.Wait()

	if n, _ := p.Depth(context.Background()); n > 0 {
		p.logger.Warn("worker pool stopped, undelivered ids stay PENDING", "remaining", n)
	}
	p.logger.Info("worker pool stopped")
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()

	for deliveryID := range p.jobs {
		select {
		case <-ctx.Done():
			return
		default:
			p.run(ctx, id, deliveryID)
		}
	}
}

// run isolates a panicking handler to the delivery that caused it.
func (p *Pool) run(ctx context.Context, worker int, deliveryID string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("delivery handler panicked", "worker", worker, "delivery_id", deliveryID, "panic", r)
		}
	}()
	p.handler.Send(ctx, deliveryID)
}
