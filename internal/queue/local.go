package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/jun/agentsync/internal/metrics"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue is closed")

// LocalQueue runs tasks in-process. Each task type gets its own worker
// limit; retries wait for their backoff without holding a worker slot.
type LocalQueue struct {
	registry *Registry
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	sems   map[string]*semaphore.Weighted
	closed bool
}

// NewLocalQueue creates a LocalQueue dispatching through registry.
func NewLocalQueue(registry *Registry, log *zap.Logger) *LocalQueue {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LocalQueue{
		registry: registry,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
		sems:     make(map[string]*semaphore.Weighted),
	}
}

func (q *LocalQueue) Enqueue(ctx context.Context, taskType string, payload any, delay time.Duration) error {
	task, err := NewTask(taskType, payload)
	if err != nil {
		return err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.wg.Add(1)
	q.mu.Unlock()

	metrics.TasksEnqueued.WithLabelValues(taskType).Inc()
	go q.deliver(task, delay)
	return nil
}

func (q *LocalQueue) limiter(taskType string, limit int) *semaphore.Weighted {
	q.mu.Lock()
	defer q.mu.Unlock()
	sem, ok := q.sems[taskType]
	if !ok {
		sem = semaphore.NewWeighted(int64(limit))
		q.sems[taskType] = sem
	}
	return sem
}

func (q *LocalQueue) deliver(task Task, delay time.Duration) {
	defer q.wg.Done()

	h, ok := q.registry.Lookup(task.Type)
	if !ok {
		q.log.Error("dropping task with no handler", zap.String("taskType", task.Type))
		return
	}
	sem := q.limiter(task.Type, h.Options.Concurrency)

	for attempt := 1; ; attempt++ {
		if !q.sleep(delay) {
			return
		}
		if err := sem.Acquire(q.ctx, 1); err != nil {
			return
		}
		err := q.registry.Run(q.ctx, task, attempt)
		sem.Release(1)
		if err == nil {
			return
		}
		delay = h.Options.Backoff(attempt)
	}
}

func (q *LocalQueue) sleep(d time.Duration) bool {
	if d <= 0 {
		return q.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-q.ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Wait blocks until every enqueued task, including tasks enqueued by
// running tasks, has finished.
func (q *LocalQueue) Wait() {
	q.wg.Wait()
}

// Close stops accepting tasks, cancels pending deliveries and waits for
// running ones to return.
func (q *LocalQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}
