// ABOUTME: Queue consumer pool: one polling goroutine per registered queue
// ABOUTME: claims task_queue rows and runs the registered handler.
package worker

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kerntune/kerntune/internal/metrics"
	"github.com/kerntune/kerntune/internal/store"
)

// pollInterval is how often each queue goroutine checks for new tasks.
const pollInterval = 2 * time.Second

// Handler processes one dequeued task payload. A returned error fails the
// task back onto the queue for redelivery.
type Handler func(ctx context.Context, payload json.RawMessage) error

// Pool manages a set of goroutine workers that claim and execute tasks from
// the task_queue table. One polling goroutine runs per registered queue.
type Pool struct {
	store       *store.Store
	workerID    string
	maxAttempts int
	mu          sync.RWMutex
	handlers    map[string]Handler
}

// NewPool creates a Pool backed by s. A random workerID is generated at
// construction time to distinguish this process in the locked_by column.
func NewPool(s *store.Store, maxAttempts int) *Pool {
	return &Pool{
		store:       s,
		workerID:    uuid.New().String(),
		maxAttempts: maxAttempts,
		handlers:    make(map[string]Handler),
	}
}

// Register associates h with the named queue. Must be called before Start.
func (p *Pool) Register(queue string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[queue] = h
}

// Start launches one polling goroutine per registered queue, then blocks
// until ctx is cancelled. In-flight tasks run to completion before Start
// returns.
func (p *Pool) Start(ctx context.Context) {
	p.mu.RLock()
	queues := make([]string, 0, len(p.handlers))
	for q := range p.handlers {
		queues = append(queues, q)
	}
	p.mu.RUnlock()

	var wg sync.WaitGroup
	for _, q := range queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			p.runQueue(ctx, queue)
		}(q)
	}
	wg.Wait()
	slog.Info("worker pool stopped", "worker_id", p.workerID)
}

// RunOnce executes one claim attempt on queue. Used in tests only.
func (p *Pool) RunOnce(ctx context.Context, queue string) {
	p.processOne(ctx, queue)
}

// runQueue polls queue for tasks until ctx is cancelled.
func (p *Pool) runQueue(ctx context.Context, queue string) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	slog.Info("worker queue started", "queue", queue, "worker_id", p.workerID)

	for {
		select {
		case <-ctx.Done():
			slog.Info("worker queue stopping", "queue", queue)
			return
		case <-ticker.C:
			p.processOne(ctx, queue)
		}
	}
}

// processOne claims one task from queue and executes it. Errors are logged
// but never stop the polling loop.
func (p *Pool) processOne(ctx context.Context, queue string) {
	task, err := p.store.ClaimTask(ctx, queue, p.workerID)
	if err != nil {
		slog.Error("claim task error", "queue", queue, "error", err)
		return
	}
	if task == nil {
		return // queue empty; normal case
	}

	p.mu.RLock()
	h := p.handlers[queue]
	p.mu.RUnlock()

	slog.Info("executing task",
		"queue", queue, "task_id", task.TaskID, "attempts", task.Attempts)

	if err := h(ctx, task.Payload); err != nil {
		slog.Error("task handler failed",
			"queue", queue, "task_id", task.TaskID, "error", err)
		metrics.TasksProcessed.WithLabelValues(queue, "failed").Inc()
		if failErr := p.store.FailTask(ctx, task.ID, p.maxAttempts); failErr != nil {
			slog.Error("fail task error", "task_id", task.TaskID, "error", failErr)
		}
		return
	}

	if err := p.store.CompleteTask(ctx, task.ID); err != nil {
		slog.Error("complete task error", "task_id", task.TaskID, "error", err)
		return
	}
	metrics.TasksProcessed.WithLabelValues(queue, "done").Inc()
	slog.Info("task completed", "queue", queue, "task_id", task.TaskID)
}
