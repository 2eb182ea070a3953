// ABOUTME: Context dispatch: traceable task ids, the queue path onto the
// ABOUTME: task_queue table, and the inline run-and-ingest path.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/kerntune/kerntune/internal/metrics"
)

// Enqueuer is the asynchronous task queue boundary. Satisfied by store.Store,
// whose task_queue table provides at-least-once delivery.
type Enqueuer interface {
	EnqueueTask(ctx context.Context, queue, taskID string, payload json.RawMessage) error
}

// Runner executes one context inline and returns the worker's result payload.
type Runner interface {
	Run(ctx context.Context, c Context) (json.RawMessage, error)
}

// TaskPrefix encodes operation, session, and fin-step so a task id stays
// traceable to its origin across concurrent campaigns.
func TaskPrefix(op Operation, sessionID int64, finStep string) string {
	return fmt.Sprintf("%s-sess%d-%s", op, sessionID, finStep)
}

// NewTaskID appends a random unique suffix to prefix. Collision resistance
// comes from the UUID; the prefix is for humans and log greps.
func NewTaskID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// Dispatcher hands contexts to workers: either enqueued onto the operation's
// named queue for remote consumption, or run inline and fed straight into the
// result processor.
type Dispatcher struct {
	enq    Enqueuer
	runner Runner
	proc   *ResultProcessor
	prefix string
}

// NewQueueDispatcher creates a Dispatcher that enqueues every context.
func NewQueueDispatcher(enq Enqueuer, prefix string) *Dispatcher {
	return &Dispatcher{enq: enq, prefix: prefix}
}

// NewInlineDispatcher creates a Dispatcher that runs contexts locally and
// ingests their results through proc.
func NewInlineDispatcher(runner Runner, proc *ResultProcessor) *Dispatcher {
	return &Dispatcher{runner: runner, proc: proc}
}

// Dispatch hands one context to a worker.
//
// On the queue path, an enqueue failure is returned to the caller and the job
// stays in its _start marker state: the work never started, so there is no
// automatic re-queue. Recovery is an explicit operator reclaim.
func (d *Dispatcher) Dispatch(ctx context.Context, c Context) error {
	if d.enq != nil {
		payload, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("marshal context for job %d: %w", c.Job.ID, err)
		}
		taskID := NewTaskID(d.prefix)
		if err := d.enq.EnqueueTask(ctx, c.Operation.QueueName(), taskID, payload); err != nil {
			metrics.DispatchFailures.Inc()
			return fmt.Errorf("enqueue job %d: %w", c.Job.ID, err)
		}
		metrics.TasksEnqueued.WithLabelValues(c.Operation.QueueName()).Inc()
		return nil
	}

	payload, err := d.runner.Run(ctx, c)
	if err != nil {
		// An inline execution error is still a worker result: route it into
		// the state machine rather than dropping the job mid-flight.
		payload = FailurePayload(c.Operation, err.Error())
	}
	return d.proc.Process(ctx, c, payload)
}
