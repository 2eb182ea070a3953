// Package metrics holds the process-wide Prometheus instruments, registered
// on the default registry and exposed via promhttp on the worker's HTTP
// server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsClaimed counts jobs moved into an in-flight marker state, labeled
	// by the operation that claimed them.
	JobsClaimed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kerntune_jobs_claimed_total",
		Help: "Jobs claimed into an in-flight state, by operation.",
	}, []string{"operation"})

	// JobTransitions counts applied state transitions by destination state.
	JobTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kerntune_job_transitions_total",
		Help: "Applied job state transitions, by destination state.",
	}, []string{"to_state"})

	// TasksEnqueued counts contexts handed to the task queue, by queue name.
	TasksEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kerntune_tasks_enqueued_total",
		Help: "Worker tasks enqueued, by queue.",
	}, []string{"queue"})

	// DispatchFailures counts enqueue attempts that failed and left their job
	// parked in a marker state awaiting operator reclaim.
	DispatchFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kerntune_dispatch_failures_total",
		Help: "Context dispatches that failed to enqueue.",
	})

	// TasksProcessed counts queue tasks consumed by worker pools, by queue
	// and outcome (done or failed).
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kerntune_tasks_processed_total",
		Help: "Queue tasks processed by workers, by queue and outcome.",
	}, []string{"queue", "outcome"})
)
