// ABOUTME: Job lifecycle states, the legal transition set, and the retry
// ABOUTME: ceiling shared by claim filtering and result ingestion.
package store

// JobState is the lifecycle state of a job row. Values mirror the job_state
// Postgres enum.
type JobState string

const (
	// StateNew is the initial state of a loaded job.
	StateNew JobState = "new"
	// StateCompileStart marks a job claimed by a compile worker. The marker
	// doubles as the lock-visibility signal for the eval phase's claim filter.
	StateCompileStart JobState = "compile_start"
	// StateCompiled is the compile phase's terminal success state and the
	// eval phase's stable source state.
	StateCompiled JobState = "compiled"
	// StateEvalStart marks a job claimed by an eval worker.
	StateEvalStart JobState = "eval_start"
	// StateEvaluated is the eval phase's terminal success state.
	StateEvaluated JobState = "evaluated"
	// StateRunning marks a job claimed by a standalone poll-loop worker.
	StateRunning JobState = "running"
	// StateCompleted is the poll-loop's terminal success state.
	StateCompleted JobState = "completed"
	// StateErrored is the shared terminal failure state.
	StateErrored JobState = "errored"
)

// MaxJobRetries is the retry ceiling: a job that fails with retries already
// at MaxJobRetries-1 moves to errored instead of cycling back.
const MaxJobRetries = 3

// transitions is the set of legal state changes. Claims move a stable state
// into a _start marker; ingestion moves a marker to a terminal state or back
// to the prior stable state on a retryable failure.
var transitions = map[JobState][]JobState{
	StateNew:          {StateCompileStart, StateEvalStart, StateRunning},
	StateCompileStart: {StateCompiled, StateErrored},
	StateCompiled:     {StateEvalStart},
	StateEvalStart:    {StateEvaluated, StateCompiled, StateErrored},
	StateRunning:      {StateCompleted, StateErrored},
}

// Terminal reports whether st accepts no further transitions.
func (st JobState) Terminal() bool {
	return st == StateEvaluated || st == StateCompleted || st == StateErrored
}

// CanTransition reports whether moving from st to next is legal. Applying a
// result to a job already in its terminal success state is a no-op for the
// caller, not an error, so callers check this before issuing an UPDATE.
func (st JobState) CanTransition(next JobState) bool {
	for _, t := range transitions[st] {
		if t == next {
			return true
		}
	}
	return false
}
