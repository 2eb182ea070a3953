// Package scheduler contains the orchestration engine: operations, the
// worker-pool composer, context building, dispatch, and result ingestion.
// The store package owns the claim protocol and state transitions; this
// package decides what to claim, where to send it, and how to fold worker
// output back into the state machine.
package scheduler

import "github.com/kerntune/kerntune/internal/store"

// Operation is the kind of work a scheduling cycle performs.
type Operation string

const (
	// OpCompile compiles claimed jobs' kernels.
	OpCompile Operation = "compile"
	// OpEval measures compiled kernels on a GPU.
	OpEval Operation = "eval"
	// OpApplicability recomputes which solvers apply to which configs.
	OpApplicability Operation = "applicability"
	// OpSolverUpdate refreshes the shared solver metadata table.
	OpSolverUpdate Operation = "solver_update"
	// OpStatus checks machine reachability.
	OpStatus Operation = "status"
	// OpExec runs one opaque command per machine.
	OpExec Operation = "exec"
)

// Tuning reports whether the operation advances jobs through the state
// machine. Non-tuning operations are administrative and may legitimately
// compose zero workers.
func (op Operation) Tuning() bool {
	return op == OpCompile || op == OpEval
}

// SourceStates is the operation's set of acceptable claim source states.
// Eval accepts new in addition to compiled so that find-mode sessions, which
// skip the compile phase, still feed the eval loop.
func (op Operation) SourceStates() []store.JobState {
	switch op {
	case OpCompile:
		return []store.JobState{store.StateNew}
	case OpEval:
		return []store.JobState{store.StateNew, store.StateCompiled}
	default:
		return nil
	}
}

// MarkState is the in-flight marker a claim moves rows into.
func (op Operation) MarkState() store.JobState {
	switch op {
	case OpCompile:
		return store.StateCompileStart
	case OpEval:
		return store.StateEvalStart
	default:
		return ""
	}
}

// QueueName routes dispatch: compile and eval land on distinct queues so the
// two phases scale independently.
func (op Operation) QueueName() string { return string(op) }
