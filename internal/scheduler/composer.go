// ABOUTME: Worker-pool composition: maps machines and an operation onto the
// ABOUTME: worker specs to launch, with restart skipping and pending caps.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kerntune/kerntune/internal/machine"
)

// applicabilityChunk is the per-worker share of pending configs used to cap
// applicability worker counts: ceil(pending/applicabilityChunk) workers.
const applicabilityChunk = 100

// ErrNoWorkers is returned when a tuning operation composes an empty worker
// set. Callers must not proceed: an empty set on compile/eval means a machine
// had no eligible slots, not that there is no work.
var ErrNoWorkers = errors.New("composition produced no workers")

// WorkerSpec is one worker to launch: a machine, an optional GPU binding, and
// the role it performs.
type WorkerSpec struct {
	Machine machine.Machine
	// GPUID is the bound GPU index for eval workers, -1 otherwise.
	GPUID int
	Role  Operation
}

// PendingCounter reports how many configs still need applicability rows.
// Satisfied by store.Store; injected so composition is testable without a
// database.
type PendingCounter interface {
	CountPendingConfigs(ctx context.Context, sessionID int64) (int, error)
}

// Composer maps a machine list and an operation onto the workers to launch.
type Composer struct {
	// GPULimit caps eval workers per machine; 0 means no cap.
	GPULimit int
	// Restart is invoked asynchronously for machines flagged for restart.
	// Nil skips the restart call but still withholds the machine's workers.
	Restart func(machine.Machine)

	pending PendingCounter
	log     *slog.Logger
}

// NewComposer creates a Composer. pending may be nil when the caller never
// composes applicability operations.
func NewComposer(pending PendingCounter, gpuLimit int, restart func(machine.Machine)) *Composer {
	return &Composer{
		GPULimit: gpuLimit,
		Restart:  restart,
		pending:  pending,
		log:      slog.Default(),
	}
}

// Compose returns the worker specs for op across machines.
//
// Eval gets one worker per available GPU index (capped by GPULimit); other
// phases get one worker per process slot. Applicability worker counts are
// additionally capped by the pending-config heuristic, computed before any
// work is claimed. Solver-update is a singleton across the whole composition
// because it mutates shared solver metadata, not job state.
func (c *Composer) Compose(ctx context.Context, machines []machine.Machine, op Operation, sessionID int64) ([]WorkerSpec, error) {
	var specs []WorkerSpec
	for _, m := range machines {
		if m.Restart {
			c.log.Info("machine flagged for restart, skipping", "machine", m.Name)
			if c.Restart != nil {
				go c.Restart(m)
			}
			continue
		}

		if op == OpSolverUpdate {
			// One worker for the whole composition, on the first live machine.
			return []WorkerSpec{{Machine: m, GPUID: -1, Role: op}}, nil
		}
		if op == OpStatus || op == OpExec {
			specs = append(specs, WorkerSpec{Machine: m, GPUID: -1, Role: op})
			continue
		}

		slots, err := c.machineSlots(ctx, m, op, sessionID)
		if err != nil {
			return nil, err
		}
		if len(slots) == 0 {
			// A machine with zero eligible slots poisons the whole tuning
			// composition; callers must not run a partial pool.
			c.log.Error("no eligible workers on machine", "machine", m.Name, "operation", op)
			return nil, fmt.Errorf("machine %s: %w", m.Name, ErrNoWorkers)
		}
		for _, gpu := range slots {
			specs = append(specs, WorkerSpec{Machine: m, GPUID: gpu, Role: op})
		}
	}
	if len(specs) == 0 && op.Tuning() {
		return nil, ErrNoWorkers
	}
	return specs, nil
}

// machineSlots returns the worker slots one machine contributes: GPU indices
// for eval, process slots (gpu binding -1) otherwise.
func (c *Composer) machineSlots(ctx context.Context, m machine.Machine, op Operation, sessionID int64) ([]int, error) {
	var slots []int
	if op == OpEval {
		slots = append(slots, m.GPUs...)
		if c.GPULimit > 0 && len(slots) > c.GPULimit {
			slots = slots[:c.GPULimit]
		}
		return slots, nil
	}

	for i := 0; i < m.Procs; i++ {
		slots = append(slots, -1)
	}
	if op == OpApplicability && c.pending != nil {
		pending, err := c.pending.CountPendingConfigs(ctx, sessionID)
		if err != nil {
			return nil, fmt.Errorf("count pending configs: %w", err)
		}
		lim := (pending + applicabilityChunk - 1) / applicabilityChunk
		if len(slots) > lim {
			slots = slots[:lim]
		}
	}
	return slots, nil
}
