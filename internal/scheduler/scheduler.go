// ABOUTME: Scheduling driver: composes worker pools, claims job batches, and
// ABOUTME: pushes built contexts through the dispatcher until the queue drains.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kerntune/kerntune/internal/machine"
	"github.com/kerntune/kerntune/internal/metrics"
	"github.com/kerntune/kerntune/internal/store"
)

// JobStore is the claim-side store surface the driver needs.
type JobStore interface {
	ClaimJobs(ctx context.Context, f store.ClaimFilter, mark store.JobState, machineName string, gpuID int) ([]store.Job, error)
	GetConfigs(ctx context.Context, ids []int64) (map[int64]store.KernelConfig, error)
	GetSession(ctx context.Context, id int64) (*store.Session, error)
}

// SolverSource lists the tunable solvers for applicability probing. Satisfied
// by the external tuning binary wrapper; injected so the update paths are
// testable without spawning processes.
type SolverSource interface {
	// Solvers returns the current solver roster.
	Solvers(ctx context.Context) ([]store.Solver, error)
	// Applicability returns the applicable solver names for one config.
	Applicability(ctx context.Context, arch string, numCU int32, cfg store.KernelConfig) ([]string, error)
}

// SolverStore is the write-side surface for solver metadata.
type SolverStore interface {
	UpsertSolvers(ctx context.Context, solvers []store.Solver) error
	SetApplicability(ctx context.Context, sessionID, configID int64, solverNames []string) error
	GetConfigs(ctx context.Context, ids []int64) (map[int64]store.KernelConfig, error)
	PendingConfigIDs(ctx context.Context, sessionID int64) ([]int64, error)
}

// Params configures one scheduling run.
type Params struct {
	SessionID int64
	Label     string
	FinStep   string
	// Batch is the per-worker claim size; 0 claims everything eligible,
	// which defeats the point of multiple workers.
	Batch  int
	Kwargs map[string]string
}

// Scheduler drives tuning campaigns: it owns the composer, the store claim
// surface, and the dispatcher, and loops machine workers over the job table
// until no eligible rows remain.
type Scheduler struct {
	st       JobStore
	composer *Composer
	disp     *Dispatcher
	log      *slog.Logger
}

// New creates a Scheduler.
func New(st JobStore, composer *Composer, disp *Dispatcher) *Scheduler {
	return &Scheduler{st: st, composer: composer, disp: disp, log: slog.Default()}
}

// RunTuning executes one tuning phase (compile or eval) to completion: it
// composes the worker set, then has every worker repeatedly claim a batch,
// build contexts, and dispatch them, until a claim comes back empty.
//
// Each worker claims independently; SKIP LOCKED on the claim keeps their
// batches disjoint without coordination here.
func (s *Scheduler) RunTuning(ctx context.Context, machines []machine.Machine, op Operation, p Params) error {
	if !op.Tuning() {
		return fmt.Errorf("operation %s is not a tuning phase", op)
	}
	sess, err := s.st.GetSession(ctx, p.SessionID)
	if err != nil {
		return fmt.Errorf("run %s: %w", op, err)
	}
	if sess == nil {
		return fmt.Errorf("run %s: session %d not found", op, p.SessionID)
	}

	specs, err := s.composer.Compose(ctx, machines, op, p.SessionID)
	if err != nil {
		return fmt.Errorf("compose %s workers: %w", op, err)
	}
	s.log.Info("tuning phase starting",
		"operation", op, "session_id", p.SessionID, "workers", len(specs))

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for _, spec := range specs {
		wg.Add(1)
		go func(spec WorkerSpec) {
			defer wg.Done()
			if err := s.runWorker(ctx, spec, sess, op, p); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		}(spec)
	}
	wg.Wait()
	return firstErr
}

// runWorker is one worker slot's claim loop: claim a batch under this
// machine/GPU identity, build contexts, dispatch, repeat until empty.
func (s *Scheduler) runWorker(ctx context.Context, spec WorkerSpec, sess *store.Session, op Operation, p Params) error {
	filter := store.ClaimFilter{
		SessionID: p.SessionID,
		States:    op.SourceStates(),
		Label:     p.Label,
		FinStep:   p.FinStep,
		Batch:     p.Batch,
	}
	policy := store.ContentionPolicy()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var jobs []store.Job
		err := policy.Do(ctx, func() error {
			var err error
			jobs, err = s.st.ClaimJobs(ctx, filter, op.MarkState(), spec.Machine.Name, spec.GPUID)
			return err
		})
		if err != nil {
			return fmt.Errorf("claim on %s: %w", spec.Machine.Name, err)
		}
		if len(jobs) == 0 {
			return nil
		}
		metrics.JobsClaimed.WithLabelValues(string(op)).Add(float64(len(jobs)))

		contexts, err := BuildContexts(ctx, s.st, sess, op, jobs, p.Kwargs)
		if err != nil {
			return err
		}
		for _, c := range contexts {
			if err := s.disp.Dispatch(ctx, c); err != nil {
				return fmt.Errorf("dispatch on %s: %w", spec.Machine.Name, err)
			}
		}
	}
}

// UpdateSolvers refreshes the solver table from src. Composed as a singleton:
// solver metadata is shared across sessions, so concurrent updates would only
// race each other.
func UpdateSolvers(ctx context.Context, src SolverSource, st SolverStore) (int, error) {
	solvers, err := src.Solvers(ctx)
	if err != nil {
		return 0, fmt.Errorf("list solvers: %w", err)
	}
	if err := st.UpsertSolvers(ctx, solvers); err != nil {
		return 0, fmt.Errorf("update solvers: %w", err)
	}
	return len(solvers), nil
}

// UpdateApplicability probes every config still lacking applicability rows
// for the session and records which solvers apply, with workers parallel
// probes in flight. Per-config failures are logged and skipped so one bad
// config cannot stall the sweep.
func UpdateApplicability(ctx context.Context, src SolverSource, st SolverStore, sess *store.Session, workers int) (int, error) {
	if workers < 1 {
		workers = 1
	}
	ids, err := st.PendingConfigIDs(ctx, sess.ID)
	if err != nil {
		return 0, fmt.Errorf("pending configs: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	configs, err := st.GetConfigs(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("load configs: %w", err)
	}

	var (
		wg   sync.WaitGroup
		sem  = make(chan struct{}, workers)
		mu   sync.Mutex
		done int
	)
	for id, cfg := range configs {
		wg.Add(1)
		sem <- struct{}{}
		go func(id int64, cfg store.KernelConfig) {
			defer wg.Done()
			defer func() { <-sem }()
			names, err := src.Applicability(ctx, sess.Arch, sess.NumCU, cfg)
			if err != nil {
				slog.Warn("applicability probe failed, skipping config",
					"config_id", id, "error", err)
				return
			}
			if err := st.SetApplicability(ctx, sess.ID, id, names); err != nil {
				slog.Warn("record applicability failed, skipping config",
					"config_id", id, "error", err)
				return
			}
			mu.Lock()
			done++
			mu.Unlock()
		}(id, cfg)
	}
	wg.Wait()
	return done, nil
}

// MachineCommand is an administrative task payload for status and exec
// operations: one queue task per live machine, outside the job table.
type MachineCommand struct {
	Machine   string    `json:"machine"`
	Operation Operation `json:"operation"`
	Command   string    `json:"command,omitempty"`
}

// DispatchMachineCommand enqueues op (status or exec) for every machine in
// the composition. The command string is only meaningful for exec.
func (s *Scheduler) DispatchMachineCommand(ctx context.Context, machines []machine.Machine, op Operation, command string, enq Enqueuer) (int, error) {
	if op != OpStatus && op != OpExec {
		return 0, fmt.Errorf("operation %s is not a machine command", op)
	}
	specs, err := s.composer.Compose(ctx, machines, op, 0)
	if err != nil {
		return 0, fmt.Errorf("compose %s: %w", op, err)
	}
	sent := 0
	for _, spec := range specs {
		payload, err := json.Marshal(MachineCommand{
			Machine:   spec.Machine.Name,
			Operation: op,
			Command:   command,
		})
		if err != nil {
			return sent, fmt.Errorf("marshal %s command: %w", op, err)
		}
		taskID := NewTaskID(fmt.Sprintf("%s-%s", op, spec.Machine.Name))
		if err := enq.EnqueueTask(ctx, op.QueueName(), taskID, payload); err != nil {
			return sent, fmt.Errorf("enqueue %s for %s: %w", op, spec.Machine.Name, err)
		}
		metrics.TasksEnqueued.WithLabelValues(op.QueueName()).Inc()
		sent++
	}
	return sent, nil
}
