// ABOUTME: Tuning and administrative subcommands: tune, loop, init-session,
// ABOUTME: load-jobs, status, exec, and reclaim.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kerntune/kerntune/internal/config"
	"github.com/kerntune/kerntune/internal/machine"
	"github.com/kerntune/kerntune/internal/scheduler"
	"github.com/kerntune/kerntune/internal/store"
	"github.com/kerntune/kerntune/internal/worker"
)

// ── tune ──────────────────────────────────────────────────────────────────────

func tuneCmd() *cobra.Command {
	var (
		sessionID int64
		op        string
		label     string
		finStep   string
		batch     int
		inline    bool
	)
	cmd := &cobra.Command{
		Use:   "tune",
		Short: "Run one tuning phase across the machine inventory",
		Long: `Run one tuning phase across the machine inventory.

Operations: compile, eval, applicability, solver_update. Compile and eval
claim jobs and dispatch contexts; with --inline the contexts run in-process
instead of going through the task queue.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))
			if batch == 0 {
				batch = cfg.ClaimBatchSize
			}

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()
			st := store.New(db)

			machines, err := machine.LoadFile(cfg.MachineInventory)
			if err != nil {
				return fmt.Errorf("machine inventory: %w", err)
			}

			composer := scheduler.NewComposer(st, cfg.GPULimit, restartMachine)
			ctx := cmd.Context()

			switch scheduler.Operation(op) {
			case scheduler.OpCompile, scheduler.OpEval:
				return runTuningPhase(ctx, st, cfg, composer, machines,
					scheduler.Operation(op), scheduler.Params{
						SessionID: sessionID,
						Label:     label,
						FinStep:   finStep,
						Batch:     batch,
					}, inline)
			case scheduler.OpApplicability:
				return runApplicability(ctx, st, cfg, composer, machines, sessionID)
			case scheduler.OpSolverUpdate:
				n, err := scheduler.UpdateSolvers(ctx, worker.NewFinSolverSource(cfg.FinBinary), st)
				if err != nil {
					return err
				}
				slog.Info("solvers updated", "count", n)
				return nil
			default:
				return fmt.Errorf("unknown operation %q", op)
			}
		},
	}
	cmd.Flags().Int64Var(&sessionID, "session", 0, "tuning session id")
	cmd.Flags().StringVar(&op, "op", "", "operation: compile, eval, applicability, solver_update")
	cmd.Flags().StringVar(&label, "label", "", "restrict claims to jobs with this reason label")
	cmd.Flags().StringVar(&finStep, "fin-step", "", "restrict claims to jobs whose fin_step matches")
	cmd.Flags().IntVar(&batch, "batch", 0, "per-worker claim batch size (default from env)")
	cmd.Flags().BoolVar(&inline, "inline", false, "run contexts in-process instead of enqueueing")
	_ = cmd.MarkFlagRequired("op") //nolint:errcheck
	return cmd
}

func runTuningPhase(ctx context.Context, st *store.Store, cfg *config.Config, composer *scheduler.Composer, machines []machine.Machine, op scheduler.Operation, p scheduler.Params, inline bool) error {
	var disp *scheduler.Dispatcher
	if inline {
		runner := worker.NewFinRunner(cfg.FinBinary)
		disp = scheduler.NewInlineDispatcher(runner, scheduler.NewResultProcessor(st))
	} else {
		disp = scheduler.NewQueueDispatcher(st, scheduler.TaskPrefix(op, p.SessionID, p.FinStep))
	}
	sched := scheduler.New(st, composer, disp)
	if err := sched.RunTuning(ctx, machines, op, p); err != nil {
		return err
	}
	slog.Info("tuning phase drained", "operation", op, "session_id", p.SessionID)
	return nil
}

func runApplicability(ctx context.Context, st *store.Store, cfg *config.Config, composer *scheduler.Composer, machines []machine.Machine, sessionID int64) error {
	sess, err := st.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %d not found", sessionID)
	}
	// Composition decides the probe parallelism the same way it sizes
	// worker pools; the probes themselves run in this process.
	specs, err := composer.Compose(ctx, machines, scheduler.OpApplicability, sessionID)
	if err != nil {
		return err
	}
	workers := len(specs)
	if workers > cfg.ApplicabilityWorkers {
		workers = cfg.ApplicabilityWorkers
	}
	n, err := scheduler.UpdateApplicability(ctx,
		worker.NewFinSolverSource(cfg.FinBinary), st, sess, workers)
	if err != nil {
		return err
	}
	slog.Info("applicability updated", "configs", n, "session_id", sessionID)
	return nil
}

// restartMachine reboots a machine flagged for restart in the inventory.
// Invoked asynchronously by the composer; failures are logged, not fatal.
func restartMachine(m machine.Machine) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	code, out, err := worker.ShellExecer{}.Execute(ctx,
		"ssh", []string{m.Name, "sudo", "reboot"}, nil)
	if err != nil || code != 0 {
		slog.Warn("machine restart failed",
			"machine", m.Name, "exit", code, "output", string(out), "error", err)
		return
	}
	slog.Info("machine restart issued", "machine", m.Name)
}

// ── loop ──────────────────────────────────────────────────────────────────────

func loopCmd() *cobra.Command {
	var (
		sessionID int64
		label     string
		finStep   string
		gpuID     int
		idleExit  bool
	)
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Run the self-contained poll loop on this machine",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			host, err := os.Hostname()
			if err != nil {
				host = "unknown"
			}
			l := worker.NewLoop(store.New(db), sessionID, host, gpuID, cfg.FinBinary)
			l.Label = label
			l.FinStep = finStep
			l.IdleExit = idleExit
			return l.Run(cmd.Context())
		},
	}
	cmd.Flags().Int64Var(&sessionID, "session", 0, "tuning session id")
	cmd.Flags().StringVar(&label, "label", "", "restrict claims to jobs with this reason label")
	cmd.Flags().StringVar(&finStep, "fin-step", "", "restrict claims to jobs whose fin_step matches")
	cmd.Flags().IntVar(&gpuID, "gpu", 0, "GPU index to bind")
	cmd.Flags().BoolVar(&idleExit, "idle-exit", false, "exit once no eligible jobs remain")
	_ = cmd.MarkFlagRequired("session") //nolint:errcheck
	return cmd
}

// ── init-session ──────────────────────────────────────────────────────────────

func initSessionCmd() *cobra.Command {
	var sess store.Session
	cmd := &cobra.Command{
		Use:   "init-session",
		Short: "Create a tuning session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			id, err := store.New(db).CreateSession(cmd.Context(), sess)
			if err != nil {
				if store.IsIntegrity(err) {
					return fmt.Errorf("identical session already exists: %w", err)
				}
				return err
			}
			slog.Info("session created", "session_id", id)
			fmt.Println(id)
			return nil
		},
	}
	cmd.Flags().StringVar(&sess.Arch, "arch", "", "target GPU architecture")
	cmd.Flags().Int32Var(&sess.NumCU, "num-cu", 0, "compute unit count of the target")
	cmd.Flags().StringVar(&sess.RocmVersion, "rocm-version", "", "ROCm version of the target stack")
	cmd.Flags().StringVar(&sess.TunerVersion, "tuner-version", "", "tuning binary version")
	cmd.Flags().StringVar(&sess.Reason, "reason", "", "why this session exists")
	_ = cmd.MarkFlagRequired("arch")   //nolint:errcheck
	_ = cmd.MarkFlagRequired("num-cu") //nolint:errcheck
	return cmd
}

// ── load-jobs ─────────────────────────────────────────────────────────────────

func loadJobsCmd() *cobra.Command {
	var p store.LoadJobsParams
	cmd := &cobra.Command{
		Use:   "load-jobs",
		Short: "Create jobs for the configs of a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			n, err := store.New(db).LoadJobs(cmd.Context(), p)
			if err != nil {
				return err
			}
			slog.Info("jobs loaded", "count", n, "session_id", p.SessionID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&p.SessionID, "session", 0, "tuning session id")
	cmd.Flags().StringVar(&p.Label, "label", "", "reason label stamped on the created jobs")
	cmd.Flags().StringVar(&p.FinStep, "fin-step", "", "fin step for the created jobs")
	cmd.Flags().StringVar(&p.Solver, "solver", "", "pin every job to one solver")
	cmd.Flags().BoolVar(&p.OnlyApplicable, "only-applicable", false,
		"restrict to configs with an applicable solver recorded")
	_ = cmd.MarkFlagRequired("session") //nolint:errcheck
	return cmd
}

// ── status ────────────────────────────────────────────────────────────────────

func statusCmd() *cobra.Command {
	var (
		sessionID int64
		finStep   string
		machines  bool
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print job state counts for a session, or probe machines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()
			st := store.New(db)

			if machines {
				return dispatchMachineOp(cmd.Context(), st, cfg, scheduler.OpStatus, "")
			}
			counts, err := st.CountJobStates(cmd.Context(), sessionID, finStep)
			if err != nil {
				return err
			}
			for _, state := range []store.JobState{
				store.StateNew, store.StateCompileStart, store.StateCompiled,
				store.StateEvalStart, store.StateEvaluated,
				store.StateRunning, store.StateCompleted, store.StateErrored,
			} {
				fmt.Printf("%-14s %d\n", state, counts[state])
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&sessionID, "session", 0, "tuning session id")
	cmd.Flags().StringVar(&finStep, "fin-step", "", "restrict counts to jobs whose fin_step matches")
	cmd.Flags().BoolVar(&machines, "machines", false, "enqueue a reachability probe per machine instead")
	return cmd
}

// ── exec ──────────────────────────────────────────────────────────────────────

func execCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec -- <command>",
		Short: "Run a command on every tuning machine",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			command := ""
			for i, a := range args {
				if i > 0 {
					command += " "
				}
				command += a
			}
			return dispatchMachineOp(cmd.Context(), store.New(db), cfg, scheduler.OpExec, command)
		},
	}
	return cmd
}

func dispatchMachineOp(ctx context.Context, st *store.Store, cfg *config.Config, op scheduler.Operation, command string) error {
	machines, err := machine.LoadFile(cfg.MachineInventory)
	if err != nil {
		return fmt.Errorf("machine inventory: %w", err)
	}
	composer := scheduler.NewComposer(st, cfg.GPULimit, restartMachine)
	sched := scheduler.New(st, composer, nil)
	n, err := sched.DispatchMachineCommand(ctx, machines, op, command, st)
	if err != nil {
		return err
	}
	slog.Info("machine commands enqueued", "operation", op, "count", n)
	return nil
}

// ── reclaim ───────────────────────────────────────────────────────────────────

func reclaimCmd() *cobra.Command {
	var (
		sessionID int64
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "reclaim",
		Short: "Reset stale in-flight jobs for a session",
		Long: `Reset stale in-flight jobs for a session.

Jobs left in compile_start, eval_start, or running by a dead worker return
to their prior stable state once their last update is older than the
threshold. There is no automatic reclaim; run this when a campaign stalls.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			slog.SetDefault(newLogger(cfg))

			db, err := newPool(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("database: %w", err)
			}
			defer db.Close()

			n, err := store.New(db).ReclaimInFlight(cmd.Context(), sessionID, olderThan)
			if err != nil {
				return err
			}
			slog.Info("jobs reclaimed", "count", n, "session_id", sessionID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&sessionID, "session", 0, "tuning session id")
	cmd.Flags().DurationVar(&olderThan, "older-than", time.Hour,
		"minimum age of the last update before a job is considered stale")
	_ = cmd.MarkFlagRequired("session") //nolint:errcheck
	return cmd
}

// ── queue handlers ────────────────────────────────────────────────────────────

// registerTuningHandlers wires the compile, eval, status, and exec queues.
// Compile and eval tasks carry serialized contexts: run the tuning binary and
// fold the result straight into the state machine. Status and exec tasks carry
// machine commands executed over ssh from the consuming worker.
func registerTuningHandlers(pool *worker.Pool, st *store.Store, cfg *config.Config) {
	runner := worker.NewFinRunner(cfg.FinBinary)
	proc := scheduler.NewResultProcessor(st)

	contextHandler := func(ctx context.Context, payload json.RawMessage) error {
		var c scheduler.Context
		if err := json.Unmarshal(payload, &c); err != nil {
			return fmt.Errorf("unmarshal context: %w", err)
		}
		out, err := runner.Run(ctx, c)
		if err != nil {
			out = scheduler.FailurePayload(c.Operation, err.Error())
		}
		return proc.Process(ctx, c, out)
	}
	pool.Register(scheduler.OpCompile.QueueName(), contextHandler)
	pool.Register(scheduler.OpEval.QueueName(), contextHandler)

	machineHandler := func(ctx context.Context, payload json.RawMessage) error {
		var mc scheduler.MachineCommand
		if err := json.Unmarshal(payload, &mc); err != nil {
			return fmt.Errorf("unmarshal machine command: %w", err)
		}
		args := []string{mc.Machine, "true"}
		if mc.Operation == scheduler.OpExec {
			args = []string{mc.Machine, mc.Command}
		}
		code, out, err := worker.ShellExecer{}.Execute(ctx, "ssh", args, nil)
		if err != nil {
			return fmt.Errorf("ssh %s: %w", mc.Machine, err)
		}
		if code != 0 {
			return fmt.Errorf("ssh %s exited %d: %s", mc.Machine, code, out)
		}
		slog.Info("machine command ok", "machine", mc.Machine, "operation", mc.Operation)
		return nil
	}
	pool.Register(scheduler.OpStatus.QueueName(), machineHandler)
	pool.Register(scheduler.OpExec.QueueName(), machineHandler)
}
