// ABOUTME: Standalone poll loop: claims jobs new -> running directly, runs the
// ABOUTME: tuning command on the local GPU, and records completed or errored.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/kerntune/kerntune/internal/metrics"
	"github.com/kerntune/kerntune/internal/store"
)

// LoopStore is the store surface the poll loop needs.
type LoopStore interface {
	ClaimOne(ctx context.Context, f store.ClaimFilter, mark store.JobState, machineName string, gpuID int) (*store.Job, error)
	GetConfigs(ctx context.Context, ids []int64) (map[int64]store.KernelConfig, error)
	TransitionJob(ctx context.Context, jobID int64, from, to store.JobState, incrementRetries bool, result string) (bool, error)
	UpsertResult(ctx context.Context, r store.TuningResult) error
}

// Loop is the self-contained tuning path for a machine that talks straight to
// the database: no queue, no separate scheduler process. Each iteration claims
// one job into running, executes the tuning binary against its config, and
// records the terminal state.
type Loop struct {
	// SessionID scopes every claim.
	SessionID int64
	// Label and FinStep narrow claims the same way scheduled runs do.
	Label   string
	FinStep string
	// MachineName and GPUID identify this worker in claim attribution.
	MachineName string
	GPUID       int

	// Binary is the tuning binary; the claimed job's context JSON goes to
	// its stdin and its stdout is parsed for a tuning result.
	Binary string
	Exec   Execer
	Retry  store.RetryPolicy

	// IdleExit makes Run return once a claim comes back empty instead of
	// sleeping and polling again. Scheduled campaigns use this; long-lived
	// standalone workers leave it false.
	IdleExit bool

	st  LoopStore
	log *slog.Logger
}

// NewLoop creates a poll loop over st with the standard execution retry
// policy.
func NewLoop(st LoopStore, sessionID int64, machineName string, gpuID int, binary string) *Loop {
	return &Loop{
		SessionID:   sessionID,
		MachineName: machineName,
		GPUID:       gpuID,
		Binary:      binary,
		Exec:        ShellExecer{},
		Retry:       store.ExecutionPolicy(),
		st:          st,
		log:         slog.Default(),
	}
}

// loopPayload is what the loop feeds the tuning binary per job.
type loopPayload struct {
	Job    store.Job          `json:"job"`
	Config store.KernelConfig `json:"config"`
	GPUID  int                `json:"gpu_id"`
}

// loopResult is the best-effort result shape parsed from the binary's stdout.
// Output that does not parse leaves the job completed without a result row.
type loopResult struct {
	Solver        string  `json:"solver"`
	PerfConfig    string  `json:"perf_config"`
	KernelTime    float64 `json:"kernel_time"`
	WorkspaceSize int64   `json:"workspace_size"`
}

// Run claims and executes jobs until ctx is cancelled or, with IdleExit, the
// session has no eligible jobs left. Per-job failures never stop the loop;
// they are recorded on the job and the loop claims the next one.
func (l *Loop) Run(ctx context.Context) error {
	filter := store.ClaimFilter{
		SessionID: l.SessionID,
		States:    []store.JobState{store.StateNew},
		Label:     l.Label,
		FinStep:   l.FinStep,
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		job, err := l.st.ClaimOne(ctx, filter, store.StateRunning, l.MachineName, l.GPUID)
		if err != nil {
			return fmt.Errorf("poll loop claim: %w", err)
		}
		if job == nil {
			if l.IdleExit {
				return nil
			}
			// Random sleep desynchronizes idle workers polling the same
			// session so wakeups do not stampede the claim query.
			sleep := time.Duration(1+rand.Intn(10)) * time.Second //nolint:gosec // jitter, not crypto
			l.log.Debug("no eligible jobs, sleeping", "sleep", sleep)
			timer := time.NewTimer(sleep)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}
		metrics.JobsClaimed.WithLabelValues("loop").Inc()
		l.runJob(ctx, *job)
	}
}

// runJob executes one claimed job and records its terminal state.
func (l *Loop) runJob(ctx context.Context, job store.Job) {
	configs, err := l.st.GetConfigs(ctx, []int64{job.ConfigID})
	if err != nil {
		l.log.Error("load config", "job_id", job.ID, "error", err)
		l.finish(ctx, job.ID, store.StateErrored, err.Error())
		return
	}
	cfg, ok := configs[job.ConfigID]
	if !ok {
		l.finish(ctx, job.ID, store.StateErrored, "config missing or invalidated")
		return
	}

	stdin, err := json.Marshal(loopPayload{Job: job, Config: cfg, GPUID: l.GPUID})
	if err != nil {
		l.finish(ctx, job.ID, store.StateErrored, err.Error())
		return
	}

	var out []byte
	err = l.Retry.Do(ctx, func() error {
		code, output, execErr := l.Exec.Execute(ctx, l.Binary,
			[]string{"--gpu", fmt.Sprint(l.GPUID)}, stdin)
		if execErr != nil {
			return fmt.Errorf("run %s: %w", l.Binary, execErr)
		}
		if code != 0 {
			return fmt.Errorf("%s exited %d: %s", l.Binary, code, output)
		}
		out = output
		return nil
	})
	if err != nil {
		l.log.Warn("job execution failed", "job_id", job.ID, "error", err)
		l.finish(ctx, job.ID, store.StateErrored, err.Error())
		return
	}

	var res loopResult
	if jsonErr := json.Unmarshal(out, &res); jsonErr == nil && res.PerfConfig != "" {
		if err := l.st.UpsertResult(ctx, store.TuningResult{
			SessionID:     job.SessionID,
			ConfigID:      job.ConfigID,
			Solver:        res.Solver,
			PerfConfig:    res.PerfConfig,
			KernelTime:    res.KernelTime,
			WorkspaceSize: res.WorkspaceSize,
		}); err != nil {
			l.log.Error("record result", "job_id", job.ID, "error", err)
			l.finish(ctx, job.ID, store.StateErrored, err.Error())
			return
		}
	}
	l.finish(ctx, job.ID, store.StateCompleted, "")
}

// finish applies the terminal transition from running. A CAS miss means the
// job was reclaimed out from under this worker; log and move on.
func (l *Loop) finish(ctx context.Context, jobID int64, to store.JobState, result string) {
	applied, err := l.st.TransitionJob(ctx, jobID, store.StateRunning, to, false, result)
	if err != nil {
		l.log.Error("finish job", "job_id", jobID, "to", to, "error", err)
		return
	}
	if !applied {
		l.log.Warn("job no longer running, transition skipped", "job_id", jobID, "to", to)
		return
	}
	metrics.JobTransitions.WithLabelValues(string(to)).Inc()
}
