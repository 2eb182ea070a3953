// ABOUTME: Result ingestion: routes worker payloads into the job state
// ABOUTME: machine, applying the retry ceiling and the error taxonomy.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/kerntune/kerntune/internal/metrics"
	"github.com/kerntune/kerntune/internal/store"
)

// ResultPayload is the tagged envelope workers report back. Exactly one of
// the branches is set; an empty or unrecognized payload is treated as a
// failed job.
type ResultPayload struct {
	CompileResult *CompileResult `json:"compile_result,omitempty"`
	EvalResult    *EvalResult    `json:"eval_result,omitempty"`
}

// CompileResult is the compile phase's result shape.
type CompileResult struct {
	Success bool                   `json:"success"`
	Reason  string                 `json:"reason,omitempty"`
	Kernels []store.CompiledKernel `json:"kernels,omitempty"`
}

// EvalResult is the eval phase's result shape.
type EvalResult struct {
	Success       bool    `json:"success"`
	Reason        string  `json:"reason,omitempty"`
	Solver        string  `json:"solver,omitempty"`
	PerfConfig    string  `json:"perf_config,omitempty"`
	KernelTime    float64 `json:"kernel_time,omitempty"`
	WorkspaceSize int64   `json:"workspace_size,omitempty"`
}

// FailurePayload wraps an execution error as a failed result for the
// operation's phase so it flows through the ordinary ingestion path.
func FailurePayload(op Operation, reason string) json.RawMessage {
	var p ResultPayload
	switch op {
	case OpEval:
		p.EvalResult = &EvalResult{Reason: reason}
	default:
		p.CompileResult = &CompileResult{Reason: reason}
	}
	b, _ := json.Marshal(p) //nolint:errcheck // static shape cannot fail
	return b
}

// IngestStore is the slice of store behavior result ingestion needs.
// Satisfied by store.Store; narrowed so failure paths are testable with a
// stub.
type IngestStore interface {
	TransitionJob(ctx context.Context, jobID int64, from, to store.JobState, incrementRetries bool, result string) (bool, error)
	CompleteCompileJob(ctx context.Context, jobID int64, result string, kernels []store.CompiledKernel) (bool, error)
	CompleteEvalJob(ctx context.Context, jobID int64, result string, res *store.TuningResult) (bool, error)
}

// ResultProcessor folds worker result payloads back into the job state
// machine, one transaction per transition.
type ResultProcessor struct {
	st  IngestStore
	log *slog.Logger
}

// NewResultProcessor creates a ResultProcessor over st.
func NewResultProcessor(st IngestStore) *ResultProcessor {
	return &ResultProcessor{st: st, log: slog.Default()}
}

// Process applies exactly one state transition for the payload produced by
// the worker that executed c.
//
// Transient store errors (contention, dropped connection) roll back and leave
// the job untouched for a later poll cycle: they are logged, not escalated.
// Data errors are permanent for this payload and move the job toward errored.
// Integrity violations are warned and skipped; retrying a constraint
// violation cannot succeed.
func (p *ResultProcessor) Process(ctx context.Context, c Context, raw json.RawMessage) error {
	var payload ResultPayload
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &payload); err != nil {
			p.log.Warn("unparseable result payload", "job_id", c.Job.ID, "error", err)
		}
	}

	var err error
	switch {
	case payload.CompileResult != nil:
		err = p.processCompile(ctx, c.Job, payload.CompileResult)
	case payload.EvalResult != nil:
		err = p.processEval(ctx, c, payload.EvalResult)
	default:
		// Empty or unrecognized payload: the worker produced nothing usable.
		p.log.Warn("empty result payload, failing job", "job_id", c.Job.ID)
		switch c.Operation {
		case OpEval:
			err = p.processEval(ctx, c, &EvalResult{Reason: "empty result payload"})
		default:
			err = p.processCompile(ctx, c.Job, &CompileResult{Reason: "empty result payload"})
		}
	}

	switch {
	case err == nil:
		return nil
	case store.IsContention(err):
		p.log.Warn("transient store error during ingestion, job untouched",
			"job_id", c.Job.ID, "error", err)
		return nil
	case store.IsIntegrity(err):
		p.log.Warn("integrity violation during ingestion, skipping",
			"job_id", c.Job.ID, "error", err)
		return nil
	case store.IsData(err):
		// Oversized or invalid payload content: permanent for this job.
		p.log.Warn("data error during ingestion, failing job",
			"job_id", c.Job.ID, "error", err)
		return p.failJob(ctx, c, err.Error())
	default:
		return err
	}
}

func (p *ResultProcessor) processCompile(ctx context.Context, job store.Job, res *CompileResult) error {
	if !res.Success {
		applied, err := p.st.TransitionJob(ctx, job.ID,
			store.StateCompileStart, store.StateErrored, false, res.Reason)
		if err != nil {
			return err
		}
		p.observe(applied, job.ID, store.StateErrored)
		return nil
	}
	applied, err := p.st.CompleteCompileJob(ctx, job.ID, res.Reason, res.Kernels)
	if err != nil {
		return err
	}
	p.observe(applied, job.ID, store.StateCompiled)
	return nil
}

func (p *ResultProcessor) processEval(ctx context.Context, c Context, res *EvalResult) error {
	job := c.Job
	if res.Success {
		var row *store.TuningResult
		if res.PerfConfig != "" {
			row = &store.TuningResult{
				SessionID:     job.SessionID,
				ConfigID:      job.ConfigID,
				Solver:        res.Solver,
				PerfConfig:    res.PerfConfig,
				KernelTime:    res.KernelTime,
				WorkspaceSize: res.WorkspaceSize,
			}
		}
		applied, err := p.st.CompleteEvalJob(ctx, job.ID, res.Reason, row)
		if err != nil {
			return err
		}
		p.observe(applied, job.ID, store.StateEvaluated)
		return nil
	}

	if job.Retries >= store.MaxJobRetries-1 {
		p.log.Warn("retry ceiling reached, failing job", "job_id", job.ID, "retries", job.Retries)
		applied, err := p.st.TransitionJob(ctx, job.ID,
			store.StateEvalStart, store.StateErrored, false, res.Reason)
		if err != nil {
			return err
		}
		p.observe(applied, job.ID, store.StateErrored)
		return nil
	}

	// Revert to the prior stable state: the job becomes eligible for
	// re-claim with one more retry on the books.
	applied, err := p.st.TransitionJob(ctx, job.ID,
		store.StateEvalStart, store.StateCompiled, true, res.Reason)
	if err != nil {
		return err
	}
	p.observe(applied, job.ID, store.StateCompiled)
	return nil
}

// failJob forces a job to errored from its current in-flight marker, used
// when ingestion itself hits a permanent data error.
func (p *ResultProcessor) failJob(ctx context.Context, c Context, reason string) error {
	from := c.Operation.MarkState()
	if from == "" {
		return fmt.Errorf("cannot fail job %d: operation %s has no marker state", c.Job.ID, c.Operation)
	}
	applied, err := p.st.TransitionJob(ctx, c.Job.ID, from, store.StateErrored, false, reason)
	if err != nil {
		return err
	}
	p.observe(applied, c.Job.ID, store.StateErrored)
	return nil
}

// observe records the transition metric, or logs the no-op when the row had
// already moved on (idempotent replay of an old result).
func (p *ResultProcessor) observe(applied bool, jobID int64, to store.JobState) {
	if !applied {
		p.log.Debug("transition not applied, job already advanced", "job_id", jobID, "to", to)
		return
	}
	metrics.JobTransitions.WithLabelValues(string(to)).Inc()
}
