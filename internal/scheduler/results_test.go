// ABOUTME: Unit tests for result ingestion routing: success and failure paths,
// ABOUTME: the eval retry ceiling, and the error-taxonomy handling.
package scheduler_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/kerntune/kerntune/internal/scheduler"
	"github.com/kerntune/kerntune/internal/store"
)

// transitionCall records one TransitionJob invocation on the stub.
type transitionCall struct {
	jobID     int64
	from, to  store.JobState
	increment bool
	result    string
}

// stubIngest records ingestion calls and returns injected errors.
type stubIngest struct {
	transitions []transitionCall
	compiles    []int64
	evals       []int64
	evalResult  *store.TuningResult
	err         error
}

func (s *stubIngest) TransitionJob(_ context.Context, jobID int64, from, to store.JobState, inc bool, result string) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.transitions = append(s.transitions, transitionCall{jobID, from, to, inc, result})
	return true, nil
}

func (s *stubIngest) CompleteCompileJob(_ context.Context, jobID int64, _ string, _ []store.CompiledKernel) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.compiles = append(s.compiles, jobID)
	return true, nil
}

func (s *stubIngest) CompleteEvalJob(_ context.Context, jobID int64, _ string, res *store.TuningResult) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.evals = append(s.evals, jobID)
	s.evalResult = res
	return true, nil
}

func compileContext(jobID int64, retries int32) scheduler.Context {
	return scheduler.Context{
		Job:       store.Job{ID: jobID, SessionID: 1, ConfigID: 7, State: store.StateCompileStart, Retries: retries},
		Operation: scheduler.OpCompile,
	}
}

func evalContext(jobID int64, retries int32) scheduler.Context {
	return scheduler.Context{
		Job:       store.Job{ID: jobID, SessionID: 1, ConfigID: 7, State: store.StateEvalStart, Retries: retries},
		Operation: scheduler.OpEval,
	}
}

func mustPayload(t *testing.T, p scheduler.ResultPayload) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func TestProcess_CompileSuccess(t *testing.T) {
	t.Parallel()
	st := &stubIngest{}
	p := scheduler.NewResultProcessor(st)

	payload := mustPayload(t, scheduler.ResultPayload{CompileResult: &scheduler.CompileResult{
		Success: true,
		Kernels: []store.CompiledKernel{{Name: "k", Blob: []byte{1}}},
	}})
	if err := p.Process(context.Background(), compileContext(10, 0), payload); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(st.compiles) != 1 || st.compiles[0] != 10 {
		t.Fatalf("compiles = %v, want [10]", st.compiles)
	}
	if len(st.transitions) != 0 {
		t.Fatalf("unexpected bare transitions: %v", st.transitions)
	}
}

func TestProcess_CompileFailureErrors(t *testing.T) {
	t.Parallel()
	st := &stubIngest{}
	p := scheduler.NewResultProcessor(st)

	payload := mustPayload(t, scheduler.ResultPayload{CompileResult: &scheduler.CompileResult{
		Success: false, Reason: "nvcc not found",
	}})
	if err := p.Process(context.Background(), compileContext(10, 0), payload); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(st.transitions) != 1 {
		t.Fatalf("transitions = %v, want one", st.transitions)
	}
	tr := st.transitions[0]
	if tr.from != store.StateCompileStart || tr.to != store.StateErrored || tr.increment {
		t.Fatalf("transition = %+v, want compile_start -> errored without retry bump", tr)
	}
	if tr.result != "nvcc not found" {
		t.Fatalf("result = %q", tr.result)
	}
}

func TestProcess_EvalSuccessWritesResult(t *testing.T) {
	t.Parallel()
	st := &stubIngest{}
	p := scheduler.NewResultProcessor(st)

	payload := mustPayload(t, scheduler.ResultPayload{EvalResult: &scheduler.EvalResult{
		Success: true, Solver: "ConvAsm1x1U", PerfConfig: "1,16,1,64", KernelTime: 0.042,
	}})
	if err := p.Process(context.Background(), evalContext(11, 0), payload); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(st.evals) != 1 || st.evals[0] != 11 {
		t.Fatalf("evals = %v, want [11]", st.evals)
	}
	if st.evalResult == nil || st.evalResult.PerfConfig != "1,16,1,64" || st.evalResult.SessionID != 1 {
		t.Fatalf("eval result = %+v", st.evalResult)
	}
}

func TestProcess_EvalFailureRevertsWithRetry(t *testing.T) {
	t.Parallel()
	st := &stubIngest{}
	p := scheduler.NewResultProcessor(st)

	payload := mustPayload(t, scheduler.ResultPayload{EvalResult: &scheduler.EvalResult{
		Success: false, Reason: "gpu timeout",
	}})
	// Retries 0 and 1 stay under the ceiling: revert to compiled, bump retries.
	for _, retries := range []int32{0, 1} {
		st.transitions = nil
		if err := p.Process(context.Background(), evalContext(12, retries), payload); err != nil {
			t.Fatalf("Process(retries=%d): %v", retries, err)
		}
		tr := st.transitions[0]
		if tr.from != store.StateEvalStart || tr.to != store.StateCompiled || !tr.increment {
			t.Fatalf("retries=%d: transition = %+v, want eval_start -> compiled with bump", retries, tr)
		}
	}
}

func TestProcess_EvalFailureAtCeilingErrors(t *testing.T) {
	t.Parallel()
	st := &stubIngest{}
	p := scheduler.NewResultProcessor(st)

	payload := mustPayload(t, scheduler.ResultPayload{EvalResult: &scheduler.EvalResult{
		Success: false, Reason: "gpu timeout",
	}})
	// Retries = MaxJobRetries-1: one more failure is terminal.
	if err := p.Process(context.Background(), evalContext(13, store.MaxJobRetries-1), payload); err != nil {
		t.Fatalf("Process: %v", err)
	}
	tr := st.transitions[0]
	if tr.from != store.StateEvalStart || tr.to != store.StateErrored || tr.increment {
		t.Fatalf("transition = %+v, want eval_start -> errored without bump", tr)
	}
}

func TestProcess_EmptyPayloadFailsByOperation(t *testing.T) {
	t.Parallel()
	st := &stubIngest{}
	p := scheduler.NewResultProcessor(st)

	if err := p.Process(context.Background(), compileContext(14, 0), nil); err != nil {
		t.Fatalf("Process compile: %v", err)
	}
	if st.transitions[0].to != store.StateErrored {
		t.Fatalf("empty compile payload: transition = %+v", st.transitions[0])
	}

	st.transitions = nil
	if err := p.Process(context.Background(), evalContext(15, 0), []byte(`{"garbage`)); err != nil {
		t.Fatalf("Process eval: %v", err)
	}
	// An unparseable eval payload under the ceiling is a retryable failure.
	if st.transitions[0].to != store.StateCompiled || !st.transitions[0].increment {
		t.Fatalf("garbage eval payload: transition = %+v", st.transitions[0])
	}
}

func TestProcess_ContentionLeavesJobUntouched(t *testing.T) {
	t.Parallel()
	st := &stubIngest{err: &pgconn.PgError{Code: "40001"}}
	p := scheduler.NewResultProcessor(st)

	payload := mustPayload(t, scheduler.ResultPayload{CompileResult: &scheduler.CompileResult{Success: true}})
	if err := p.Process(context.Background(), compileContext(16, 0), payload); err != nil {
		t.Fatalf("contention must not escalate, got %v", err)
	}
}

func TestProcess_IntegritySkipped(t *testing.T) {
	t.Parallel()
	st := &stubIngest{err: &pgconn.PgError{Code: "23505"}}
	p := scheduler.NewResultProcessor(st)

	payload := mustPayload(t, scheduler.ResultPayload{EvalResult: &scheduler.EvalResult{Success: true, PerfConfig: "x"}})
	if err := p.Process(context.Background(), evalContext(17, 0), payload); err != nil {
		t.Fatalf("integrity violation must be skipped, got %v", err)
	}
}

func TestProcess_DataErrorFailsJob(t *testing.T) {
	t.Parallel()
	// The completion hits a data error; the recovery transition then lands.
	inner := &stubIngest{}
	st := &flipErrIngest{first: &pgconn.PgError{Code: "22001"}, inner: inner}
	p := scheduler.NewResultProcessor(st)

	payload := mustPayload(t, scheduler.ResultPayload{CompileResult: &scheduler.CompileResult{Success: true}})
	if err := p.Process(context.Background(), compileContext(18, 0), payload); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(inner.transitions) != 1 || inner.transitions[0].to != store.StateErrored {
		t.Fatalf("transitions = %v, want the job forced to errored", inner.transitions)
	}
}

// flipErrIngest fails its first call with err, then delegates to inner.
type flipErrIngest struct {
	first error
	inner *stubIngest
}

func (f *flipErrIngest) TransitionJob(ctx context.Context, jobID int64, from, to store.JobState, inc bool, result string) (bool, error) {
	if f.first != nil {
		err := f.first
		f.first = nil
		return false, err
	}
	return f.inner.TransitionJob(ctx, jobID, from, to, inc, result)
}

func (f *flipErrIngest) CompleteCompileJob(ctx context.Context, jobID int64, result string, kernels []store.CompiledKernel) (bool, error) {
	if f.first != nil {
		err := f.first
		f.first = nil
		return false, err
	}
	return f.inner.CompleteCompileJob(ctx, jobID, result, kernels)
}

func (f *flipErrIngest) CompleteEvalJob(ctx context.Context, jobID int64, result string, res *store.TuningResult) (bool, error) {
	if f.first != nil {
		err := f.first
		f.first = nil
		return false, err
	}
	return f.inner.CompleteEvalJob(ctx, jobID, result, res)
}

func TestProcess_UnexpectedErrorPropagates(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	st := &stubIngest{err: boom}
	p := scheduler.NewResultProcessor(st)

	payload := mustPayload(t, scheduler.ResultPayload{CompileResult: &scheduler.CompileResult{Success: true}})
	if err := p.Process(context.Background(), compileContext(19, 0), payload); !errors.Is(err, boom) {
		t.Fatalf("expected boom to propagate, got %v", err)
	}
}
