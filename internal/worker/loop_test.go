// ABOUTME: Unit tests for the standalone poll loop: claim/execute/finish flow,
// ABOUTME: result recording, execution retry, and failure handling.
package worker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kerntune/kerntune/internal/store"
	"github.com/kerntune/kerntune/internal/worker"
)

// fakeLoopStore serves a scripted job queue and records transitions.
type fakeLoopStore struct {
	jobs        []store.Job
	configs     map[int64]store.KernelConfig
	transitions []struct {
		jobID int64
		to    store.JobState
	}
	results []store.TuningResult
}

func (f *fakeLoopStore) ClaimOne(_ context.Context, _ store.ClaimFilter, mark store.JobState, machineName string, _ int) (*store.Job, error) {
	if len(f.jobs) == 0 {
		return nil, nil
	}
	j := f.jobs[0]
	f.jobs = f.jobs[1:]
	j.State = mark
	j.MachineName = machineName
	return &j, nil
}

func (f *fakeLoopStore) GetConfigs(_ context.Context, ids []int64) (map[int64]store.KernelConfig, error) {
	out := make(map[int64]store.KernelConfig)
	for _, id := range ids {
		if c, ok := f.configs[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (f *fakeLoopStore) TransitionJob(_ context.Context, jobID int64, _, to store.JobState, _ bool, _ string) (bool, error) {
	f.transitions = append(f.transitions, struct {
		jobID int64
		to    store.JobState
	}{jobID, to})
	return true, nil
}

func (f *fakeLoopStore) UpsertResult(_ context.Context, r store.TuningResult) error {
	f.results = append(f.results, r)
	return nil
}

// scriptedExec returns canned (exit, output, err) triples per call; the last
// entry repeats once the script runs out.
type scriptedExec struct {
	calls   int
	outputs []execResult
}

type execResult struct {
	code int
	out  []byte
	err  error
}

func (s *scriptedExec) Execute(context.Context, string, []string, []byte) (int, []byte, error) {
	i := s.calls
	if i >= len(s.outputs) {
		i = len(s.outputs) - 1
	}
	s.calls++
	r := s.outputs[i]
	return r.code, r.out, r.err
}

// fastRetry is an execution policy without sleeps.
func fastRetry(attempts int) store.RetryPolicy {
	return store.RetryPolicy{
		MaxAttempts: attempts,
		Backoff:     func(int) time.Duration { return 0 },
	}
}

func newTestLoop(st *fakeLoopStore, exec worker.Execer) *worker.Loop {
	l := worker.NewLoop(st, 1, "test-machine", 0, "tuner")
	l.Exec = exec
	l.Retry = fastRetry(3)
	l.IdleExit = true
	return l
}

func TestLoop_SuccessRecordsResultAndCompletes(t *testing.T) {
	t.Parallel()
	st := &fakeLoopStore{
		jobs:    []store.Job{{ID: 1, ConfigID: 5, SessionID: 1, State: store.StateNew}},
		configs: map[int64]store.KernelConfig{5: {ID: 5}},
	}
	exec := &scriptedExec{outputs: []execResult{
		{code: 0, out: []byte(`{"solver":"ConvAsm1x1U","perf_config":"1,16,1,64","kernel_time":0.042}`)},
	}}
	if err := newTestLoop(st, exec).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.results) != 1 || st.results[0].PerfConfig != "1,16,1,64" {
		t.Fatalf("results = %+v", st.results)
	}
	if len(st.transitions) != 1 || st.transitions[0].to != store.StateCompleted {
		t.Fatalf("transitions = %+v, want completed", st.transitions)
	}
}

func TestLoop_UnparseableOutputStillCompletes(t *testing.T) {
	t.Parallel()
	st := &fakeLoopStore{
		jobs:    []store.Job{{ID: 1, ConfigID: 5, SessionID: 1, State: store.StateNew}},
		configs: map[int64]store.KernelConfig{5: {ID: 5}},
	}
	exec := &scriptedExec{outputs: []execResult{{code: 0, out: []byte("tuning log, no json")}}}
	if err := newTestLoop(st, exec).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(st.results) != 0 {
		t.Fatalf("results = %+v, want none", st.results)
	}
	if st.transitions[0].to != store.StateCompleted {
		t.Fatalf("transitions = %+v, want completed", st.transitions)
	}
}

func TestLoop_NonZeroExitRetriesThenErrors(t *testing.T) {
	t.Parallel()
	st := &fakeLoopStore{
		jobs:    []store.Job{{ID: 1, ConfigID: 5, SessionID: 1, State: store.StateNew}},
		configs: map[int64]store.KernelConfig{5: {ID: 5}},
	}
	exec := &scriptedExec{outputs: []execResult{{code: 1, out: []byte("segfault")}}}
	if err := newTestLoop(st, exec).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	// All three attempts consumed before the job errors.
	if exec.calls != 3 {
		t.Fatalf("exec calls = %d, want 3 attempts", exec.calls)
	}
	if st.transitions[0].to != store.StateErrored {
		t.Fatalf("transitions = %+v, want errored", st.transitions)
	}
}

func TestLoop_TransientFailureThenSuccess(t *testing.T) {
	t.Parallel()
	st := &fakeLoopStore{
		jobs:    []store.Job{{ID: 1, ConfigID: 5, SessionID: 1, State: store.StateNew}},
		configs: map[int64]store.KernelConfig{5: {ID: 5}},
	}
	exec := &scriptedExec{outputs: []execResult{
		{code: 1, out: []byte("gpu busy")},
		{code: 0, out: []byte(`{"perf_config":"p","kernel_time":1}`)},
	}}
	if err := newTestLoop(st, exec).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.transitions[0].to != store.StateCompleted {
		t.Fatalf("transitions = %+v, want completed after retry", st.transitions)
	}
	if len(st.results) != 1 {
		t.Fatalf("results = %+v", st.results)
	}
}

func TestLoop_MissingConfigErrorsJob(t *testing.T) {
	t.Parallel()
	st := &fakeLoopStore{
		jobs:    []store.Job{{ID: 1, ConfigID: 999, SessionID: 1, State: store.StateNew}},
		configs: map[int64]store.KernelConfig{},
	}
	exec := &scriptedExec{outputs: []execResult{{code: 0}}}
	if err := newTestLoop(st, exec).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.transitions[0].to != store.StateErrored {
		t.Fatalf("transitions = %+v, want errored", st.transitions)
	}
}

func TestLoop_ProcessLaunchFailure(t *testing.T) {
	t.Parallel()
	st := &fakeLoopStore{
		jobs:    []store.Job{{ID: 1, ConfigID: 5, SessionID: 1, State: store.StateNew}},
		configs: map[int64]store.KernelConfig{5: {ID: 5}},
	}
	exec := &scriptedExec{outputs: []execResult{{code: -1, err: errors.New("no such binary")}}}
	if err := newTestLoop(st, exec).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.transitions[0].to != store.StateErrored {
		t.Fatalf("transitions = %+v, want errored", st.transitions)
	}
}
