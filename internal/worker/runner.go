// ABOUTME: Runner for tuning contexts: serializes a context to the external
// ABOUTME: tuning binary and returns its stdout as the result payload.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kerntune/kerntune/internal/scheduler"
	"github.com/kerntune/kerntune/internal/store"
)

// FinRunner executes tuning contexts by invoking the external kernel tuning
// binary. The context is written to the binary's stdin as JSON; the binary's
// stdout is the tagged result payload handed back to ingestion.
type FinRunner struct {
	// Binary is the tuning binary path.
	Binary string
	// Exec is the process boundary, ShellExecer in production.
	Exec Execer
	// Retry wraps each invocation; transient tooling failures (compiler
	// cache races, GPU resets) get a bounded retry with backoff.
	Retry store.RetryPolicy
}

// NewFinRunner creates a FinRunner with the standard execution retry policy.
func NewFinRunner(binary string) *FinRunner {
	return &FinRunner{
		Binary: binary,
		Exec:   ShellExecer{},
		Retry:  store.ExecutionPolicy(),
	}
}

// Run executes one context. A non-zero exit from the binary is an execution
// error after retries are exhausted; its combined output becomes the error
// text so the job record carries the diagnostic.
func (r *FinRunner) Run(ctx context.Context, c scheduler.Context) (json.RawMessage, error) {
	stdin, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal context for job %d: %w", c.Job.ID, err)
	}

	args := []string{"--operation", string(c.Operation)}
	if c.Operation == scheduler.OpEval && c.Job.GPUID >= 0 {
		args = append(args, "--gpu", fmt.Sprint(c.Job.GPUID))
	}

	var out []byte
	err = r.Retry.Do(ctx, func() error {
		code, output, execErr := r.Exec.Execute(ctx, r.Binary, args, stdin)
		if execErr != nil {
			return fmt.Errorf("run %s: %w", r.Binary, execErr)
		}
		if code != 0 {
			return fmt.Errorf("%s exited %d: %s", r.Binary, code, output)
		}
		out = output
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
