// ABOUTME: Command execution boundary: Execer interface plus the os/exec
// ABOUTME: implementation used to run the external tuning binary.
package worker

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
)

// Execer runs one external command and reports its exit code and combined
// output. The process boundary is injected so loop and runner logic is
// testable without spawning binaries.
type Execer interface {
	Execute(ctx context.Context, name string, args []string, stdin []byte) (exitCode int, output []byte, err error)
}

// ShellExecer runs commands via os/exec.
type ShellExecer struct{}

// Execute runs name with args, feeding stdin when non-nil. A non-zero exit is
// reported through exitCode with a nil error; err is reserved for failures to
// run the process at all.
func (ShellExecer) Execute(ctx context.Context, name string, args []string, stdin []byte) (int, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err == nil {
		return 0, out.Bytes(), nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), out.Bytes(), nil
	}
	return -1, out.Bytes(), err
}
