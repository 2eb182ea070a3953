// ABOUTME: Solver metadata via the tuning binary: roster listing and
// ABOUTME: per-config applicability probes, parsed from its JSON output.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kerntune/kerntune/internal/store"
)

// FinSolverSource asks the tuning binary for solver metadata.
type FinSolverSource struct {
	Binary string
	Exec   Execer
}

// NewFinSolverSource creates a FinSolverSource using ShellExecer.
func NewFinSolverSource(binary string) *FinSolverSource {
	return &FinSolverSource{Binary: binary, Exec: ShellExecer{}}
}

// Solvers lists the binary's solver roster.
func (f *FinSolverSource) Solvers(ctx context.Context) ([]store.Solver, error) {
	code, out, err := f.Exec.Execute(ctx, f.Binary, []string{"--list-solvers"}, nil)
	if err != nil {
		return nil, fmt.Errorf("list solvers: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("list solvers: %s exited %d: %s", f.Binary, code, out)
	}
	var parsed []struct {
		Name    string `json:"name"`
		Valid   bool   `json:"valid"`
		Tunable bool   `json:"tunable"`
	}
	if err := json.Unmarshal(out, &parsed); err != nil {
		return nil, fmt.Errorf("parse solver list: %w", err)
	}
	solvers := make([]store.Solver, len(parsed))
	for i, p := range parsed {
		solvers[i] = store.Solver{Name: p.Name, Valid: p.Valid, Tunable: p.Tunable}
	}
	return solvers, nil
}

// Applicability probes which solvers apply to one config on the given target.
func (f *FinSolverSource) Applicability(ctx context.Context, arch string, numCU int32, cfg store.KernelConfig) ([]string, error) {
	stdin, err := json.Marshal(struct {
		Arch   string             `json:"arch"`
		NumCU  int32              `json:"num_cu"`
		Config store.KernelConfig `json:"config"`
	}{arch, numCU, cfg})
	if err != nil {
		return nil, fmt.Errorf("marshal applicability probe: %w", err)
	}
	code, out, err := f.Exec.Execute(ctx, f.Binary, []string{"--applicability"}, stdin)
	if err != nil {
		return nil, fmt.Errorf("applicability probe: %w", err)
	}
	if code != 0 {
		return nil, fmt.Errorf("applicability probe: %s exited %d: %s", f.Binary, code, out)
	}
	var names []string
	if err := json.Unmarshal(out, &names); err != nil {
		return nil, fmt.Errorf("parse applicability: %w", err)
	}
	return names, nil
}
