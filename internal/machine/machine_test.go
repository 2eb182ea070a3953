// ABOUTME: Unit tests for the machine inventory YAML parser.
package machine_test

import (
	"strings"
	"testing"

	"github.com/kerntune/kerntune/internal/machine"
)

func TestLoad(t *testing.T) {
	t.Parallel()
	const doc = `
machines:
  - id: 1
    name: node-a
    arch: gfx90a
    gpus: [0, 1, 2, 3]
    procs: 16
  - id: 2
    name: node-b
    arch: gfx908
    gpus: [0]
    procs: 4
    restart: true
`
	machines, err := machine.Load(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(machines) != 2 {
		t.Fatalf("got %d machines, want 2", len(machines))
	}
	a := machines[0]
	if a.Name != "node-a" || a.Arch != "gfx90a" || len(a.GPUs) != 4 || a.Procs != 16 || a.Restart {
		t.Fatalf("machine[0] = %+v", a)
	}
	if !machines[1].Restart {
		t.Fatal("machine[1] restart flag lost")
	}
}

func TestLoad_MissingNameRejected(t *testing.T) {
	t.Parallel()
	_, err := machine.Load(strings.NewReader("machines:\n  - id: 1\n    procs: 4\n"))
	if err == nil {
		t.Fatal("expected an error for a nameless machine")
	}
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := machine.Load(strings.NewReader("machines:\n  - name: x\n    cpus: 4\n"))
	if err == nil {
		t.Fatal("expected an error for an unknown field")
	}
}
