// Package machine holds the inventory of tuning machines. The physical
// transport to reach a machine (SSH, container exec) is supplied by callers;
// this package only describes what is available to schedule on.
package machine

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Machine is one reachable host with its schedulable resources.
type Machine struct {
	ID   int64  `yaml:"id"`
	Name string `yaml:"name"`
	Arch string `yaml:"arch"`
	// GPUs lists the available GPU indices; eval workers bind one each.
	GPUs []int `yaml:"gpus"`
	// Procs is the number of process slots for non-eval workers.
	Procs int `yaml:"procs"`
	// Restart flags the machine for an asynchronous restart this cycle;
	// it contributes no workers while flagged.
	Restart bool `yaml:"restart"`
}

// Inventory is the top-level YAML document.
type Inventory struct {
	Machines []Machine `yaml:"machines"`
}

// Load parses a machine inventory from r.
func Load(r io.Reader) ([]Machine, error) {
	var inv Inventory
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&inv); err != nil {
		return nil, fmt.Errorf("decode inventory: %w", err)
	}
	for i, m := range inv.Machines {
		if m.Name == "" {
			return nil, fmt.Errorf("machine %d: name is required", i)
		}
	}
	return inv.Machines, nil
}

// LoadFile parses a machine inventory from the YAML file at path.
func LoadFile(path string) ([]Machine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open inventory: %w", err)
	}
	defer f.Close() //nolint:errcheck
	return Load(f)
}
