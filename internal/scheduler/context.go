// ABOUTME: Context building: joins claimed jobs with their configs and session
// ABOUTME: facts into self-contained work units for dispatch.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kerntune/kerntune/internal/store"
)

// Context is the self-contained unit of work handed to a worker: everything
// needed to execute one claimed job without further store reads for its
// parameters. It has no persisted identity of its own; its durable trace is
// the job it was built from and the result it produces.
type Context struct {
	Job       store.Job          `json:"job"`
	Config    store.KernelConfig `json:"config"`
	Operation Operation          `json:"operation"`
	Arch      string             `json:"arch"`
	NumCU     int32              `json:"num_cu"`
	// Kwargs carries operation tuning knobs (find mode, solver filters)
	// opaque to the dispatch pipeline.
	Kwargs map[string]string `json:"kwargs,omitempty"`
	// ResultAttrs is the result-table attribute list (minus timestamps) the
	// worker must populate, embedded so results are self-describing.
	ResultAttrs []string `json:"result_attrs"`
}

// ConfigSource provides the immutable configs referenced by claimed jobs.
// Satisfied by store.Store.
type ConfigSource interface {
	GetConfigs(ctx context.Context, ids []int64) (map[int64]store.KernelConfig, error)
}

// BuildContexts packages a claimed batch into one Context per (job, config)
// pair. A job whose config has been invalidated since load time is logged and
// skipped rather than dispatched with stale parameters.
func BuildContexts(ctx context.Context, src ConfigSource, sess *store.Session, op Operation, jobs []store.Job, kwargs map[string]string) ([]Context, error) {
	if len(jobs) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(jobs))
	for i, j := range jobs {
		ids[i] = j.ConfigID
	}
	configs, err := src.GetConfigs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("build contexts: %w", err)
	}

	attrs := store.ResultAttrs()
	out := make([]Context, 0, len(jobs))
	for _, j := range jobs {
		cfg, ok := configs[j.ConfigID]
		if !ok {
			slog.Warn("config missing or invalidated, skipping job",
				"job_id", j.ID, "config_id", j.ConfigID)
			continue
		}
		out = append(out, Context{
			Job:         j,
			Config:      cfg,
			Operation:   op,
			Arch:        sess.Arch,
			NumCU:       sess.NumCU,
			Kwargs:      kwargs,
			ResultAttrs: attrs,
		})
	}
	return out, nil
}
