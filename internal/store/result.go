// ABOUTME: Tuning results and the transient kernel cache: upserts keyed on
// ABOUTME: (session, config, solver) and cache rows tied to job lifetime.
package store

import (
	"context"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// TuningResult is one row of the results table: the winning perf config and
// kernel time for a (session, config, solver) triple.
type TuningResult struct {
	SessionID     int64
	ConfigID      int64
	Solver        string
	PerfConfig    string
	KernelTime    float64
	WorkspaceSize int64
}

// ResultAttrs is the fixed schema-derived attribute list for the results
// table, excluding the insert/update timestamps. Context building embeds it
// so worker result payloads are self-describing; ingestion relies on the same
// list when writing rows back.
func ResultAttrs() []string {
	return []string{
		"session_id", "config_id", "solver",
		"perf_config", "kernel_time", "workspace_size",
	}
}

// UpsertResult writes a tuning result, replacing any previous row for the
// same (session, config, solver).
func (s *Store) UpsertResult(ctx context.Context, r TuningResult) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return upsertResultTx(ctx, tx, r)
	})
}

func upsertResultTx(ctx context.Context, tx pgx.Tx, r TuningResult) error {
	query, args, err := psql.Insert("tuning_result").
		Columns(ResultAttrs()...).
		Values(r.SessionID, r.ConfigID, r.Solver, r.PerfConfig, r.KernelTime, r.WorkspaceSize).
		Suffix(`ON CONFLICT ON CONSTRAINT tuning_result_uq DO UPDATE SET
			perf_config = EXCLUDED.perf_config,
			kernel_time = EXCLUDED.kernel_time,
			workspace_size = EXCLUDED.workspace_size,
			update_ts = now()`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build upsert result query: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert result: %w", err)
	}
	return nil
}

// GetResult returns the tuning result for (sessionID, configID, solver), or
// (nil, nil) when absent.
func (s *Store) GetResult(ctx context.Context, sessionID, configID int64, solver string) (*TuningResult, error) {
	query, args, err := psql.Select(ResultAttrs()...).
		From("tuning_result").
		Where(sq.Eq{"session_id": sessionID, "config_id": configID, "solver": solver}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get result query: %w", err)
	}
	var r TuningResult
	err = s.pool.QueryRow(ctx, query, args...).
		Scan(&r.SessionID, &r.ConfigID, &r.Solver, &r.PerfConfig, &r.KernelTime, &r.WorkspaceSize)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result: %w", err)
	}
	return &r, nil
}

// InsertKernelCache stores a compiled kernel blob for a job within tx, as
// part of compile-result ingestion.
func InsertKernelCache(ctx context.Context, tx pgx.Tx, jobID int64, kernelName string, blob []byte) error {
	query, args, err := psql.Insert("kernel_cache").
		Columns("job_id", "kernel_name", "kernel_blob").
		Values(jobID, kernelName, blob).
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert kernel cache query: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert kernel cache: %w", err)
	}
	return nil
}

// ClearKernelCache deletes the transient cache rows for a job within tx.
// Called on the eval success path only, in the same transaction as the
// terminal state transition.
func ClearKernelCache(ctx context.Context, tx pgx.Tx, jobID int64) error {
	query, args, err := psql.Delete("kernel_cache").Where(sq.Eq{"job_id": jobID}).ToSql()
	if err != nil {
		return fmt.Errorf("build clear kernel cache query: %w", err)
	}
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("clear kernel cache: %w", err)
	}
	return nil
}

// CountKernelCache returns the number of cache rows held for a job.
func (s *Store) CountKernelCache(ctx context.Context, jobID int64) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		"SELECT count(*) FROM kernel_cache WHERE job_id = $1", jobID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count kernel cache: %w", err)
	}
	return n, nil
}
