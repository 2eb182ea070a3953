// ABOUTME: Combined ingestion transactions: state transition plus kernel-cache
// ABOUTME: or result writes committing atomically per worker result.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// CompiledKernel is one compile artifact carried in a compile-result payload.
type CompiledKernel struct {
	Name string `json:"name"`
	Blob []byte `json:"blob"`
}

// CompleteCompileJob applies a successful compile ingestion atomically: the
// compile_start -> compiled transition plus the kernel-cache inserts commit
// together. Returns whether the transition applied; false means the job had
// already left compile_start and nothing was written.
func (s *Store) CompleteCompileJob(ctx context.Context, jobID int64, result string, kernels []CompiledKernel) (bool, error) {
	var applied bool
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		applied, err = transitionJobTx(ctx, tx, jobID, StateCompileStart, StateCompiled, false, result)
		if err != nil || !applied {
			return err
		}
		for _, k := range kernels {
			if err := InsertKernelCache(ctx, tx, jobID, k.Name, k.Blob); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("complete compile job %d: %w", jobID, err)
	}
	return applied, nil
}

// CompleteEvalJob applies a successful eval ingestion atomically: the
// eval_start -> evaluated transition, the results-table upsert, and the
// kernel-cache clear commit together. Cache invalidation is tied to terminal
// success only; a failed eval leaves the cache for the retry.
func (s *Store) CompleteEvalJob(ctx context.Context, jobID int64, result string, res *TuningResult) (bool, error) {
	var applied bool
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		applied, err = transitionJobTx(ctx, tx, jobID, StateEvalStart, StateEvaluated, false, result)
		if err != nil || !applied {
			return err
		}
		if res != nil {
			if err := upsertResultTx(ctx, tx, *res); err != nil {
				return err
			}
		}
		return ClearKernelCache(ctx, tx, jobID)
	})
	if err != nil {
		return false, fmt.Errorf("complete eval job %d: %w", jobID, err)
	}
	return applied, nil
}
