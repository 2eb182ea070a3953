// ABOUTME: Kernel config rows: immutable problem descriptions jobs point at,
// ABOUTME: plus the pending-config queries behind applicability sweeps.
package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
)

// KernelConfig describes the shape of one kernel invocation to be tuned.
// Rows are written by an import step and never mutated by the scheduler.
type KernelConfig struct {
	ID          int64
	DataType    string
	Direction   string
	InLayout    string
	FilLayout   string
	OutLayout   string
	Batchsize   int32
	InChannels  int32
	InH         int32
	InW         int32
	FilH        int32
	FilW        int32
	OutChannels int32
	PadH        int32
	PadW        int32
	StrideH     int32
	StrideW     int32
	DilationH   int32
	DilationW   int32
	GroupSize   int32
	Valid       int16
}

const configColumns = "id, data_type, direction, in_layout, fil_layout, out_layout, " +
	"batchsize, in_channels, in_h, in_w, fil_h, fil_w, out_channels, " +
	"pad_h, pad_w, stride_h, stride_w, dilation_h, dilation_w, group_size, valid"

// InsertConfig adds a kernel config and returns its id. Used by the config
// import path and by test fixtures.
func (s *Store) InsertConfig(ctx context.Context, c KernelConfig) (int64, error) {
	query, args, err := psql.Insert("kernel_config").
		Columns("data_type", "direction", "in_layout", "fil_layout", "out_layout",
			"batchsize", "in_channels", "in_h", "in_w", "fil_h", "fil_w", "out_channels",
			"pad_h", "pad_w", "stride_h", "stride_w", "dilation_h", "dilation_w",
			"group_size", "valid").
		Values(c.DataType, c.Direction, c.InLayout, c.FilLayout, c.OutLayout,
			c.Batchsize, c.InChannels, c.InH, c.InW, c.FilH, c.FilW, c.OutChannels,
			c.PadH, c.PadW, c.StrideH, c.StrideW, c.DilationH, c.DilationW,
			c.GroupSize, c.Valid).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build insert config query: %w", err)
	}
	var id int64
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert config: %w", err)
	}
	return id, nil
}

// GetConfigs returns the valid configs with the given ids, keyed by id.
// Configs are immutable, so this read needs no locking even though it feeds
// contexts for already-claimed jobs.
func (s *Store) GetConfigs(ctx context.Context, ids []int64) (map[int64]KernelConfig, error) {
	if len(ids) == 0 {
		return map[int64]KernelConfig{}, nil
	}
	query, args, err := psql.Select(configColumns).
		From("kernel_config").
		Where(sq.Eq{"id": ids, "valid": 1}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get configs query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("get configs: %w", err)
	}
	defer rows.Close()
	out := make(map[int64]KernelConfig, len(ids))
	for rows.Next() {
		var c KernelConfig
		if err := rows.Scan(&c.ID, &c.DataType, &c.Direction, &c.InLayout, &c.FilLayout,
			&c.OutLayout, &c.Batchsize, &c.InChannels, &c.InH, &c.InW, &c.FilH, &c.FilW,
			&c.OutChannels, &c.PadH, &c.PadW, &c.StrideH, &c.StrideW,
			&c.DilationH, &c.DilationW, &c.GroupSize, &c.Valid); err != nil {
			return nil, fmt.Errorf("scan config: %w", err)
		}
		out[c.ID] = c
	}
	return out, rows.Err()
}

// CountPendingConfigs returns the number of valid configs that still lack any
// applicability rows for the session. The composer uses this to cap
// applicability-update worker counts before any work is claimed.
func (s *Store) CountPendingConfigs(ctx context.Context, sessionID int64) (int, error) {
	const q = `
SELECT count(*) FROM kernel_config c
WHERE c.valid = 1
  AND NOT EXISTS (
      SELECT 1 FROM solver_applicability sa
      WHERE sa.config_id = c.id AND sa.session_id = $1)`
	var n int
	if err := s.pool.QueryRow(ctx, q, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending configs: %w", err)
	}
	return n, nil
}

// PendingConfigIDs returns the ids of valid configs still lacking
// applicability rows for the session, in id order.
func (s *Store) PendingConfigIDs(ctx context.Context, sessionID int64) ([]int64, error) {
	const q = `
SELECT c.id FROM kernel_config c
WHERE c.valid = 1
  AND NOT EXISTS (
      SELECT 1 FROM solver_applicability sa
      WHERE sa.config_id = c.id AND sa.session_id = $1)
ORDER BY c.id ASC`
	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("pending config ids: %w", err)
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan config id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
