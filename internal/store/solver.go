// ABOUTME: Solver metadata: the shared roster table and per-session
// ABOUTME: applicability rows linking solvers to kernel configs.
package store

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// Solver is one entry of the shared solver metadata table.
type Solver struct {
	ID      int64
	Name    string
	Valid   bool
	Tunable bool
}

// UpsertSolvers reconciles the solver table with the list reported by the
// tuning library. Existing names are updated in place. Callers must serialize
// this: the composer runs solver-update on a single worker per composition
// cycle precisely because this mutates shared reference data.
func (s *Store) UpsertSolvers(ctx context.Context, solvers []Solver) error {
	for _, sv := range solvers {
		query, args, err := psql.Insert("solver").
			Columns("name", "valid", "tunable").
			Values(sv.Name, sv.Valid, sv.Tunable).
			Suffix(`ON CONFLICT (name) DO UPDATE SET
				valid = EXCLUDED.valid,
				tunable = EXCLUDED.tunable,
				update_ts = now()`).
			ToSql()
		if err != nil {
			return fmt.Errorf("build upsert solver query: %w", err)
		}
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("upsert solver %q: %w", sv.Name, err)
		}
	}
	return nil
}

// ListSolvers returns all solvers ordered by name.
func (s *Store) ListSolvers(ctx context.Context) ([]Solver, error) {
	query, args, err := psql.Select("id", "name", "valid", "tunable").
		From("solver").OrderBy("name ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list solvers query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list solvers: %w", err)
	}
	defer rows.Close()
	var out []Solver
	for rows.Next() {
		var sv Solver
		if err := rows.Scan(&sv.ID, &sv.Name, &sv.Valid, &sv.Tunable); err != nil {
			return nil, fmt.Errorf("scan solver: %w", err)
		}
		out = append(out, sv)
	}
	return out, rows.Err()
}

// SetApplicability records which solvers apply to a config within a session,
// replacing any previous rows for that (session, config). Names without a
// solver row are silently ignored; run a solver update first.
func (s *Store) SetApplicability(ctx context.Context, sessionID, configID int64, solverNames []string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		del, args, err := psql.Delete("solver_applicability").
			Where(sq.Eq{"session_id": sessionID, "config_id": configID}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build delete applicability query: %w", err)
		}
		if _, err := tx.Exec(ctx, del, args...); err != nil {
			return fmt.Errorf("delete applicability: %w", err)
		}
		if len(solverNames) == 0 {
			return nil
		}
		const ins = `
INSERT INTO solver_applicability (session_id, config_id, solver_id, applicable)
SELECT $1, $2, sv.id, true FROM solver sv WHERE sv.name = ANY($3)`
		if _, err := tx.Exec(ctx, ins, sessionID, configID, solverNames); err != nil {
			return fmt.Errorf("insert applicability: %w", err)
		}
		return nil
	})
}
