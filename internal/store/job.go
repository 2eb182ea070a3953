// ABOUTME: Job rows and the claim protocol: SELECT FOR UPDATE SKIP LOCKED
// ABOUTME: batch claims, CAS state transitions, loading, and stale reclaim.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
)

// Job is one unit of scheduled work: a (config, session, fin_step) triple
// advancing through the job state machine.
type Job struct {
	ID          int64
	ConfigID    int64
	SessionID   int64
	Solver      string
	State       JobState
	Valid       int16
	Retries     int32
	Reason      string
	FinStep     string
	Result      *string
	MachineName string
	GPUID       int32
}

// jobColumns is the scan list shared by every job query.
const jobColumns = "id, config_id, session_id, solver, state, valid, retries, reason, fin_step, result, machine_name, gpu_id"

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.ConfigID, &j.SessionID, &j.Solver, &j.State,
		&j.Valid, &j.Retries, &j.Reason, &j.FinStep, &j.Result,
		&j.MachineName, &j.GPUID)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// ClaimFilter selects the eligible rows for one claim call.
type ClaimFilter struct {
	SessionID int64
	// States is the operation's set of acceptable source states.
	States []JobState
	// Label, when non-empty, restricts to jobs tagged with this reason.
	Label string
	// FinStep, when non-empty, restricts to jobs whose fin_step contains it.
	FinStep string
	// Batch bounds the claim size; 0 claims every eligible row.
	Batch int
}

// claimQuery builds the locking SELECT. Rows are ordered by (retries,
// config_id) ascending so never-attempted work is claimed first and the claim
// order is deterministic; SKIP LOCKED guarantees concurrent claimants never
// receive overlapping rows and never block on a busy row.
func (f ClaimFilter) claimQuery() (string, []any, error) {
	states := make([]string, len(f.States))
	for i, st := range f.States {
		states[i] = string(st)
	}
	sb := psql.Select(jobColumns).
		From("job").
		Where(sq.Eq{"session_id": f.SessionID}).
		Where(sq.Eq{"valid": 1}).
		Where(sq.Lt{"retries": MaxJobRetries}).
		Where(sq.Eq{"state": states}).
		OrderBy("retries ASC, config_id ASC")
	if f.Label != "" {
		sb = sb.Where(sq.Eq{"reason": f.Label})
	}
	if f.FinStep != "" {
		sb = sb.Where(sq.Like{"fin_step": "%" + f.FinStep + "%"})
	}
	if f.Batch > 0 {
		sb = sb.Limit(uint64(f.Batch)) //nolint:gosec // G115: batch validated by caller
	}
	sb = sb.Suffix("FOR UPDATE SKIP LOCKED")
	return sb.ToSql()
}

// ClaimJobs atomically claims up to f.Batch eligible jobs and moves them into
// mark with machine/GPU attribution. The SELECT ... FOR UPDATE SKIP LOCKED and
// the UPDATE to the marker state commit together: either the whole claim is
// visible to other claimants or none of it is. An empty result is not an
// error.
func (s *Store) ClaimJobs(ctx context.Context, f ClaimFilter, mark JobState, machineName string, gpuID int) ([]Job, error) {
	var claimed []Job
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		query, args, err := f.claimQuery()
		if err != nil {
			return fmt.Errorf("build claim query: %w", err)
		}
		rows, err := tx.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("select for update: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("scan job: %w", err)
			}
			claimed = append(claimed, *j)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		if len(claimed) == 0 {
			return nil
		}

		ids := make([]int64, len(claimed))
		for i := range claimed {
			ids[i] = claimed[i].ID
		}
		ub := psql.Update("job").
			Set("state", string(mark)).
			Set("machine_name", machineName).
			Set("gpu_id", gpuID).
			Set("update_ts", sq.Expr("now()")).
			Where(sq.Eq{"id": ids})
		switch mark {
		case StateCompileStart:
			ub = ub.Set("compile_start", sq.Expr("now()"))
		case StateEvalStart, StateRunning:
			ub = ub.Set("eval_start", sq.Expr("now()"))
		}
		query, args, err = ub.ToSql()
		if err != nil {
			return fmt.Errorf("build mark query: %w", err)
		}
		if _, err := tx.Exec(ctx, query, args...); err != nil {
			return fmt.Errorf("mark claimed jobs: %w", err)
		}
		for i := range claimed {
			claimed[i].State = mark
			claimed[i].MachineName = machineName
			claimed[i].GPUID = int32(gpuID) //nolint:gosec // G115: GPU index
		}
		return nil
	})
	if err != nil {
		// The deferred rollback has already discarded any partial claim.
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	return claimed, nil
}

// ClaimOne claims a single job, or returns (nil, nil) when none is eligible.
func (s *Store) ClaimOne(ctx context.Context, f ClaimFilter, mark JobState, machineName string, gpuID int) (*Job, error) {
	f.Batch = 1
	jobs, err := s.ClaimJobs(ctx, f, mark, machineName, gpuID)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return &jobs[0], nil
}

// TransitionJob applies one compare-and-set state change: the UPDATE matches
// only when the row is still in from, so replaying a result against a job
// that already reached a terminal state changes nothing. Returns whether a
// row was updated.
func (s *Store) TransitionJob(ctx context.Context, jobID int64, from, to JobState, incrementRetries bool, result string) (bool, error) {
	var applied bool
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		applied, err = transitionJobTx(ctx, tx, jobID, from, to, incrementRetries, result)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("transition job %d: %w", jobID, err)
	}
	return applied, nil
}

func transitionJobTx(ctx context.Context, tx pgx.Tx, jobID int64, from, to JobState, incrementRetries bool, result string) (bool, error) {
	if !from.CanTransition(to) {
		return false, fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	ub := psql.Update("job").
		Set("state", string(to)).
		Set("update_ts", sq.Expr("now()")).
		Where(sq.Eq{"id": jobID, "state": string(from)})
	if result != "" {
		ub = ub.Set("result", result)
	}
	if incrementRetries {
		ub = ub.Set("retries", sq.Expr("retries + 1"))
	}
	switch {
	case to == StateCompiled && from == StateCompileStart:
		ub = ub.Set("compile_end", sq.Expr("now()"))
	case from == StateEvalStart || from == StateRunning:
		ub = ub.Set("eval_end", sq.Expr("now()"))
	}
	query, args, err := ub.ToSql()
	if err != nil {
		return false, fmt.Errorf("build transition query: %w", err)
	}
	tag, err := tx.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// GetJob returns the job with the given id, or (nil, nil) when absent.
func (s *Store) GetJob(ctx context.Context, id int64) (*Job, error) {
	query, args, err := psql.Select(jobColumns).From("job").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build get job query: %w", err)
	}
	j, err := scanJob(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job %d: %w", id, err)
	}
	return j, nil
}

// LoadJobsParams selects the configs a load run creates jobs for.
type LoadJobsParams struct {
	SessionID int64
	Label     string
	FinStep   string
	// Solver, when non-empty, pins every created job to one solver.
	Solver string
	// OnlyApplicable restricts configs to those with an applicable solver
	// recorded for this session.
	OnlyApplicable bool
}

// LoadJobs inserts a new job row per eligible config. Pairs that already have
// a job for this (session, fin_step) violate the job_uq constraint; those are
// warned and skipped, never fatal: a re-run of load-jobs is expected to be
// additive.
func (s *Store) LoadJobs(ctx context.Context, p LoadJobsParams) (int, error) {
	sb := psql.Select("c.id").From("kernel_config c").
		Where(sq.Eq{"c.valid": 1}).
		OrderBy("c.id ASC")
	if p.OnlyApplicable {
		sb = sb.Join("solver_applicability sa ON sa.config_id = c.id").
			Join("solver sv ON sv.id = sa.solver_id").
			Where(sq.Eq{"sa.session_id": p.SessionID, "sa.applicable": true, "sv.valid": true}).
			GroupBy("c.id")
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build config query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("select configs: %w", err)
	}
	var configIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan config id: %w", err)
		}
		configIDs = append(configIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	finStep := p.FinStep
	if finStep == "" {
		finStep = "not_fin"
	}
	count := 0
	for _, cfgID := range configIDs {
		query, args, err := psql.Insert("job").
			Columns("config_id", "session_id", "solver", "state", "valid", "reason", "fin_step").
			Values(cfgID, p.SessionID, p.Solver, string(StateNew), 1, p.Label, finStep).
			ToSql()
		if err != nil {
			return count, fmt.Errorf("build insert query: %w", err)
		}
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			if IsIntegrity(err) {
				slog.Warn("job exists, skipping",
					"config_id", cfgID, "session_id", p.SessionID, "fin_step", finStep)
				continue
			}
			return count, fmt.Errorf("insert job for config %d: %w", cfgID, err)
		}
		count++
	}
	return count, nil
}

// CountJobStates returns the number of jobs per state for one session and
// fin_step pattern.
func (s *Store) CountJobStates(ctx context.Context, sessionID int64, finStep string) (map[JobState]int, error) {
	sb := psql.Select("state", "count(*)").From("job").
		Where(sq.Eq{"session_id": sessionID}).
		GroupBy("state")
	if finStep != "" {
		sb = sb.Where(sq.Like{"fin_step": "%" + finStep + "%"})
	}
	query, args, err := sb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build count query: %w", err)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count job states: %w", err)
	}
	defer rows.Close()
	counts := make(map[JobState]int)
	for rows.Next() {
		var st JobState
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// ReclaimInFlight resets jobs stuck in a _start or running state for longer
// than olderThan back to their prior stable state. There is no automatic
// reclaim ticker: a claimed job whose worker died stays in flight until an
// operator runs this explicitly.
func (s *Store) ReclaimInFlight(ctx context.Context, sessionID int64, olderThan time.Duration) (int, error) {
	const q = `
UPDATE job SET state = CASE state
        WHEN 'compile_start' THEN 'new'::job_state
        WHEN 'eval_start'    THEN 'compiled'::job_state
        WHEN 'running'       THEN 'new'::job_state
    END,
    update_ts = now()
WHERE session_id = $1
  AND state IN ('compile_start', 'eval_start', 'running')
  AND update_ts < now() - ($2 * interval '1 second')`
	tag, err := s.pool.Exec(ctx, q, sessionID, int(olderThan.Seconds()))
	if err != nil {
		return 0, fmt.Errorf("reclaim in-flight jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
