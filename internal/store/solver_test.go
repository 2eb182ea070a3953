// ABOUTME: Integration tests for solver metadata: roster upsert, applicability
// ABOUTME: recording, pending-config queries, and applicability-scoped loads.
package store_test

import (
	"context"
	"testing"

	"github.com/kerntune/kerntune/internal/store"
	"github.com/kerntune/kerntune/internal/testutil"
)

func TestUpsertSolvers_UpdatesInPlace(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.UpsertSolvers(ctx, []store.Solver{
		{Name: "ConvAsm1x1U", Valid: true, Tunable: true},
		{Name: "ConvOclDirectFwd", Valid: true, Tunable: false},
	}); err != nil {
		t.Fatalf("UpsertSolvers: %v", err)
	}
	// Second roster invalidates one solver; no duplicate rows appear.
	if err := s.UpsertSolvers(ctx, []store.Solver{
		{Name: "ConvAsm1x1U", Valid: false, Tunable: true},
	}); err != nil {
		t.Fatalf("UpsertSolvers (update): %v", err)
	}

	solvers, err := s.ListSolvers(ctx)
	if err != nil {
		t.Fatalf("ListSolvers: %v", err)
	}
	if len(solvers) != 2 {
		t.Fatalf("got %d solvers, want 2", len(solvers))
	}
	if solvers[0].Name != "ConvAsm1x1U" || solvers[0].Valid {
		t.Fatalf("solver[0] = %+v, want invalidated ConvAsm1x1U", solvers[0])
	}
}

func TestSetApplicability_ReplacesAndPendingShrinks(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	sessID := mustCreateSession(t, s, ctx)
	cfgA := mustInsertConfig(t, s, ctx, 1)
	cfgB := mustInsertConfig(t, s, ctx, 2)
	if err := s.UpsertSolvers(ctx, []store.Solver{
		{Name: "SolverX", Valid: true, Tunable: true},
		{Name: "SolverY", Valid: true, Tunable: true},
	}); err != nil {
		t.Fatalf("UpsertSolvers: %v", err)
	}

	pending, err := s.PendingConfigIDs(ctx, sessID)
	if err != nil {
		t.Fatalf("PendingConfigIDs: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("pending = %v, want both configs", pending)
	}

	if err := s.SetApplicability(ctx, sessID, cfgA, []string{"SolverX", "SolverY"}); err != nil {
		t.Fatalf("SetApplicability: %v", err)
	}
	// Unknown names are ignored, not an error.
	if err := s.SetApplicability(ctx, sessID, cfgA, []string{"SolverX", "NoSuchSolver"}); err != nil {
		t.Fatalf("SetApplicability (replace): %v", err)
	}

	var n int
	if err := s.Pool().QueryRow(ctx,
		"SELECT count(*) FROM solver_applicability WHERE session_id = $1 AND config_id = $2",
		sessID, cfgA).Scan(&n); err != nil {
		t.Fatalf("count applicability: %v", err)
	}
	if n != 1 {
		t.Fatalf("applicability rows = %d, want 1 (replaced)", n)
	}

	pending, err = s.PendingConfigIDs(ctx, sessID)
	if err != nil {
		t.Fatalf("PendingConfigIDs: %v", err)
	}
	if len(pending) != 1 || pending[0] != cfgB {
		t.Fatalf("pending = %v, want only config %d", pending, cfgB)
	}
	count, err := s.CountPendingConfigs(ctx, sessID)
	if err != nil {
		t.Fatalf("CountPendingConfigs: %v", err)
	}
	if count != 1 {
		t.Fatalf("CountPendingConfigs = %d, want 1", count)
	}
}

func TestLoadJobs_OnlyApplicable(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	sessID := mustCreateSession(t, s, ctx)
	cfgA := mustInsertConfig(t, s, ctx, 1)
	mustInsertConfig(t, s, ctx, 2) // no applicability rows
	if err := s.UpsertSolvers(ctx, []store.Solver{{Name: "SolverX", Valid: true, Tunable: true}}); err != nil {
		t.Fatalf("UpsertSolvers: %v", err)
	}
	if err := s.SetApplicability(ctx, sessID, cfgA, []string{"SolverX"}); err != nil {
		t.Fatalf("SetApplicability: %v", err)
	}

	n := mustLoadJobs(t, s, ctx, store.LoadJobsParams{SessionID: sessID, OnlyApplicable: true})
	if n != 1 {
		t.Fatalf("loaded %d jobs, want 1 (only the applicable config)", n)
	}
	jobs, err := s.ClaimJobs(ctx, store.ClaimFilter{
		SessionID: sessID,
		States:    []store.JobState{store.StateNew},
	}, store.StateCompileStart, "m", -1)
	if err != nil {
		t.Fatalf("ClaimJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ConfigID != cfgA {
		t.Fatalf("jobs = %+v, want one job for config %d", jobs, cfgA)
	}
}
