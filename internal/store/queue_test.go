// ABOUTME: Integration tests for the task queue: enqueue, claim isolation,
// ABOUTME: completion, and the dead-letter path after repeated failures.
package store_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kerntune/kerntune/internal/store"
	"github.com/kerntune/kerntune/internal/testutil"
)

func mustEnqueue(t *testing.T, s *store.Store, ctx context.Context, queue, taskID string) {
	t.Helper()
	if err := s.EnqueueTask(ctx, queue, taskID, json.RawMessage(`{"job":1}`)); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}
}

func TestTaskQueue_ClaimCompleteRoundTrip(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, ctx, "compile", "compile-sess1-not_fin-aaa")

	task, err := s.ClaimTask(ctx, "compile", "worker-1")
	if err != nil {
		t.Fatalf("ClaimTask: %v", err)
	}
	if task == nil {
		t.Fatal("expected a task")
	}
	if task.TaskID != "compile-sess1-not_fin-aaa" {
		t.Fatalf("task_id = %q", task.TaskID)
	}
	if task.Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", task.Attempts)
	}

	// The running task is invisible to other claimants.
	other, err := s.ClaimTask(ctx, "compile", "worker-2")
	if err != nil {
		t.Fatalf("ClaimTask (second): %v", err)
	}
	if other != nil {
		t.Fatalf("running task re-claimed: %+v", other)
	}

	if err := s.CompleteTask(ctx, task.ID); err != nil {
		t.Fatalf("CompleteTask: %v", err)
	}
	if again, _ := s.ClaimTask(ctx, "compile", "worker-1"); again != nil {
		t.Fatalf("done task re-claimed: %+v", again)
	}
}

func TestTaskQueue_EmptyAndWrongQueue(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if task, err := s.ClaimTask(ctx, "compile", "w"); err != nil || task != nil {
		t.Fatalf("empty queue: task=%v err=%v, want nil,nil", task, err)
	}
	mustEnqueue(t, s, ctx, "eval", "eval-sess1-not_fin-bbb")
	if task, _ := s.ClaimTask(ctx, "compile", "w"); task != nil {
		t.Fatalf("claimed task from the wrong queue: %+v", task)
	}
}

func TestTaskQueue_DuplicateTaskIDIsIntegrityError(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, ctx, "compile", "dup-id")
	err := s.EnqueueTask(ctx, "compile", "dup-id", json.RawMessage(`{}`))
	if err == nil {
		t.Fatal("duplicate task_id must fail")
	}
	if !store.IsIntegrity(err) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestTaskQueue_FailRedeliversThenDeadLetters(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustEnqueue(t, s, ctx, "compile", "flaky-task")
	const maxAttempts = 2

	// First delivery fails: attempts=1 < max, back to pending.
	task, err := s.ClaimTask(ctx, "compile", "w")
	if err != nil || task == nil {
		t.Fatalf("ClaimTask: task=%v err=%v", task, err)
	}
	if err := s.FailTask(ctx, task.ID, maxAttempts); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	// Second delivery fails: attempts=2 >= max, dead.
	task, err = s.ClaimTask(ctx, "compile", "w")
	if err != nil || task == nil {
		t.Fatalf("ClaimTask redelivery: task=%v err=%v", task, err)
	}
	if task.Attempts != 2 {
		t.Fatalf("attempts = %d, want 2", task.Attempts)
	}
	if err := s.FailTask(ctx, task.ID, maxAttempts); err != nil {
		t.Fatalf("FailTask: %v", err)
	}

	if again, _ := s.ClaimTask(ctx, "compile", "w"); again != nil {
		t.Fatalf("dead task re-claimed: %+v", again)
	}
	var status string
	if err := s.Pool().QueryRow(ctx,
		"SELECT status FROM task_queue WHERE id = $1", task.ID).Scan(&status); err != nil {
		t.Fatalf("read status: %v", err)
	}
	if status != "dead" {
		t.Fatalf("status = %q, want dead", status)
	}
}
