// ABOUTME: Integration tests for the queue consumer pool: handler dispatch,
// ABOUTME: completion, and the failure/redelivery path against a real queue.
package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/kerntune/kerntune/internal/testutil"
	"github.com/kerntune/kerntune/internal/worker"
)

func TestPool_ProcessesAndCompletesTask(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.EnqueueTask(ctx, "compile", "t1", json.RawMessage(`{"job":1}`)); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	var got json.RawMessage
	p := worker.NewPool(s, 3)
	p.Register("compile", func(_ context.Context, payload json.RawMessage) error {
		got = payload
		return nil
	})
	p.RunOnce(ctx, "compile")

	if string(got) != `{"job": 1}` && string(got) != `{"job":1}` {
		t.Fatalf("handler payload = %s", got)
	}
	if task, _ := s.ClaimTask(ctx, "compile", "w"); task != nil {
		t.Fatalf("completed task still claimable: %+v", task)
	}
}

func TestPool_HandlerFailureRedelivers(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	if err := s.EnqueueTask(ctx, "eval", "t2", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("EnqueueTask: %v", err)
	}

	calls := 0
	p := worker.NewPool(s, 3)
	p.Register("eval", func(context.Context, json.RawMessage) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	})

	p.RunOnce(ctx, "eval") // fails, back to pending
	p.RunOnce(ctx, "eval") // succeeds
	if calls != 2 {
		t.Fatalf("handler calls = %d, want 2", calls)
	}
	if task, _ := s.ClaimTask(ctx, "eval", "w"); task != nil {
		t.Fatalf("task still claimable after success: %+v", task)
	}
}

func TestPool_EmptyQueueIsQuiet(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	p := worker.NewPool(s, 3)
	called := false
	p.Register("compile", func(context.Context, json.RawMessage) error {
		called = true
		return nil
	})
	p.RunOnce(context.Background(), "compile")
	if called {
		t.Fatal("handler invoked with no task")
	}
}
