// ABOUTME: The asynchronous task queue: enqueue, SKIP LOCKED claim, complete,
// ABOUTME: and fail-with-dead-letter over the task_queue table.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Task is one enqueued unit on the asynchronous dispatch queue: a serialized
// context routed to a named queue under a caller-supplied task id.
type Task struct {
	ID       uuid.UUID
	TaskID   string
	Queue    string
	Payload  json.RawMessage
	Attempts int32
}

// EnqueueTask inserts a task onto the named queue. taskID must be globally
// unique; a duplicate is an integrity error surfaced to the caller.
func (s *Store) EnqueueTask(ctx context.Context, queue, taskID string, payload json.RawMessage) error {
	query, args, err := psql.Insert("task_queue").
		Columns("task_id", "queue", "payload").
		Values(taskID, queue, payload).
		ToSql()
	if err != nil {
		return fmt.Errorf("build enqueue query: %w", err)
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("enqueue task %s: %w", taskID, err)
	}
	return nil
}

// ClaimTask atomically claims one pending task from the named queue for
// workerID using FOR UPDATE SKIP LOCKED. Returns (nil, nil) when the queue is
// empty. Delivery is at-least-once: a claimed task whose worker dies is
// re-delivered only after operator recovery, and no ordering across tasks is
// guaranteed.
func (s *Store) ClaimTask(ctx context.Context, queue, workerID string) (*Task, error) {
	var task *Task
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		query, args, err := psql.Select("id", "task_id", "queue", "payload", "attempts").
			From("task_queue").
			Where(sq.Eq{"queue": queue, "status": "pending"}).
			OrderBy("created_at ASC").
			Limit(1).
			Suffix("FOR UPDATE SKIP LOCKED").
			ToSql()
		if err != nil {
			return fmt.Errorf("build claim query: %w", err)
		}
		var t Task
		err = tx.QueryRow(ctx, query, args...).
			Scan(&t.ID, &t.TaskID, &t.Queue, &t.Payload, &t.Attempts)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select task: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE task_queue SET status = 'running', locked_by = $2,
			 attempts = attempts + 1, updated_at = now() WHERE id = $1`,
			t.ID, workerID); err != nil {
			return fmt.Errorf("mark task running: %w", err)
		}
		task = &t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	return task, nil
}

// CompleteTask marks a task done.
func (s *Store) CompleteTask(ctx context.Context, id uuid.UUID) error {
	if _, err := s.pool.Exec(ctx,
		"UPDATE task_queue SET status = 'done', updated_at = now() WHERE id = $1", id); err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	return nil
}

// FailTask records a task failure: back to pending for another delivery, or
// dead once maxAttempts deliveries have been consumed.
func (s *Store) FailTask(ctx context.Context, id uuid.UUID, maxAttempts int) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE task_queue
		 SET status = CASE WHEN attempts >= $2 THEN 'dead' ELSE 'pending' END,
		     updated_at = now()
		 WHERE id = $1`, id, maxAttempts); err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	return nil
}
