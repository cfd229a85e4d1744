package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/bus"
	"github.com/google/uuid"
)

type TaskSource string

const (
	TaskSourceDelegation TaskSource = "delegation"
	TaskSourceUser       TaskSource = "user"
	TaskSourceSystem     TaskSource = "system"
	TaskSourceSelf       TaskSource = "self"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusCompleted TaskStatus = "completed"
)

// Task is one unit of queued work for an agent. A pending task claimed for
// processing carries a claimed_at marker so concurrent dequeues never see
// it; failed iterations release the claim and the task stays pending.
type Task struct {
	ID           string     `json:"id"`
	AssignedToID string     `json:"assigned_to_id"`
	Task         string     `json:"task"`
	Source       TaskSource `json:"source"`
	Status       TaskStatus `json:"status"`
	Result       string     `json:"result,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// Enqueue creates one pending task for the agent. Text must be non-empty
// for user and system sources.
func (s *Store) Enqueue(ctx context.Context, agentID, text string, source TaskSource) (*Task, error) {
	switch source {
	case TaskSourceDelegation, TaskSourceUser, TaskSourceSystem, TaskSourceSelf:
	default:
		return nil, fmt.Errorf("unknown task source %q", source)
	}
	if strings.TrimSpace(text) == "" && (source == TaskSourceUser || source == TaskSourceSystem) {
		return nil, fmt.Errorf("task text must be non-empty for source %q", source)
	}
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}

	taskID := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, assigned_to_id, task, source, status)
			VALUES (?, ?, ?, ?, 'pending');
		`, taskID, agentID, text, source)
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicTaskEnqueued, bus.TaskEvent{TaskID: taskID, AgentID: agentID, Source: string(source)})
	return task, nil
}

// DequeueOldestPending atomically claims and returns the oldest unclaimed
// pending task for the agent, or nil when the queue is empty. Two
// concurrent callers never receive the same task.
func (s *Store) DequeueOldestPending(ctx context.Context, agentID string) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var task Task
		row := tx.QueryRowContext(ctx, `
			SELECT id, assigned_to_id, task, source, status, COALESCE(result, ''), created_at, completed_at
			FROM tasks
			WHERE assigned_to_id = ? AND status = 'pending' AND claimed_at IS NULL
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1;
		`, agentID)
		if err := scanTask(row.Scan, &task); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				result = nil
				return nil
			}
			return fmt.Errorf("select pending task: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET claimed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'pending' AND claimed_at IS NULL;
		`, task.ID)
		if err != nil {
			return fmt.Errorf("claim task: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Lost the race; nothing claimed this round.
			result = nil
			return tx.Rollback()
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		result = &task
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result != nil {
		s.bus.Publish(bus.TopicTaskClaimed, bus.TaskEvent{TaskID: result.ID, AgentID: agentID})
	}
	return result, nil
}

// ReleaseClaim makes a claimed pending task visible to dequeues again.
// Called when an iteration fails so the task is retried on the next run.
func (s *Store) ReleaseClaim(ctx context.Context, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET claimed_at = NULL WHERE id = ? AND status = 'pending';
		`, taskID)
		if err != nil {
			return fmt.Errorf("release claim: %w", err)
		}
		return nil
	})
}

// Complete transitions pending -> completed and sets the result. Completing
// an already-completed task is a no-op that returns the existing record.
func (s *Store) Complete(ctx context.Context, taskID, result string) (*Task, error) {
	existing, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if existing.Status == TaskStatusCompleted {
		return existing, nil
	}
	err = retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'completed', result = ?, completed_at = CURRENT_TIMESTAMP, claimed_at = NULL
			WHERE id = ? AND status = 'pending';
		`, result, taskID)
		if err != nil {
			return fmt.Errorf("complete task: %w", err)
		}
		// Zero rows means a concurrent completion won; the idempotent
		// contract still holds.
		_, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	s.bus.Publish(bus.TopicTaskCompleted, bus.TaskEvent{TaskID: taskID, AgentID: task.AssignedToID, Status: string(task.Status)})
	return task, nil
}

// GetTask returns the task or ErrNotFound.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, assigned_to_id, task, source, status, COALESCE(result, ''), created_at, completed_at
		FROM tasks WHERE id = ?;
	`, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %q: %w", taskID, ErrNotFound)
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListTasks returns the agent's tasks in the given status, oldest first.
func (s *Store) ListTasks(ctx context.Context, agentID string, status TaskStatus) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assigned_to_id, task, source, status, COALESCE(result, ''), created_at, completed_at
		FROM tasks
		WHERE assigned_to_id = ? AND status = ?
		ORDER BY created_at ASC, rowid ASC;
	`, agentID, status)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// HasPendingTasks reports whether any unclaimed pending task exists for
// the agent.
func (s *Store) HasPendingTasks(ctx context.Context, agentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE assigned_to_id = ? AND status = 'pending' AND claimed_at IS NULL;
	`, agentID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count pending: %w", err)
	}
	return n > 0, nil
}

func scanTask(scan func(dest ...any) error, task *Task) error {
	var completedAt sql.NullTime
	if err := scan(&task.ID, &task.AssignedToID, &task.Task, &task.Source, &task.Status, &task.Result, &task.CreatedAt, &completedAt); err != nil {
		return err
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return nil
}
