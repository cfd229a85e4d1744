package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring system task defined by a cron expression. The
// cron scheduler fires due schedules by enqueueing system-sourced tasks.
type Schedule struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	AgentID   string     `json:"agent_id"`
	Task      string     `json:"task"`
	Enabled   bool       `json:"enabled"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// UpsertSchedule creates or updates a schedule keyed by (agent_id, name).
func (s *Store) UpsertSchedule(ctx context.Context, sched Schedule, nextRun time.Time) (*Schedule, error) {
	if sched.Name == "" || sched.CronExpr == "" {
		return nil, fmt.Errorf("schedule name and cron expression must be non-empty")
	}
	if _, err := s.GetAgent(ctx, sched.AgentID); err != nil {
		return nil, err
	}

	var id string
	err := s.db.QueryRowContext(ctx, `
		SELECT id FROM schedules WHERE agent_id = ? AND name = ?;
	`, sched.AgentID, sched.Name).Scan(&id)
	if err == sql.ErrNoRows {
		id = uuid.NewString()
		err = retryOnBusy(ctx, 5, func() error {
			_, execErr := s.db.ExecContext(ctx, `
				INSERT INTO schedules (id, name, cron_expr, agent_id, task, enabled, next_run_at)
				VALUES (?, ?, ?, ?, ?, 1, ?);
			`, id, sched.Name, sched.CronExpr, sched.AgentID, sched.Task, nextRun.UTC())
			if execErr != nil {
				return fmt.Errorf("insert schedule: %w", execErr)
			}
			return nil
		})
	} else if err == nil {
		err = retryOnBusy(ctx, 5, func() error {
			_, execErr := s.db.ExecContext(ctx, `
				UPDATE schedules
				SET cron_expr = ?, task = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, sched.CronExpr, sched.Task, nextRun.UTC(), id)
			if execErr != nil {
				return fmt.Errorf("update schedule: %w", execErr)
			}
			return nil
		})
	} else {
		return nil, fmt.Errorf("find schedule: %w", err)
	}
	if err != nil {
		return nil, err
	}
	return s.getSchedule(ctx, id)
}

func (s *Store) getSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, cron_expr, agent_id, task, enabled, next_run_at, last_run_at, created_at
		FROM schedules WHERE id = ?;
	`, id)
	return scanSchedule(row.Scan)
}

// ListSchedules returns all schedules for the agent, newest first.
func (s *Store) ListSchedules(ctx context.Context, agentID string) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, agent_id, task, enabled, next_run_at, last_run_at, created_at
		FROM schedules
		WHERE agent_id = ?
		ORDER BY created_at DESC, rowid DESC;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

// DueSchedules returns enabled schedules whose next run is at or before
// now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, cron_expr, agent_id, task, enabled, next_run_at, last_run_at, created_at
		FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *sched)
	}
	return out, rows.Err()
}

// MarkScheduleFired records a run and advances next_run_at.
func (s *Store) MarkScheduleFired(ctx context.Context, scheduleID string, firedAt, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules
			SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, firedAt.UTC(), nextRun.UTC(), scheduleID)
		if err != nil {
			return fmt.Errorf("mark schedule fired: %w", err)
		}
		return nil
	})
}

func scanSchedule(scan func(dest ...any) error) (*Schedule, error) {
	var sched Schedule
	var nextRun, lastRun sql.NullTime
	if err := scan(&sched.ID, &sched.Name, &sched.CronExpr, &sched.AgentID, &sched.Task, &sched.Enabled, &nextRun, &lastRun, &sched.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan schedule: %w", err)
	}
	if nextRun.Valid {
		sched.NextRunAt = &nextRun.Time
	}
	if lastRun.Valid {
		sched.LastRunAt = &lastRun.Time
	}
	return &sched, nil
}
