package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type IterationStatus string

const (
	IterationStatusRunning   IterationStatus = "running"
	IterationStatusCompleted IterationStatus = "completed"
	IterationStatusFailed    IterationStatus = "failed"
)

// WorkerIteration records one pipeline run for one agent.
type WorkerIteration struct {
	ID           string          `json:"id"`
	AgentID      string          `json:"agent_id"`
	Status       IterationStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// LLMInteraction is the append-only audit record of one phase call.
// Response stays empty until the call resolves.
type LLMInteraction struct {
	ID           string     `json:"id"`
	IterationID  string     `json:"iteration_id"`
	Phase        string     `json:"phase"`
	SystemPrompt string     `json:"system_prompt"`
	Request      string     `json:"request"`
	Response     string     `json:"response,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
}

// CreateIteration opens a new running iteration for the agent.
func (s *Store) CreateIteration(ctx context.Context, agentID string) (*WorkerIteration, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO worker_iterations (id, agent_id, status) VALUES (?, ?, 'running');
		`, id, agentID)
		if err != nil {
			return fmt.Errorf("create iteration: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetIteration(ctx, id)
}

// SealIteration closes a running iteration as completed or failed.
func (s *Store) SealIteration(ctx context.Context, iterationID string, status IterationStatus, errorMessage string) error {
	if status != IterationStatusCompleted && status != IterationStatusFailed {
		return fmt.Errorf("cannot seal iteration with status %q", status)
	}
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE worker_iterations
			SET status = ?, error_message = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'running';
		`, status, errorMessage, iterationID)
		if err != nil {
			return fmt.Errorf("seal iteration: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("running iteration %q: %w", iterationID, ErrNotFound)
		}
		return nil
	})
}

// GetIteration returns the iteration or ErrNotFound.
func (s *Store) GetIteration(ctx context.Context, iterationID string) (*WorkerIteration, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_id, status, COALESCE(error_message, ''), created_at, completed_at
		FROM worker_iterations WHERE id = ?;
	`, iterationID)
	var it WorkerIteration
	var completedAt sql.NullTime
	if err := row.Scan(&it.ID, &it.AgentID, &it.Status, &it.ErrorMessage, &it.CreatedAt, &completedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("iteration %q: %w", iterationID, ErrNotFound)
		}
		return nil, fmt.Errorf("get iteration: %w", err)
	}
	if completedAt.Valid {
		it.CompletedAt = &completedAt.Time
	}
	return &it, nil
}

// ListIterations returns the agent's iterations, newest first.
func (s *Store) ListIterations(ctx context.Context, agentID string, limit int) ([]WorkerIteration, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, status, COALESCE(error_message, ''), created_at, completed_at
		FROM worker_iterations
		WHERE agent_id = ?
		ORDER BY created_at DESC
		LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list iterations: %w", err)
	}
	defer rows.Close()

	var out []WorkerIteration
	for rows.Next() {
		var it WorkerIteration
		var completedAt sql.NullTime
		if err := rows.Scan(&it.ID, &it.AgentID, &it.Status, &it.ErrorMessage, &it.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan iteration: %w", err)
		}
		if completedAt.Valid {
			it.CompletedAt = &completedAt.Time
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

// OpenInteraction persists the request half of one phase call before the
// provider is invoked, so the audit trail survives a crash mid-call.
func (s *Store) OpenInteraction(ctx context.Context, iterationID, phase, systemPrompt, request string) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO llm_interactions (id, iteration_id, phase, system_prompt, request)
			VALUES (?, ?, ?, ?, ?);
		`, id, iterationID, phase, systemPrompt, request)
		if err != nil {
			return fmt.Errorf("open interaction: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// CloseInteraction records the response snapshot once the call resolves.
func (s *Store) CloseInteraction(ctx context.Context, interactionID, response string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE llm_interactions
			SET response = ?, completed_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, response, interactionID)
		if err != nil {
			return fmt.Errorf("close interaction: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("interaction %q: %w", interactionID, ErrNotFound)
		}
		return nil
	})
}

// ListInteractions returns the iteration's phase calls in creation order.
func (s *Store) ListInteractions(ctx context.Context, iterationID string) ([]LLMInteraction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, iteration_id, phase, system_prompt, request, COALESCE(response, ''), created_at, completed_at
		FROM llm_interactions
		WHERE iteration_id = ?
		ORDER BY created_at ASC, rowid ASC;
	`, iterationID)
	if err != nil {
		return nil, fmt.Errorf("list interactions: %w", err)
	}
	defer rows.Close()

	var out []LLMInteraction
	for rows.Next() {
		var li LLMInteraction
		var completedAt sql.NullTime
		if err := rows.Scan(&li.ID, &li.IterationID, &li.Phase, &li.SystemPrompt, &li.Request, &li.Response, &li.CreatedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan interaction: %w", err)
		}
		if completedAt.Valid {
			li.CompletedAt = &completedAt.Time
		}
		out = append(out, li)
	}
	return out, rows.Err()
}
