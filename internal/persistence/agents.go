package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusPaused  AgentStatus = "paused"
	AgentStatusDeleted AgentStatus = "deleted"
)

// Agent is a registered autonomous worker. ParentAgentID is a lookup key,
// not an owning pointer: no agent record references its children.
type Agent struct {
	AgentID             string      `json:"agent_id"`
	DisplayName         string      `json:"display_name"`
	ParentAgentID       string      `json:"parent_agent_id,omitempty"`
	Persona             string      `json:"persona,omitempty"`
	Status              AgentStatus `json:"status"`
	IterationIntervalMs int         `json:"iteration_interval_ms,omitempty"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// IsLead reports whether the agent has no parent.
func (a Agent) IsLead() bool { return a.ParentAgentID == "" }

// UpsertAgent registers or updates an agent.
func (s *Store) UpsertAgent(ctx context.Context, a Agent) error {
	if a.AgentID == "" {
		return fmt.Errorf("agent_id must be non-empty")
	}
	if a.Status == "" {
		a.Status = AgentStatusActive
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (agent_id, display_name, parent_agent_id, persona, status, iteration_interval_ms)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(agent_id) DO UPDATE SET
				display_name = excluded.display_name,
				parent_agent_id = excluded.parent_agent_id,
				persona = excluded.persona,
				iteration_interval_ms = excluded.iteration_interval_ms,
				updated_at = CURRENT_TIMESTAMP;
		`, a.AgentID, a.DisplayName, a.ParentAgentID, a.Persona, a.Status, a.IterationIntervalMs)
		if err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		return nil
	})
}

// GetAgent returns the agent or ErrNotFound. Deleted agents resolve as
// ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT agent_id, display_name, parent_agent_id, persona, status, iteration_interval_ms, created_at, updated_at
		FROM agents
		WHERE agent_id = ? AND status != 'deleted';
	`, agentID)
	var a Agent
	if err := row.Scan(&a.AgentID, &a.DisplayName, &a.ParentAgentID, &a.Persona, &a.Status, &a.IterationIntervalMs, &a.CreatedAt, &a.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return &a, nil
}

// ListAgents returns all non-deleted agents.
func (s *Store) ListAgents(ctx context.Context) ([]Agent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, display_name, parent_agent_id, persona, status, iteration_interval_ms, created_at, updated_at
		FROM agents
		WHERE status != 'deleted'
		ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		var a Agent
		if err := rows.Scan(&a.AgentID, &a.DisplayName, &a.ParentAgentID, &a.Persona, &a.Status, &a.IterationIntervalMs, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SubordinateIDs returns the agent IDs whose parent is the given agent.
func (s *Store) SubordinateIDs(ctx context.Context, agentID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id FROM agents WHERE parent_agent_id = ? AND status != 'deleted' ORDER BY agent_id;
	`, agentID)
	if err != nil {
		return nil, fmt.Errorf("list subordinates: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subordinate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetAgentStatus transitions an agent between active, paused, and deleted.
func (s *Store) SetAgentStatus(ctx context.Context, agentID string, status AgentStatus) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE agents SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE agent_id = ?;
		`, status, agentID)
		if err != nil {
			return fmt.Errorf("set agent status: %w", err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
		}
		return nil
	})
}
