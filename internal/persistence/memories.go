package persistence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/bus"
	"github.com/google/uuid"
)

type MemoryType string

const (
	MemoryPreference MemoryType = "preference"
	MemoryInsight    MemoryType = "insight"
	MemoryFact       MemoryType = "fact"
)

// Memory is a short fact, preference, or insight derived from
// conversation, deduplicated by normalized content hash.
type Memory struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agent_id"`
	Type      MemoryType `json:"type"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
}

func memoryContentHash(content string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(content), " "))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])
}

// InsertMemory stores a memory unless an equivalent one already exists for
// the agent. Returns true when a new row was created.
func (s *Store) InsertMemory(ctx context.Context, agentID string, memType MemoryType, content string) (bool, error) {
	if strings.TrimSpace(content) == "" {
		return false, fmt.Errorf("memory content must be non-empty")
	}
	switch memType {
	case MemoryPreference, MemoryInsight, MemoryFact:
	default:
		return false, fmt.Errorf("unknown memory type %q", memType)
	}

	var inserted bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO memories (id, agent_id, type, content, content_hash)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(agent_id, content_hash) DO NOTHING;
		`, uuid.NewString(), agentID, memType, content, memoryContentHash(content))
		if err != nil {
			return fmt.Errorf("insert memory: %w", err)
		}
		n, _ := res.RowsAffected()
		inserted = n > 0
		return nil
	})
	if err != nil {
		return false, err
	}
	if inserted {
		s.bus.Publish(bus.TopicMemoryCreated, map[string]string{
			"agent_id": agentID,
			"type":     string(memType),
			"content":  content,
		})
	}
	return inserted, nil
}

// ListMemories returns the agent's memories, newest first.
func (s *Store) ListMemories(ctx context.Context, agentID string, limit int) ([]Memory, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, type, content, created_at
		FROM memories
		WHERE agent_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Type, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
