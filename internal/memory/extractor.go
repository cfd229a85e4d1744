// Package memory turns per-iteration insights into durable agent
// memories and renders them back into prompts.
package memory

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
)

// Extractor persists worthwhile insights from completed iterations.
// Deduplication happens at the store layer via content hashing, so
// repeated extractions of the same insight are no-ops.
type Extractor struct {
	Store  *persistence.Store
	Logger *slog.Logger
}

// ExtractFromOutputs stores medium and high confidence insights from the
// insight phase output as memories. Low confidence items are skipped;
// they tend to be restatements of the task.
func (e *Extractor) ExtractFromOutputs(ctx context.Context, agentID, insightJSON string) error {
	if insightJSON == "" {
		return nil
	}
	var parsed struct {
		Insights []struct {
			Insight    string `json:"insight"`
			Confidence string `json:"confidence"`
		} `json:"insights"`
	}
	if err := json.Unmarshal([]byte(insightJSON), &parsed); err != nil {
		return err
	}

	stored := 0
	for _, in := range parsed.Insights {
		if in.Insight == "" || in.Confidence == "low" {
			continue
		}
		ok, err := e.Store.InsertMemory(ctx, agentID, persistence.MemoryInsight, in.Insight)
		if err != nil {
			return err
		}
		if ok {
			stored++
		}
	}
	if stored > 0 {
		e.Logger.Info("memories extracted", "agent_id", agentID, "stored", stored)
	}
	return nil
}

// Recall renders the agent's most recent memories as a prompt fragment.
// Returns "" when the agent has none.
func (e *Extractor) Recall(ctx context.Context, agentID string, limit int) (string, error) {
	memories, err := e.Store.ListMemories(ctx, agentID, limit)
	if err != nil {
		return "", err
	}
	if len(memories) == 0 {
		return "", nil
	}
	var b strings.Builder
	b.WriteString("What you remember:\n")
	for _, m := range memories {
		b.WriteString("- [")
		b.WriteString(string(m.Type))
		b.WriteString("] ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String(), nil
}
