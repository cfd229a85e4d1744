package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/bus"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/config"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/provider"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/tokenutil"
)

// Compactor keeps a conversation's live window bounded. When the window
// exceeds either threshold it summarizes the oldest messages with one LLM
// call and replaces them with a single summary message, preserving order.
type Compactor struct {
	Store    *persistence.Store
	Provider provider.Provider
	Bus      *bus.Bus
	Logger   *slog.Logger
	Config   config.CompactionConfig
}

// ShouldCompact reports whether the live window exceeds the message or
// token threshold.
func (c *Compactor) ShouldCompact(messages []persistence.Message) bool {
	if len(messages) > c.Config.MaxMessages {
		return true
	}
	total := 0
	for _, m := range messages {
		total += m.Tokens
	}
	return total > c.Config.MaxTokens
}

// CompactIfNeeded checks the conversation and compacts once if over
// threshold. Returns the live window, refreshed if compaction ran.
// Running it twice in a row is a no-op: after one pass the window is
// below threshold, so the re-check returns early.
func (c *Compactor) CompactIfNeeded(ctx context.Context, conversationID string) ([]persistence.Message, error) {
	messages, err := c.Store.ListContext(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load context for compaction: %w", err)
	}
	if !c.ShouldCompact(messages) {
		return messages, nil
	}

	keep := c.Config.KeepRecent
	if keep >= len(messages) {
		return messages, nil
	}
	old := messages[:len(messages)-keep]

	var transcript strings.Builder
	for _, m := range old {
		transcript.WriteString(string(m.Role))
		transcript.WriteString(": ")
		transcript.WriteString(m.Content)
		transcript.WriteString("\n")
	}

	prompt := fmt.Sprintf(`Summarize the following conversation history into a concise summary that preserves:
- Key facts, decisions, and conclusions
- User preferences and constraints mentioned
- Any ongoing tasks or action items
- Important context needed for future turns

Conversation:
%s`, transcript.String())

	summary, err := c.Provider.GenerateText(ctx, provider.Request{Prompt: prompt})
	if err != nil {
		// Leave the window intact; the caller retries on the next pass.
		return nil, fmt.Errorf("compaction summarization: %w", err)
	}

	summaryContent := "Previous conversation summary: " + summary
	lastArchivedID := old[len(old)-1].ID
	summaryMsg, err := c.Store.ReplaceWithSummary(ctx, conversationID, lastArchivedID,
		summaryContent, tokenutil.EstimateTokens(summaryContent))
	if err != nil {
		return nil, fmt.Errorf("replace with summary: %w", err)
	}

	c.Logger.Info("conversation compacted",
		"conversation_id", conversationID,
		"archived", len(old),
		"kept", keep,
		"summary_id", summaryMsg.ID)
	c.Bus.Publish(bus.TopicCompaction, map[string]any{
		"conversation_id": conversationID,
		"archived":        len(old),
		"summary_id":      summaryMsg.ID,
	})

	return c.Store.ListContext(ctx, conversationID)
}

// RenderContext formats a live window for inclusion in a phase prompt.
func RenderContext(messages []persistence.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
