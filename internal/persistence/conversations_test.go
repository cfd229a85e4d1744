package persistence_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
)

func seedConversation(t *testing.T, store *persistence.Store, agentID string, mode persistence.ConversationMode) *persistence.Conversation {
	t.Helper()
	seedAgent(t, store, agentID)
	conv, err := store.EnsureConversation(context.Background(), agentID, mode)
	if err != nil {
		t.Fatalf("ensure conversation: %v", err)
	}
	return conv
}

func TestEnsureConversation_OnePerAgentAndMode(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	first := seedConversation(t, store, "researcher", persistence.ModeForeground)
	second, err := store.EnsureConversation(ctx, "researcher", persistence.ModeForeground)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same conversation, got %s and %s", first.ID, second.ID)
	}

	background, err := store.EnsureConversation(ctx, "researcher", persistence.ModeBackground)
	if err != nil {
		t.Fatalf("background ensure: %v", err)
	}
	if background.ID == first.ID {
		t.Fatal("foreground and background must be distinct conversations")
	}
}

func TestAppendTurn_AtomicAndChained(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, store, "researcher", persistence.ModeForeground)

	userMsg, llmMsg, err := store.AppendTurn(ctx, conv.ID, "hello", 1, "hi, noted", 2)
	if err != nil {
		t.Fatalf("append turn: %v", err)
	}
	if llmMsg.PreviousMessageID != userMsg.ID {
		t.Fatalf("llm message not chained to user message: %q", llmMsg.PreviousMessageID)
	}

	window, err := store.ListContext(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list context: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("expected 2 live messages, got %d", len(window))
	}
	if window[0].Role != persistence.RoleUser || window[1].Role != persistence.RoleLLM {
		t.Fatalf("unexpected turn order: %s, %s", window[0].Role, window[1].Role)
	}
}

func TestAppendTurn_UnknownConversationRollsBack(t *testing.T) {
	store := openTestStore(t)

	_, _, err := store.AppendTurn(context.Background(), "missing", "hello", 1, "hi", 1)
	if err == nil {
		t.Fatal("expected error for unknown conversation")
	}
}

func TestReplaceWithSummary_SummaryIsOldestRetained(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, store, "researcher", persistence.ModeBackground)

	for i := 0; i < 6; i++ {
		if _, err := store.AppendMessage(ctx, conv.ID, persistence.RoleUser, fmt.Sprintf("message %d", i), 5); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	window, err := store.ListContext(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list context: %v", err)
	}

	// Archive the first four, keep the last two.
	cutoff := window[3]
	summary, err := store.ReplaceWithSummary(ctx, conv.ID, cutoff.ID, "summary of 0..3", 4)
	if err != nil {
		t.Fatalf("replace with summary: %v", err)
	}

	after, err := store.ListContext(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list after compaction: %v", err)
	}
	if len(after) != 3 {
		t.Fatalf("expected summary + 2 kept messages, got %d", len(after))
	}
	if after[0].ID != summary.ID || after[0].Role != persistence.RoleSummary {
		t.Fatalf("summary is not the oldest retained message: %+v", after[0])
	}
	if after[1].Content != "message 4" || after[2].Content != "message 5" {
		t.Fatalf("kept messages wrong: %q, %q", after[1].Content, after[2].Content)
	}
	if !after[0].CreatedAt.After(window[0].CreatedAt) && !after[0].CreatedAt.Equal(window[0].CreatedAt) {
		t.Fatalf("summary created_at %v predates the earliest archived %v", after[0].CreatedAt, window[0].CreatedAt)
	}

	latest, err := store.LatestSummary(ctx, conv.ID)
	if err != nil {
		t.Fatalf("latest summary: %v", err)
	}
	if latest == nil || latest.ID != summary.ID {
		t.Fatalf("latest summary mismatch: %+v", latest)
	}
}

func TestReplaceWithSummary_PreviousSummaryArchived(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, store, "researcher", persistence.ModeBackground)

	for i := 0; i < 4; i++ {
		if _, err := store.AppendMessage(ctx, conv.ID, persistence.RoleUser, fmt.Sprintf("round one %d", i), 5); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	window, _ := store.ListContext(ctx, conv.ID)
	if _, err := store.ReplaceWithSummary(ctx, conv.ID, window[1].ID, "first summary", 2); err != nil {
		t.Fatalf("first compaction: %v", err)
	}

	for i := 0; i < 4; i++ {
		if _, err := store.AppendMessage(ctx, conv.ID, persistence.RoleUser, fmt.Sprintf("round two %d", i), 5); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	window, _ = store.ListContext(ctx, conv.ID)
	second, err := store.ReplaceWithSummary(ctx, conv.ID, window[3].ID, "second summary", 2)
	if err != nil {
		t.Fatalf("second compaction: %v", err)
	}

	after, _ := store.ListContext(ctx, conv.ID)
	summaries := 0
	for _, m := range after {
		if m.Role == persistence.RoleSummary {
			summaries++
			if m.ID != second.ID {
				t.Fatalf("stale summary still live: %+v", m)
			}
		}
	}
	if summaries != 1 {
		t.Fatalf("expected exactly one live summary, got %d", summaries)
	}
}

func TestReplaceWithSummary_SplitsTurnSharingTimestamp(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	conv := seedConversation(t, store, "researcher", persistence.ModeBackground)

	// Both halves of a turn commit together and share a created_at, so
	// the compaction boundary can land between them.
	if _, _, err := store.AppendTurn(ctx, conv.ID, "question", 2, "answer", 2); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	window, err := store.ListContext(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list context: %v", err)
	}
	if len(window) != 2 {
		t.Fatalf("expected 2 live messages, got %d", len(window))
	}

	summary, err := store.ReplaceWithSummary(ctx, conv.ID, window[0].ID, "summary of the question", 3)
	if err != nil {
		t.Fatalf("replace with summary: %v", err)
	}

	after, err := store.ListContext(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list after compaction: %v", err)
	}
	if len(after) != 2 {
		t.Fatalf("expected summary + kept reply, got %d messages", len(after))
	}
	if after[0].ID != summary.ID {
		t.Fatalf("summary is not the oldest retained message: %+v", after[0])
	}
	if after[1].Content != "answer" || after[1].Role != persistence.RoleLLM {
		t.Fatalf("reply newer than the cutoff was archived: %+v", after[1])
	}
}
