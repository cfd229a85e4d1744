// Package conversation handles the foreground lane: user messages get a
// quick streamed acknowledgment while the real work is queued for the
// background pipeline.
package conversation

import (
	"context"
	"log/slog"
	"strings"

	"github.com/tnsengimana/autonomous-teams-sub003/internal/bus"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/engine"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/memory"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/persistence"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/provider"
	"github.com/tnsengimana/autonomous-teams-sub003/internal/tokenutil"
)

// chunkBuffer bounds the outbound chunk channel; a slow consumer drops
// the producer into backpressure rather than unbounded growth.
const chunkBuffer = 16

const genericAck = "Got it. I'll look into this and report back."

const recallLimit = 20

// Manager produces foreground acknowledgments and enqueues the user's
// message as a background task.
type Manager struct {
	Store     *persistence.Store
	Provider  provider.Provider
	Compactor *engine.Compactor
	Memories  *memory.Extractor
	Bus       *bus.Bus
	Logger    *slog.Logger
}

// HandleUserMessage persists the user's message and enqueues it as a user
// task before any streaming starts, then streams a short acknowledgment
// on the returned channel. The acknowledgment is recorded once the stream
// ends, on a context detached from the consumer, so a consumer that
// abandons the channel mid-stream never loses the message or the task.
//
// An empty message gets the generic acknowledgment and no task; there is
// nothing to work on.
func (m *Manager) HandleUserMessage(ctx context.Context, agentID, text string) (<-chan string, error) {
	agent, err := m.Store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	conv, err := m.Store.EnsureConversation(ctx, agentID, persistence.ModeForeground)
	if err != nil {
		return nil, err
	}

	window, err := m.Compactor.CompactIfNeeded(ctx, conv.ID)
	if err != nil {
		// Compaction failure must not block the chat lane; fall back to
		// the uncompacted window.
		m.Logger.Warn("foreground compaction failed", "agent_id", agentID, "error", err)
		window, err = m.Store.ListContext(ctx, conv.ID)
		if err != nil {
			return nil, err
		}
	}

	out := make(chan string, chunkBuffer)

	if strings.TrimSpace(text) == "" {
		if _, _, err := m.Store.AppendTurn(ctx, conv.ID,
			text, tokenutil.EstimateTokens(text),
			genericAck, tokenutil.EstimateTokens(genericAck)); err != nil {
			return nil, err
		}
		go func() {
			defer close(out)
			select {
			case out <- genericAck:
			case <-ctx.Done():
			}
		}()
		return out, nil
	}

	// Durable before the first chunk goes out.
	if _, err := m.Store.AppendMessage(ctx, conv.ID, persistence.RoleUser, text, tokenutil.EstimateTokens(text)); err != nil {
		return nil, err
	}
	if _, err := m.Store.Enqueue(ctx, agentID, text, persistence.TaskSourceUser); err != nil {
		return nil, err
	}

	req := provider.Request{
		System:  m.systemPrompt(ctx, agent),
		Prompt:  text,
		History: toHistory(window),
	}
	ackCtx := context.WithoutCancel(ctx)

	go func() {
		defer close(out)
		var ack strings.Builder
		abandoned := false
		for chunk := range m.Provider.StreamText(ctx, req) {
			if chunk.Err != nil {
				m.Logger.Warn("acknowledgment stream failed", "agent_id", agentID, "error", chunk.Err)
				break
			}
			ack.WriteString(chunk.Text)
			m.Bus.Publish(bus.TopicChatChunk, map[string]string{
				"agent_id": agentID, "text": chunk.Text,
			})
			if abandoned {
				continue
			}
			select {
			case out <- chunk.Text:
			case <-ctx.Done():
				abandoned = true
			}
		}
		final := strings.TrimSpace(ack.String())
		if final == "" {
			final = genericAck
			if !abandoned {
				select {
				case out <- genericAck:
				case <-ctx.Done():
				}
			}
		}
		m.recordAck(ackCtx, conv.ID, agentID, final)
	}()

	return out, nil
}

// recordAck appends the acknowledgment as the turn's llm half.
func (m *Manager) recordAck(ctx context.Context, conversationID, agentID, ack string) {
	if _, err := m.Store.AppendMessage(ctx, conversationID, persistence.RoleLLM, ack, tokenutil.EstimateTokens(ack)); err != nil {
		m.Logger.Error("persist acknowledgment", "agent_id", agentID, "error", err)
	}
}

func (m *Manager) systemPrompt(ctx context.Context, agent *persistence.Agent) string {
	var b strings.Builder
	if agent.Persona != "" {
		b.WriteString(agent.Persona)
		b.WriteString("\n\n")
	}
	b.WriteString("The user just sent you a message. Reply with a brief, specific acknowledgment ")
	b.WriteString("of what you will do about it. One or two sentences. The real work happens ")
	b.WriteString("later in your autonomous work cycle, so do not attempt to answer in full here.")
	if m.Memories != nil {
		recall, err := m.Memories.Recall(ctx, agent.AgentID, recallLimit)
		if err == nil && recall != "" {
			b.WriteString("\n\n")
			b.WriteString(recall)
		}
	}
	return b.String()
}

func toHistory(messages []persistence.Message) []provider.Message {
	out := make([]provider.Message, 0, len(messages))
	for _, msg := range messages {
		role := "user"
		switch msg.Role {
		case persistence.RoleLLM:
			role = "assistant"
		case persistence.RoleSummary:
			role = "system"
		}
		out = append(out, provider.Message{Role: role, Content: msg.Content})
	}
	return out
}
