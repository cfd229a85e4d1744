package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ConversationMode is the lane a conversation belongs to. Each agent owns
// exactly one conversation per mode, created lazily.
type ConversationMode string

const (
	ModeForeground ConversationMode = "foreground"
	ModeBackground ConversationMode = "background"
)

type MessageRole string

const (
	RoleUser    MessageRole = "user"
	RoleLLM     MessageRole = "llm"
	RoleSummary MessageRole = "summary"
)

type Conversation struct {
	ID        string           `json:"id"`
	AgentID   string           `json:"agent_id"`
	Mode      ConversationMode `json:"mode"`
	CreatedAt time.Time        `json:"created_at"`
}

type Message struct {
	ID                string      `json:"id"`
	ConversationID    string      `json:"conversation_id"`
	Role              MessageRole `json:"role"`
	Content           string      `json:"content"`
	PreviousMessageID string      `json:"previous_message_id,omitempty"`
	Tokens            int         `json:"tokens"`
	CreatedAt         time.Time   `json:"created_at"`
}

// EnsureConversation returns the agent's conversation for the given mode,
// creating it on first use.
func (s *Store) EnsureConversation(ctx context.Context, agentID string, mode ConversationMode) (*Conversation, error) {
	if _, err := s.GetAgent(ctx, agentID); err != nil {
		return nil, err
	}
	var conv Conversation
	err := retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO conversations (id, agent_id, mode)
			VALUES (?, ?, ?)
			ON CONFLICT(agent_id, mode) DO NOTHING;
		`, uuid.NewString(), agentID, mode); err != nil {
			return fmt.Errorf("ensure conversation: %w", err)
		}
		row := s.db.QueryRowContext(ctx, `
			SELECT id, agent_id, mode, created_at FROM conversations WHERE agent_id = ? AND mode = ?;
		`, agentID, mode)
		if err := row.Scan(&conv.ID, &conv.AgentID, &conv.Mode, &conv.CreatedAt); err != nil {
			return fmt.Errorf("load conversation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &conv, nil
}

// AppendMessage appends one message, chaining previous_message_id to the
// newest live message in the conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID string, role MessageRole, content string, tokens int) (*Message, error) {
	var msg *Message
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin append tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		m, err := appendMessageTx(ctx, tx, conversationID, role, content, tokens)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit append tx: %w", err)
		}
		msg = m
		return nil
	})
	return msg, err
}

// AppendTurn appends a user message and the LLM reply as one atomic write.
// Both rows commit or neither does.
func (s *Store) AppendTurn(ctx context.Context, conversationID, userContent string, userTokens int, llmContent string, llmTokens int) (userMsg, llmMsg *Message, err error) {
	err = retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin turn tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		u, err := appendMessageTx(ctx, tx, conversationID, RoleUser, userContent, userTokens)
		if err != nil {
			return err
		}
		l, err := appendMessageTx(ctx, tx, conversationID, RoleLLM, llmContent, llmTokens)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit turn tx: %w", err)
		}
		userMsg, llmMsg = u, l
		return nil
	})
	return userMsg, llmMsg, err
}

func appendMessageTx(ctx context.Context, tx *sql.Tx, conversationID string, role MessageRole, content string, tokens int) (*Message, error) {
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM conversations WHERE id = ?;`, conversationID).Scan(&exists); err != nil {
		return nil, fmt.Errorf("check conversation: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("conversation %q: %w", conversationID, ErrNotFound)
	}

	var prevID sql.NullString
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM messages
		WHERE conversation_id = ? AND archived_at IS NULL
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1;
	`, conversationID).Scan(&prevID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find previous message: %w", err)
	}

	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, previous_message_id, tokens)
		VALUES (?, ?, ?, ?, ?, ?);
	`, id, conversationID, role, content, prevID, tokens); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(previous_message_id, ''), tokens, created_at
		FROM messages WHERE id = ?;
	`, id)
	var m Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.PreviousMessageID, &m.Tokens, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("load inserted message: %w", err)
	}
	return &m, nil
}

// ListContext returns the live window for a conversation: the latest
// summary (if any) followed by every message after it. Archived messages
// stay stored for audit but are never returned here.
func (s *Store) ListContext(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(previous_message_id, ''), tokens, created_at
		FROM messages
		WHERE conversation_id = ? AND archived_at IS NULL
		ORDER BY created_at ASC, rowid ASC;
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list context: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.PreviousMessageID, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// LatestSummary returns the live summary message, or nil when none exists.
func (s *Store) LatestSummary(ctx context.Context, conversationID string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(previous_message_id, ''), tokens, created_at
		FROM messages
		WHERE conversation_id = ? AND role = 'summary' AND archived_at IS NULL
		ORDER BY created_at DESC, rowid DESC
		LIMIT 1;
	`, conversationID)
	var m Message
	if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.PreviousMessageID, &m.Tokens, &m.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("latest summary: %w", err)
	}
	return &m, nil
}

// ReplaceWithSummary archives every live message up to and including
// lastArchivedID (previous summaries included) and inserts one summary
// message in their place. The summary takes the earliest archived
// message's created_at so it stays the oldest retained message.
func (s *Store) ReplaceWithSummary(ctx context.Context, conversationID, lastArchivedID, summaryContent string, summaryTokens int) (*Message, error) {
	var out *Message
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin compaction tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var cutoffRowid int64
		if err := tx.QueryRowContext(ctx, `
			SELECT rowid FROM messages WHERE id = ? AND conversation_id = ?;
		`, lastArchivedID, conversationID).Scan(&cutoffRowid); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("message %q: %w", lastArchivedID, ErrNotFound)
			}
			return fmt.Errorf("find cutoff: %w", err)
		}
		var earliest time.Time
		if err := tx.QueryRowContext(ctx, `
			SELECT created_at FROM messages
			WHERE conversation_id = ? AND archived_at IS NULL
			ORDER BY created_at ASC, rowid ASC
			LIMIT 1;
		`, conversationID).Scan(&earliest); err != nil {
			return fmt.Errorf("find earliest: %w", err)
		}

		// Archive by rowid, not created_at: a turn commits both rows with
		// one timestamp, so a timestamp cutoff would drag the kept half
		// of a split turn into the archive.
		if _, err := tx.ExecContext(ctx, `
			UPDATE messages SET archived_at = CURRENT_TIMESTAMP
			WHERE conversation_id = ? AND archived_at IS NULL AND rowid <= ?;
		`, conversationID, cutoffRowid); err != nil {
			return fmt.Errorf("archive messages: %w", err)
		}

		id := uuid.NewString()
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, previous_message_id, tokens, created_at)
			VALUES (?, ?, 'summary', ?, NULL, ?, ?);
		`, id, conversationID, summaryContent, summaryTokens, earliest); err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			SELECT id, conversation_id, role, content, COALESCE(previous_message_id, ''), tokens, created_at
			FROM messages WHERE id = ?;
		`, id)
		var m Message
		if err := row.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.PreviousMessageID, &m.Tokens, &m.CreatedAt); err != nil {
			return fmt.Errorf("load summary: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit compaction tx: %w", err)
		}
		out = &m
		return nil
	})
	return out, err
}
