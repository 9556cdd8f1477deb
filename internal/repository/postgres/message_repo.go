package postgres

import (
	"context"
	"fmt"

	"github.com/xela07ax/agentfleet/internal/domain"
)

func (r *Repo) CreateMessage(ctx context.Context, m *domain.Message) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO messages (id, session_id, role, content, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		m.ID, m.SessionID, m.Role, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create message: %w", mapErr(err))
	}
	return nil
}

func (r *Repo) UpdateMessageContent(ctx context.Context, id, content string) error {
	ct, err := r.pool.Exec(ctx, `UPDATE messages SET content = $1 WHERE id = $2`, content, id)
	if err != nil {
		return fmt.Errorf("postgres: update message: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: message %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListMessages возвращает историю сессии в порядке создания.
func (r *Repo) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, role, content, created_at
		FROM messages WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query messages: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertToolCall создаёт вызов или обновляет вход уже известного (session_id, tool_use_id).
func (r *Repo) UpsertToolCall(ctx context.Context, tc *domain.ToolCall) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO tool_calls (id, session_id, message_id, tool_use_id, name, input, status, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $8)
		ON CONFLICT (session_id, tool_use_id) DO UPDATE
		SET input = EXCLUDED.input,
		    name = EXCLUDED.name,
		    message_id = COALESCE(EXCLUDED.message_id, tool_calls.message_id),
		    updated_at = EXCLUDED.updated_at`,
		tc.ID, tc.SessionID, tc.MessageID, tc.ToolUseID, tc.Name, tc.Input, tc.Status, tc.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert tool call: %w", mapErr(err))
	}
	return nil
}

func (r *Repo) CompleteToolCall(ctx context.Context, sessionID, toolUseID, result string, isError bool) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE tool_calls SET result = $1, is_error = $2, status = $3, updated_at = NOW()
		WHERE session_id = $4 AND tool_use_id = $5`,
		result, isError, domain.ToolCallDone, sessionID, toolUseID)
	if err != nil {
		return fmt.Errorf("postgres: complete tool call: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("postgres: tool call %s: %w", toolUseID, domain.ErrNotFound)
	}
	return nil
}

func (r *Repo) ListToolCalls(ctx context.Context, sessionID string) ([]domain.ToolCall, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, COALESCE(message_id, ''), tool_use_id, name, input,
		       COALESCE(result, ''), is_error, status, created_at, updated_at
		FROM tool_calls WHERE session_id = $1 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query tool calls: %w", err)
	}
	defer rows.Close()

	out := make([]domain.ToolCall, 0)
	for rows.Next() {
		var tc domain.ToolCall
		if err := rows.Scan(&tc.ID, &tc.SessionID, &tc.MessageID, &tc.ToolUseID, &tc.Name, &tc.Input,
			&tc.Result, &tc.IsError, &tc.Status, &tc.CreatedAt, &tc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan tool call: %w", err)
		}
		out = append(out, tc)
	}
	return out, rows.Err()
}
