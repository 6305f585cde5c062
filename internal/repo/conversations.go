package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"taskline/internal/domain"
)

func scanConversation(row rowScanner) (domain.Conversation, error) {
	var c domain.Conversation
	var createdAt, updatedAt string
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return c, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return c, err
	}
	return c, nil
}

func (r Repo) CreateConversation(ctx context.Context, c domain.Conversation) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO conversations(id,user_id,title,created_at,updated_at) VALUES (?,?,?,?,?)`,
		c.ID, c.UserID, c.Title, formatTime(c.CreatedAt), formatTime(c.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (r Repo) GetConversation(ctx context.Context, owner, id string) (domain.Conversation, error) {
	return scanConversation(r.DB.QueryRowContext(ctx, `SELECT id,user_id,title,created_at,updated_at FROM conversations WHERE id=? AND user_id=?`, id, owner))
}

// ListConversations returns the owner's conversations, most recently active first.
func (r Repo) ListConversations(ctx context.Context, owner string, limit int) ([]domain.Conversation, error) {
	query := `SELECT id,user_id,title,created_at,updated_at FROM conversations WHERE user_id=? ORDER BY updated_at DESC, seq DESC`
	args := []any{owner}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Conversation{}
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// AppendMessage adds m to its conversation and touches the conversation's
// updated_at. The conversation must belong to m.UserID.
func (r Repo) AppendMessage(ctx context.Context, m domain.Message) error {
	var toolCalls any
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = string(data)
	}
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE conversations SET updated_at=? WHERE id=? AND user_id=?`,
			formatTime(m.CreatedAt), m.ConversationID, m.UserID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO messages(id,conversation_id,user_id,role,content,tool_calls_json,tool_call_id,tool_name,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			m.ID, m.ConversationID, m.UserID, string(m.Role), m.Content, toolCalls, nullable(m.ToolCallID), nullable(m.ToolName), formatTime(m.CreatedAt))
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns the latest limit messages of a conversation, oldest
// first. limit <= 0 returns all of them.
func (r Repo) ListMessages(ctx context.Context, owner, conversationID string, limit int) ([]domain.Message, error) {
	if _, err := r.GetConversation(ctx, owner, conversationID); err != nil {
		return nil, err
	}
	query := `SELECT id,conversation_id,user_id,role,content,tool_calls_json,tool_call_id,tool_name,created_at FROM messages
WHERE conversation_id=? AND user_id=? ORDER BY seq DESC`
	args := []any{conversationID, owner}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Message{}
	for rows.Next() {
		var (
			m                    domain.Message
			toolCalls            sql.NullString
			toolCallID, toolName sql.NullString
			createdAt            string
		)
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &m.Role, &m.Content, &toolCalls, &toolCallID, &toolName, &createdAt); err != nil {
			return nil, err
		}
		if toolCalls.Valid && toolCalls.String != "" {
			if err := json.Unmarshal([]byte(toolCalls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for message %s: %w", m.ID, err)
			}
		}
		m.ToolCallID = toolCallID.String
		m.ToolName = toolName.String
		if m.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(res)-1; i < j; i, j = i+1, j-1 {
		res[i], res[j] = res[j], res[i]
	}
	return res, nil
}
