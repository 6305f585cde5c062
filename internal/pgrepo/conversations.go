package pgrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"taskline/internal/domain"
)

func scanConversation(row pgx.Row) (domain.Conversation, error) {
	var c domain.Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, domain.ErrNotFound
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return c, err
}

func (s *Store) CreateConversation(ctx context.Context, c domain.Conversation) error {
	_, err := s.pool.Exec(ctx, `INSERT INTO conversations(id,user_id,title,created_at,updated_at) VALUES ($1,$2,$3,$4,$5)`,
		c.ID, c.UserID, c.Title, c.CreatedAt.UTC(), c.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

func (s *Store) GetConversation(ctx context.Context, owner, id string) (domain.Conversation, error) {
	return scanConversation(s.pool.QueryRow(ctx, `SELECT id,user_id,title,created_at,updated_at FROM conversations WHERE id=$1 AND user_id=$2`, id, owner))
}

func (s *Store) ListConversations(ctx context.Context, owner string, limit int) ([]domain.Conversation, error) {
	query := `SELECT id,user_id,title,created_at,updated_at FROM conversations WHERE user_id=$1 ORDER BY updated_at DESC, seq DESC`
	args := []any{owner}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
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

func (s *Store) AppendMessage(ctx context.Context, m domain.Message) error {
	var toolCalls []byte
	if len(m.ToolCalls) > 0 {
		data, err := json.Marshal(m.ToolCalls)
		if err != nil {
			return fmt.Errorf("encode tool calls: %w", err)
		}
		toolCalls = data
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE conversations SET updated_at=$1 WHERE id=$2 AND user_id=$3`,
			m.CreatedAt.UTC(), m.ConversationID, m.UserID)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrNotFound
		}
		_, err = tx.Exec(ctx, `INSERT INTO messages(id,conversation_id,user_id,role,content,tool_calls,tool_call_id,tool_name,created_at)
VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7,''),NULLIF($8,''),$9)`,
			m.ID, m.ConversationID, m.UserID, string(m.Role), m.Content, toolCalls, m.ToolCallID, m.ToolName, m.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

func (s *Store) ListMessages(ctx context.Context, owner, conversationID string, limit int) ([]domain.Message, error) {
	if _, err := s.GetConversation(ctx, owner, conversationID); err != nil {
		return nil, err
	}
	query := `SELECT id,conversation_id,user_id,role,content,tool_calls,COALESCE(tool_call_id,''),COALESCE(tool_name,''),created_at
FROM messages WHERE conversation_id=$1 AND user_id=$2 ORDER BY seq DESC`
	args := []any{conversationID, owner}
	if limit > 0 {
		query += " LIMIT $3"
		args = append(args, limit)
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var role string
		var toolCalls []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.UserID, &role, &m.Content, &toolCalls, &m.ToolCallID, &m.ToolName, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		m.CreatedAt = m.CreatedAt.UTC()
		if len(toolCalls) > 0 {
			if err := json.Unmarshal(toolCalls, &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls for message %s: %w", m.ID, err)
			}
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

func (s *Store) ListEvents(ctx context.Context, owner string, limit int, before int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,ts,type,user_id,task_id,source,COALESCE(tool,''),payload FROM events WHERE user_id=$1`
	args := []any{owner}
	if before > 0 {
		args = append(args, before)
		query += fmt.Sprintf(" AND id<$%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d", len(args))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Event{}
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.UserID, &e.TaskID, &e.Source, &e.Tool, &e.Payload); err != nil {
			return nil, err
		}
		e.TS = e.TS.UTC()
		res = append(res, e)
	}
	return res, rows.Err()
}
