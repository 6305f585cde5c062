package engine

import (
	"context"
	"fmt"
	"strings"

	"taskline/internal/domain"
)

const conversationTitleLen = 80

// ConversationTitle derives a title from the first user message.
func ConversationTitle(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	r := []rune(text)
	if len(r) > conversationTitleLen {
		return string(r[:conversationTitleLen-1]) + "…"
	}
	return text
}

func (e Engine) StartConversation(ctx context.Context, actor Actor, title string) (domain.Conversation, error) {
	owner, err := actor.owner()
	if err != nil {
		return domain.Conversation{}, err
	}
	now := e.now()
	c := domain.Conversation{
		ID:        e.newID(),
		UserID:    owner,
		Title:     ConversationTitle(title),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.Store.CreateConversation(ctx, c); err != nil {
		return domain.Conversation{}, fmt.Errorf("start conversation: %w", err)
	}
	return c, nil
}

func (e Engine) Conversation(ctx context.Context, actor Actor, id string) (domain.Conversation, error) {
	owner, err := actor.owner()
	if err != nil {
		return domain.Conversation{}, err
	}
	if id == "" {
		return domain.Conversation{}, ErrNotFound
	}
	return e.Store.GetConversation(ctx, owner, id)
}

func (e Engine) Conversations(ctx context.Context, actor Actor, limit int) ([]domain.Conversation, error) {
	owner, err := actor.owner()
	if err != nil {
		return nil, err
	}
	if limit < 0 || limit > MaxListLimit {
		return nil, &ValidationError{Fields: map[string]string{"limit": fmt.Sprintf("must be between 0 and %d", MaxListLimit)}}
	}
	return e.Store.ListConversations(ctx, owner, limit)
}

// AppendMessage records one message in a conversation owned by the actor.
// ID, owner and timestamp are assigned here.
func (e Engine) AppendMessage(ctx context.Context, actor Actor, conversationID string, m domain.Message) (domain.Message, error) {
	owner, err := actor.owner()
	if err != nil {
		return domain.Message{}, err
	}
	switch m.Role {
	case domain.RoleUser, domain.RoleAssistant, domain.RoleTool:
	default:
		return domain.Message{}, &ValidationError{Fields: map[string]string{"role": fmt.Sprintf("unknown role %q", m.Role)}}
	}
	m.ID = e.newID()
	m.ConversationID = conversationID
	m.UserID = owner
	m.CreatedAt = e.now()
	if err := e.Store.AppendMessage(ctx, m); err != nil {
		return domain.Message{}, err
	}
	return m, nil
}

// History returns up to limit most recent messages, oldest first.
func (e Engine) History(ctx context.Context, actor Actor, conversationID string, limit int) ([]domain.Message, error) {
	owner, err := actor.owner()
	if err != nil {
		return nil, err
	}
	return e.Store.ListMessages(ctx, owner, conversationID, limit)
}
