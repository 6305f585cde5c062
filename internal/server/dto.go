package server

import (
	"taskline/internal/assistant"
	"taskline/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	Title       string   `json:"title" example:"Buy milk"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty" example:"medium" doc:"low, medium or high"`
	Tags        []string `json:"tags,omitempty"`
	DueDate     *string  `json:"due_date,omitempty" example:"2024-12-31T10:00:00Z" doc:"RFC3339 or YYYY-MM-DD[THH:MM[:SS]], UTC assumed"`
	Recurrence  string   `json:"recurrence,omitempty" example:"none" doc:"none, daily, weekly, monthly or yearly"`
	Completed   bool     `json:"completed,omitempty"`
}

// UpdateTaskRequest changes only the fields present. A null or empty due_date
// clears it.
type UpdateTaskRequest struct {
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *string   `json:"priority,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	DueDate     *string   `json:"due_date,omitempty" nullable:"true"`
	Recurrence  *string   `json:"recurrence,omitempty"`
	Completed   *bool     `json:"completed,omitempty"`
}

type ChatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	Message        string `json:"message" example:"Add a task to buy milk tomorrow"`
}

// Responses

type RootResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

type WhoAmIResponse struct {
	UserID string `json:"user_id"`
}

type ChatResponse = assistant.Reply

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
