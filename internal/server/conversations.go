package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"taskline/internal/domain"
)

func registerConversations(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "chat",
		Method:      http.MethodPost,
		Path:        "/api/{user_id}/chat",
		Summary:     "Send a message to the task assistant",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		UserID string      `path:"user_id"`
		Body   ChatRequest `json:"body"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		actor, err := actorFor(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		reply, err := h.assistant.Chat(ctx, actor.Identity, input.Body.ConversationID, input.Body.Message)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: reply}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-conversations",
		Method:      http.MethodGet,
		Path:        "/api/{user_id}/conversations",
		Summary:     "List conversations, most recent first",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Conversation `json:"body"`
	}, error) {
		actor, err := actorFor(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.Conversations(ctx, actor, normalizeLimit(input.Limit, 50))
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.Conversation `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/api/{user_id}/conversations/{conversation_id}/messages",
		Summary:     "Conversation history, oldest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UserID         string `path:"user_id"`
		ConversationID string `path:"conversation_id"`
		Limit          int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Message `json:"body"`
	}, error) {
		actor, err := actorFor(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.History(ctx, actor, input.ConversationID, normalizeLimit(input.Limit, 100))
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.Message `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

const maxEventPage = 200

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/api/{user_id}/events",
		Summary:     "Audit trail of task changes, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		UserID string `path:"user_id"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		actor, err := actorFor(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit, 50)
		if limit > maxEventPage {
			limit = maxEventPage
		}
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed <= 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.engine.AuditTrail(ctx, actor, limit+1, cursorID)
		if err != nil {
			return nil, h.fail(err)
		}
		resp := paginatedEvents{Items: []domain.Event{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = append(resp.Items, items...)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
