package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"taskline/internal/domain"
	"taskline/internal/engine"
)

var taskErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
}

type taskPath struct {
	UserID string `path:"user_id"`
	TaskID string `path:"task_id"`
}

func parseDueDate(raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := domain.ParseDueDate(raw)
	if err != nil {
		return nil, &engine.ValidationError{Fields: map[string]string{"due_date": "expected RFC3339 or YYYY-MM-DD[THH:MM[:SS]]"}}
	}
	return &t, nil
}

func lower(s string) string { return strings.ToLower(strings.TrimSpace(s)) }

func registerTasks(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/api/{user_id}/tasks",
		Summary:     "List tasks",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		UserID   string   `path:"user_id"`
		Search   string   `query:"search"`
		Priority string   `query:"priority"`
		Status   string   `query:"status" doc:"completed or pending"`
		Tags     []string `query:"tags" doc:"comma separated; tasks must carry all of them"`
		Limit    int      `query:"limit"`
		Offset   int      `query:"offset"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		actor, err := actorFor(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := h.engine.ListTasks(ctx, actor, domain.TaskFilter{
			Search:   input.Search,
			Priority: domain.Priority(lower(input.Priority)),
			Status:   domain.TaskStatus(lower(input.Status)),
			Tags:     input.Tags,
			Limit:    input.Limit,
			Offset:   input.Offset,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/api/{user_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *struct {
		UserID string            `path:"user_id"`
		Body   CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, err := actorFor(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		var due *time.Time
		if input.Body.DueDate != nil {
			if due, err = parseDueDate(*input.Body.DueDate); err != nil {
				return nil, handleError(err)
			}
		}
		t, err := h.engine.CreateTask(ctx, actor, engine.TaskInput{
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    domain.Priority(lower(input.Body.Priority)),
			Tags:        input.Body.Tags,
			DueDate:     due,
			Recurrence:  domain.Recurrence(lower(input.Body.Recurrence)),
			Completed:   input.Body.Completed,
		})
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/api/{user_id}/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, err := actorFor(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := h.engine.GetTask(ctx, actor, input.TaskID)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPut,
		Path:        "/api/{user_id}/tasks/{task_id}",
		Summary:     "Update task",
		Description: "Only fields present in the body change.",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		UserID string            `path:"user_id"`
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, err := actorFor(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		patch, err := toPatch(input.Body, isNullRaw(rawBodyMap(ctx)["due_date"]))
		if err != nil {
			return nil, handleError(err)
		}
		t, err := h.engine.UpdateTask(ctx, actor, input.TaskID, patch)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPatch,
		Path:        "/api/{user_id}/tasks/{task_id}/complete",
		Summary:     "Set completion state",
		Errors:      taskErrors,
	}, func(ctx context.Context, input *struct {
		UserID    string `path:"user_id"`
		TaskID    string `path:"task_id"`
		Completed bool   `query:"completed" default:"true"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		actor, err := actorFor(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := h.engine.SetCompleted(ctx, actor, input.TaskID, input.Completed)
		if err != nil {
			return nil, h.fail(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-task",
		Method:        http.MethodDelete,
		Path:          "/api/{user_id}/tasks/{task_id}",
		Summary:       "Delete task",
		DefaultStatus: http.StatusNoContent,
		Errors:        taskErrors,
	}, func(ctx context.Context, input *taskPath) (*struct{}, error) {
		actor, err := actorFor(ctx, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		if err := h.engine.DeleteTask(ctx, actor, input.TaskID); err != nil {
			return nil, h.fail(err)
		}
		return nil, nil
	})
}

func toPatch(body UpdateTaskRequest, dueDateNull bool) (engine.TaskPatch, error) {
	patch := engine.TaskPatch{
		Title:       body.Title,
		Description: body.Description,
		Tags:        body.Tags,
		Completed:   body.Completed,
	}
	if body.Priority != nil {
		p := domain.Priority(lower(*body.Priority))
		patch.Priority = &p
	}
	if body.Recurrence != nil {
		r := domain.Recurrence(lower(*body.Recurrence))
		patch.Recurrence = &r
	}
	switch {
	case dueDateNull:
		patch.ClearDueDate = true
	case body.DueDate != nil:
		due, err := parseDueDate(*body.DueDate)
		if err != nil {
			return engine.TaskPatch{}, err
		}
		if due == nil {
			patch.ClearDueDate = true
		} else {
			patch.DueDate = due
		}
	}
	return patch, nil
}
