package tools

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// AddTaskArgs are the arguments of add_task.
type AddTaskArgs struct {
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    string   `json:"priority,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	DueDate     string   `json:"due_date,omitempty"`
	Recurrence  string   `json:"recurrence,omitempty"`
}

type ListTasksArgs struct {
	Search   string   `json:"search,omitempty"`
	Priority string   `json:"priority,omitempty"`
	Status   string   `json:"status,omitempty"`
	Tags     []string `json:"tags,omitempty"`
	Limit    int      `json:"limit,omitempty"`
}

// MarkCompleteArgs defaults Completed to true when omitted.
type MarkCompleteArgs struct {
	TaskID    string `json:"task_id"`
	Completed *bool  `json:"completed,omitempty"`
}

// UpdateTaskArgs only touches the fields present in the call. An empty
// due_date clears it.
type UpdateTaskArgs struct {
	TaskID      string    `json:"task_id"`
	Title       *string   `json:"title,omitempty"`
	Description *string   `json:"description,omitempty"`
	Priority    *string   `json:"priority,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	DueDate     *string   `json:"due_date,omitempty"`
	Recurrence  *string   `json:"recurrence,omitempty"`
	Completed   *bool     `json:"completed,omitempty"`
}

type DeleteTaskArgs struct {
	TaskID string `json:"task_id"`
}

type GetCurrentUserArgs struct{}

// ArgumentError reports arguments a tool refused before touching storage.
type ArgumentError struct {
	Tool   string
	Field  string
	Reason string
}

func (e *ArgumentError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: invalid arguments: %s", e.Tool, e.Reason)
	}
	return fmt.Sprintf("%s: invalid argument %s: %s", e.Tool, e.Field, e.Reason)
}

// decodeArgs decodes raw into dst, rejecting unknown fields so an identity
// can never be smuggled in through the arguments.
func decodeArgs(tool string, raw json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		trimmed = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &ArgumentError{Tool: tool, Reason: describeDecodeError(err)}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return &ArgumentError{Tool: tool, Reason: "trailing data after arguments object"}
	}
	return nil
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("field %s must be %s", typeErr.Field, typeErr.Type)
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "json: unknown field ") {
		return "unknown field " + strings.TrimPrefix(msg, "json: unknown field ")
	}
	return msg
}

func requireTaskID(tool, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", &ArgumentError{Tool: tool, Field: "task_id", Reason: "required"}
	}
	return id, nil
}
