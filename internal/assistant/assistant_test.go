package assistant_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/assistant"
	"taskline/internal/db"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/migrate"
	"taskline/internal/repo"
	"taskline/internal/tools"
)

// scripted replays fixed steps and records the history it was shown.
type scripted struct {
	steps []assistant.Step
	seen  [][]domain.Message
}

func (s *scripted) Next(_ context.Context, history []domain.Message, _ []mcp.Tool) (assistant.Step, error) {
	s.seen = append(s.seen, history)
	if len(s.seen) > len(s.steps) {
		return assistant.Step{Content: "again"}, nil
	}
	return s.steps[len(s.seen)-1], nil
}

func newAssistant(t *testing.T, r assistant.Reasoner) assistant.Assistant {
	t.Helper()
	conn, err := db.Open(db.Config{Path: filepath.Join(t.TempDir(), "taskline.db")})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(context.Background(), conn))
	eng := engine.New(repo.New(conn))
	return assistant.Assistant{
		Engine:   eng,
		Tools:    tools.Dispatcher{Engine: eng},
		Reasoner: r,
	}
}

func toolCall(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestChatRunsToolsAsOwner(t *testing.T) {
	r := &scripted{steps: []assistant.Step{
		{ToolCalls: []domain.ToolCall{toolCall("c1", tools.AddTask, `{"title":"Buy milk","priority":"high"}`)}},
		{Content: "Added Buy milk."},
	}}
	a := newAssistant(t, r)
	ctx := context.Background()

	reply, err := a.Chat(ctx, "alice", "", "remind me to buy milk")
	require.NoError(t, err)
	assert.NotEmpty(t, reply.ConversationID)
	assert.Equal(t, "Added Buy milk.", reply.Response)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, tools.AddTask, reply.ToolCalls[0].Name)
	assert.Empty(t, reply.ToolCalls[0].Error)

	list, err := a.Engine.ListTasks(ctx, engine.APIActor("alice"), domain.TaskFilter{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, domain.PriorityHigh, list[0].Priority)

	// the second step saw the tool result
	require.Len(t, r.seen, 2)
	last := r.seen[1][len(r.seen[1])-1]
	assert.Equal(t, domain.RoleTool, last.Role)
	assert.Equal(t, "c1", last.ToolCallID)

	history, err := a.Engine.History(ctx, engine.APIActor("alice"), reply.ConversationID, 0)
	require.NoError(t, err)
	roles := make([]domain.Role, len(history))
	for i, m := range history {
		roles[i] = m.Role
	}
	assert.Equal(t, []domain.Role{domain.RoleUser, domain.RoleAssistant, domain.RoleTool, domain.RoleAssistant}, roles)
	require.Len(t, history[1].ToolCalls, 1)
	assert.Equal(t, "c1", history[1].ToolCalls[0].ID)

	conv, err := a.Engine.Conversation(ctx, engine.APIActor("alice"), reply.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, "remind me to buy milk", conv.Title)
}

func TestChatToolErrorsAreFedBack(t *testing.T) {
	r := &scripted{steps: []assistant.Step{
		{ToolCalls: []domain.ToolCall{toolCall("c1", tools.DeleteTask, `{"task_id":"nope"}`)}},
		{Content: "I could not find that task."},
	}}
	a := newAssistant(t, r)

	reply, err := a.Chat(context.Background(), "alice", "", "delete task nope")
	require.NoError(t, err)
	require.Len(t, reply.ToolCalls, 1)
	assert.Equal(t, "task not found", reply.ToolCalls[0].Error)
	assert.JSONEq(t, `{"tool":"delete_task","status":"error","error":"task not found"}`, string(reply.ToolCalls[0].Result))
}

func TestChatCannotReachForeignTasks(t *testing.T) {
	a := newAssistant(t, &scripted{})
	ctx := context.Background()
	task, err := a.Engine.CreateTask(ctx, engine.APIActor("bob"), engine.TaskInput{Title: "bob's"})
	require.NoError(t, err)

	a.Reasoner = &scripted{steps: []assistant.Step{
		{ToolCalls: []domain.ToolCall{toolCall("c1", tools.MarkComplete, `{"task_id":"`+task.ID+`"}`)}},
		{Content: "done"},
	}}
	reply, err := a.Chat(ctx, "alice", "", "complete bob's task")
	require.NoError(t, err)
	assert.Equal(t, "task not found", reply.ToolCalls[0].Error)

	got, err := a.Engine.GetTask(ctx, engine.APIActor("bob"), task.ID)
	require.NoError(t, err)
	assert.False(t, got.Completed)
}

func TestChatForeignConversation(t *testing.T) {
	a := newAssistant(t, &scripted{steps: []assistant.Step{{Content: "hi"}}})
	ctx := context.Background()
	reply, err := a.Chat(ctx, "alice", "", "hello")
	require.NoError(t, err)

	_, err = a.Chat(ctx, "mallory", reply.ConversationID, "hello again")
	assert.ErrorIs(t, err, engine.ErrNotFound)

	_, err = a.Chat(ctx, "alice", "", "   ")
	assert.True(t, engine.IsValidation(err))
}

func TestChatStepLimit(t *testing.T) {
	loop := assistant.Step{ToolCalls: []domain.ToolCall{toolCall("", tools.ListTasks, `{}`)}}
	a := newAssistant(t, &scripted{steps: []assistant.Step{loop, loop, loop}})
	a.MaxSteps = 2

	reply, err := a.Chat(context.Background(), "alice", "", "loop forever")
	assert.ErrorIs(t, err, assistant.ErrStepLimit)
	assert.Len(t, reply.ToolCalls, 2)
	assert.NotEmpty(t, reply.ConversationID)
}

func TestOpenAIReasonerRoundTrip(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		data, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(data, &body))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1700000000,
			"model": "test-model",
			"choices": [{
				"index": 0,
				"finish_reason": "tool_calls",
				"message": {
					"role": "assistant",
					"content": null,
					"tool_calls": [{
						"id": "call_1",
						"type": "function",
						"function": {"name": "list_tasks", "arguments": "{\"status\":\"pending\"}"}
					}]
				}
			}]
		}`)
	}))
	defer srv.Close()

	r := assistant.NewOpenAIReasoner(assistant.OpenAIConfig{BaseURL: srv.URL, APIKey: "test-key", Model: "test-model"})
	history := []domain.Message{
		{Role: domain.RoleUser, Content: "add milk"},
		{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{toolCall("call_0", tools.AddTask, `{"title":"milk"}`)}},
		{Role: domain.RoleTool, Content: `{"status":"created"}`, ToolCallID: "call_0"},
		{Role: domain.RoleUser, Content: "what is pending?"},
	}
	step, err := r.Next(context.Background(), history, tools.Definitions())
	require.NoError(t, err)
	require.Len(t, step.ToolCalls, 1)
	assert.Equal(t, "call_1", step.ToolCalls[0].ID)
	assert.Equal(t, tools.ListTasks, step.ToolCalls[0].Name)
	assert.JSONEq(t, `{"status":"pending"}`, string(step.ToolCalls[0].Arguments))

	assert.Equal(t, "test-model", body["model"])
	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 5)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	tool := msgs[3].(map[string]any)
	assert.Equal(t, "tool", tool["role"])
	assert.Equal(t, "call_0", tool["tool_call_id"])
	defs, ok := body["tools"].([]any)
	require.True(t, ok)
	assert.Len(t, defs, len(tools.Names))
}
