package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"taskline/internal/auth"
)

// Definitions returns the schema of every tool, in Names order.
func Definitions() []mcp.Tool {
	return []mcp.Tool{
		mcp.NewTool(AddTask,
			mcp.WithDescription("Create a new task for the current user"),
			mcp.WithString("title", mcp.Required(), mcp.Description("Short task title")),
			mcp.WithString("description", mcp.Description("Optional longer description")),
			mcp.WithString("priority", mcp.Description("Task priority (default medium)"), mcp.Enum("low", "medium", "high")),
			mcp.WithArray("tags", mcp.Description("Labels attached to the task"), mcp.WithStringItems()),
			mcp.WithString("due_date", mcp.Description("Due date, RFC3339 or YYYY-MM-DD[THH:MM[:SS]] (UTC assumed)")),
			mcp.WithString("recurrence", mcp.Description("Repeat schedule (default none)"), mcp.Enum("none", "daily", "weekly", "monthly", "yearly")),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithOpenWorldHintAnnotation(false),
		),
		mcp.NewTool(ListTasks,
			mcp.WithDescription("List the current user's tasks, optionally filtered"),
			mcp.WithString("search", mcp.Description("Case-insensitive text to find in title or description")),
			mcp.WithString("priority", mcp.Description("Only tasks with this priority"), mcp.Enum("low", "medium", "high")),
			mcp.WithString("status", mcp.Description("Only completed or pending tasks"), mcp.Enum("completed", "pending")),
			mcp.WithArray("tags", mcp.Description("Only tasks carrying all of these tags"), mcp.WithStringItems()),
			mcp.WithNumber("limit", mcp.Description("Maximum number of tasks to return"), mcp.Min(0), mcp.Max(500)),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
		),
		mcp.NewTool(MarkComplete,
			mcp.WithDescription("Mark a task as completed, or as pending again with completed=false"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
			mcp.WithBoolean("completed", mcp.Description("Completion state to set (default true)")),
			mcp.WithIdempotentHintAnnotation(true),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithOpenWorldHintAnnotation(false),
		),
		mcp.NewTool(UpdateTask,
			mcp.WithDescription("Change fields of an existing task; omitted fields are kept"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
			mcp.WithString("title", mcp.Description("New title")),
			mcp.WithString("description", mcp.Description("New description")),
			mcp.WithString("priority", mcp.Description("New priority"), mcp.Enum("low", "medium", "high")),
			mcp.WithArray("tags", mcp.Description("Replacement tag list"), mcp.WithStringItems()),
			mcp.WithString("due_date", mcp.Description("New due date; empty string clears it")),
			mcp.WithString("recurrence", mcp.Description("New repeat schedule"), mcp.Enum("none", "daily", "weekly", "monthly", "yearly")),
			mcp.WithBoolean("completed", mcp.Description("New completion state")),
			mcp.WithDestructiveHintAnnotation(false),
			mcp.WithOpenWorldHintAnnotation(false),
		),
		mcp.NewTool(DeleteTask,
			mcp.WithDescription("Permanently delete a task"),
			mcp.WithString("task_id", mcp.Required(), mcp.Description("ID of the task")),
			mcp.WithDestructiveHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
		),
		mcp.NewTool(GetCurrentUser,
			mcp.WithDescription("Return the identity the assistant is acting for"),
			mcp.WithReadOnlyHintAnnotation(true),
			mcp.WithOpenWorldHintAnnotation(false),
		),
	}
}

// RegisterMCP adds every tool to s. Handlers act as the identity found in
// the request context and fail when there is none.
func (d Dispatcher) RegisterMCP(s *mcpserver.MCPServer) {
	for _, tool := range Definitions() {
		s.AddTool(tool, d.HandleMCP)
	}
}

// HandleMCP is the mcp-go tool handler shared by every tool.
func (d Dispatcher) HandleMCP(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok {
		return mcp.NewToolResultError("unauthenticated"), nil
	}
	raw, err := json.Marshal(req.Params.Arguments)
	if err != nil {
		return mcp.NewToolResultError("arguments must be a JSON object"), nil
	}
	res, err := d.Dispatch(ctx, identity, Call{Name: req.Params.Name, Arguments: raw})
	if err != nil {
		return mcp.NewToolResultError(ErrorMessage(err)), nil
	}
	return mcp.NewToolResultText(res.JSON()), nil
}

// ErrorMessage is the caller-facing text for a Dispatch error. Internal
// failures are not described.
func ErrorMessage(err error) string {
	var argErr *ArgumentError
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrNotFound.Error()
	case errors.Is(err, ErrUnknownTool), errors.As(err, &argErr):
		return err.Error()
	default:
		return "internal error"
	}
}

// NewMCPServer builds an MCP server exposing the tools.
func NewMCPServer(d Dispatcher, version string) *mcpserver.MCPServer {
	s := mcpserver.NewMCPServer("taskline", version, mcpserver.WithToolCapabilities(true))
	d.RegisterMCP(s)
	return s
}

// MCPHandler serves s over streamable HTTP at path. The identity placed in
// the request context by the auth middleware is carried into tool handlers.
func MCPHandler(s *mcpserver.MCPServer, path string) http.Handler {
	return mcpserver.NewStreamableHTTPServer(s,
		mcpserver.WithEndpointPath(path),
		mcpserver.WithStateLess(true),
		mcpserver.WithHTTPContextFunc(func(ctx context.Context, r *http.Request) context.Context {
			if id, ok := auth.IdentityFromContext(r.Context()); ok {
				return auth.WithIdentity(ctx, id)
			}
			return ctx
		}),
	)
}
