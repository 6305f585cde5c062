// Package tools exposes task operations as named tools callable by the
// assistant and by MCP clients. The caller's identity is always supplied by
// the transport, never by tool arguments.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"taskline/internal/auth"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/metrics"
)

const (
	AddTask        = "add_task"
	ListTasks      = "list_tasks"
	MarkComplete   = "mark_complete"
	UpdateTask     = "update_task"
	DeleteTask     = "delete_task"
	GetCurrentUser = "get_current_user"
)

// Names lists every tool in registration order.
var Names = []string{AddTask, ListTasks, MarkComplete, UpdateTask, DeleteTask, GetCurrentUser}

var (
	ErrUnknownTool = errors.New("unknown tool")
	// ErrNotFound covers both missing tasks and tasks owned by someone else.
	ErrNotFound = errors.New("task not found")
)

// Call is one tool invocation. ID is the caller's call id, used for replay
// detection when set.
type Call struct {
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

type Result struct {
	Tool      string        `json:"tool"`
	Status    string        `json:"status"`
	Task      *domain.Task  `json:"task,omitempty"`
	Tasks     []domain.Task `json:"tasks,omitempty"`
	Count     *int          `json:"count,omitempty"`
	TaskID    string        `json:"task_id,omitempty"`
	UserID    string        `json:"user_id,omitempty"`
	Duplicate bool          `json:"duplicate,omitempty"`
}

// JSON renders the result as the content handed back to the caller.
func (r Result) JSON() string {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Sprintf(`{"tool":%q,"status":"error"}`, r.Tool)
	}
	return string(data)
}

type Dispatcher struct {
	Engine  engine.Engine
	Dedup   *Deduper
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

func (d Dispatcher) logger() *zap.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return zap.NewNop()
}

// Dispatch runs call as identity. Each call maps to exactly one engine
// operation. Errors are ErrUnknownTool, *ArgumentError, ErrNotFound or an
// internal failure.
func (d Dispatcher) Dispatch(ctx context.Context, identity auth.Identity, call Call) (Result, error) {
	start := time.Now()
	name := strings.TrimSpace(call.Name)
	res, err := d.dispatch(ctx, identity, name, call)
	outcome := outcomeOf(err)
	if res.Duplicate {
		outcome = "duplicate"
	}
	metricName := name
	if errors.Is(err, ErrUnknownTool) {
		metricName = "unknown"
	}
	d.Metrics.ObserveToolCall(metricName, outcome, time.Since(start))
	fields := []zap.Field{
		zap.String("tool", name),
		zap.String("identity", identity.String()),
		zap.String("call_id", call.ID),
		zap.String("outcome", outcome),
		zap.Duration("duration", time.Since(start)),
	}
	if outcome == "error" {
		d.logger().Error("tool call failed", append(fields, zap.Error(err))...)
	} else {
		d.logger().Info("tool call", fields...)
	}
	return res, err
}

func outcomeOf(err error) string {
	var argErr *ArgumentError
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnknownTool):
		return "unknown_tool"
	case errors.As(err, &argErr):
		return "invalid_arguments"
	default:
		return "error"
	}
}

func (d Dispatcher) dispatch(ctx context.Context, identity auth.Identity, name string, call Call) (Result, error) {
	if !isKnown(name) {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	if identity == "" {
		return Result{}, ErrNotFound
	}
	if call.ID == "" || d.Dedup == nil {
		return d.run(ctx, identity, name, call)
	}
	if !d.Dedup.AcquireOnce(ctx, identity, call.ID) {
		return Result{Tool: name, Status: "skipped", Duplicate: true}, nil
	}
	res, err := d.run(ctx, identity, name, call)
	if err != nil {
		// a failed call had no effect, so its id stays usable for a retry
		d.Dedup.Release(context.WithoutCancel(ctx), identity, call.ID)
	}
	return res, err
}

func (d Dispatcher) run(ctx context.Context, identity auth.Identity, name string, call Call) (Result, error) {
	actor := engine.ToolActor(identity, name)
	switch name {
	case AddTask:
		var args AddTaskArgs
		if err := decodeArgs(name, call.Arguments, &args); err != nil {
			return Result{}, err
		}
		return d.addTask(ctx, actor, args)
	case ListTasks:
		var args ListTasksArgs
		if err := decodeArgs(name, call.Arguments, &args); err != nil {
			return Result{}, err
		}
		return d.listTasks(ctx, actor, args)
	case MarkComplete:
		var args MarkCompleteArgs
		if err := decodeArgs(name, call.Arguments, &args); err != nil {
			return Result{}, err
		}
		return d.markComplete(ctx, actor, args)
	case UpdateTask:
		var args UpdateTaskArgs
		if err := decodeArgs(name, call.Arguments, &args); err != nil {
			return Result{}, err
		}
		return d.updateTask(ctx, actor, args)
	case DeleteTask:
		var args DeleteTaskArgs
		if err := decodeArgs(name, call.Arguments, &args); err != nil {
			return Result{}, err
		}
		return d.deleteTask(ctx, actor, args)
	default:
		var args GetCurrentUserArgs
		if err := decodeArgs(name, call.Arguments, &args); err != nil {
			return Result{}, err
		}
		return Result{Tool: name, Status: "ok", UserID: identity.String()}, nil
	}
}

func isKnown(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// translate folds engine failures into the tool error surface. Ownership
// failures of every kind look like a missing task.
func translate(tool string, err error) error {
	if err == nil {
		return nil
	}
	var verr *engine.ValidationError
	switch {
	case errors.Is(err, engine.ErrNotFound),
		errors.Is(err, auth.ErrIdentityMismatch),
		errors.Is(err, auth.ErrNoCredential),
		errors.Is(err, auth.ErrInvalidCredential):
		return ErrNotFound
	case errors.As(err, &verr):
		fields := make([]string, 0, len(verr.Fields))
		for f := range verr.Fields {
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return &ArgumentError{Tool: tool, Reason: verr.Error()}
		}
		sort.Strings(fields)
		return &ArgumentError{Tool: tool, Field: fields[0], Reason: verr.Fields[fields[0]]}
	}
	return err
}

func parseDue(tool, raw string) (*time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	t, err := domain.ParseDueDate(raw)
	if err != nil {
		return nil, &ArgumentError{Tool: tool, Field: "due_date", Reason: "expected RFC3339 or YYYY-MM-DD[THH:MM[:SS]]"}
	}
	return &t, nil
}

func (d Dispatcher) addTask(ctx context.Context, actor engine.Actor, args AddTaskArgs) (Result, error) {
	due, err := parseDue(AddTask, args.DueDate)
	if err != nil {
		return Result{}, err
	}
	t, err := d.Engine.CreateTask(ctx, actor, engine.TaskInput{
		Title:       args.Title,
		Description: args.Description,
		Priority:    domain.Priority(strings.ToLower(strings.TrimSpace(args.Priority))),
		Tags:        args.Tags,
		DueDate:     due,
		Recurrence:  domain.Recurrence(strings.ToLower(strings.TrimSpace(args.Recurrence))),
	})
	if err != nil {
		return Result{}, translate(AddTask, err)
	}
	return Result{Tool: AddTask, Status: "created", Task: &t, TaskID: t.ID}, nil
}

func (d Dispatcher) listTasks(ctx context.Context, actor engine.Actor, args ListTasksArgs) (Result, error) {
	list, err := d.Engine.ListTasks(ctx, actor, domain.TaskFilter{
		Search:   args.Search,
		Priority: domain.Priority(strings.ToLower(strings.TrimSpace(args.Priority))),
		Status:   domain.TaskStatus(strings.ToLower(strings.TrimSpace(args.Status))),
		Tags:     args.Tags,
		Limit:    args.Limit,
	})
	if err != nil {
		return Result{}, translate(ListTasks, err)
	}
	n := len(list)
	return Result{Tool: ListTasks, Status: "ok", Tasks: list, Count: &n}, nil
}

func (d Dispatcher) markComplete(ctx context.Context, actor engine.Actor, args MarkCompleteArgs) (Result, error) {
	id, err := requireTaskID(MarkComplete, args.TaskID)
	if err != nil {
		return Result{}, err
	}
	completed := true
	if args.Completed != nil {
		completed = *args.Completed
	}
	t, err := d.Engine.SetCompleted(ctx, actor, id, completed)
	if err != nil {
		return Result{}, translate(MarkComplete, err)
	}
	status := string(domain.StatusPending)
	if t.Completed {
		status = string(domain.StatusCompleted)
	}
	return Result{Tool: MarkComplete, Status: status, Task: &t, TaskID: t.ID}, nil
}

func (d Dispatcher) updateTask(ctx context.Context, actor engine.Actor, args UpdateTaskArgs) (Result, error) {
	id, err := requireTaskID(UpdateTask, args.TaskID)
	if err != nil {
		return Result{}, err
	}
	patch := engine.TaskPatch{
		Title:       args.Title,
		Description: args.Description,
		Tags:        args.Tags,
		Completed:   args.Completed,
	}
	if args.Priority != nil {
		p := domain.Priority(strings.ToLower(strings.TrimSpace(*args.Priority)))
		patch.Priority = &p
	}
	if args.Recurrence != nil {
		r := domain.Recurrence(strings.ToLower(strings.TrimSpace(*args.Recurrence)))
		patch.Recurrence = &r
	}
	if args.DueDate != nil {
		due, err := parseDue(UpdateTask, *args.DueDate)
		if err != nil {
			return Result{}, err
		}
		if due == nil {
			patch.ClearDueDate = true
		} else {
			patch.DueDate = due
		}
	}
	t, err := d.Engine.UpdateTask(ctx, actor, id, patch)
	if err != nil {
		return Result{}, translate(UpdateTask, err)
	}
	return Result{Tool: UpdateTask, Status: "updated", Task: &t, TaskID: t.ID}, nil
}

func (d Dispatcher) deleteTask(ctx context.Context, actor engine.Actor, args DeleteTaskArgs) (Result, error) {
	id, err := requireTaskID(DeleteTask, args.TaskID)
	if err != nil {
		return Result{}, err
	}
	if err := d.Engine.DeleteTask(ctx, actor, id); err != nil {
		return Result{}, translate(DeleteTask, err)
	}
	return Result{Tool: DeleteTask, Status: "deleted", TaskID: id}, nil
}
