// Package assistant runs the chat loop: a Reasoner proposes tool calls, the
// tool dispatcher executes them as the conversation owner, and every turn is
// recorded in the conversation ledger.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"taskline/internal/auth"
	"taskline/internal/domain"
	"taskline/internal/engine"
	"taskline/internal/metrics"
	"taskline/internal/tools"
)

const (
	DefaultMaxSteps     = 8
	DefaultHistoryLimit = 50
)

var (
	ErrStepLimit     = errors.New("assistant step limit exceeded")
	ErrNotConfigured = errors.New("assistant is not configured")
	// ErrReasoner wraps failures of the reasoning backend.
	ErrReasoner = errors.New("assistant backend failed")
)

// Step is one reasoning turn. A step without tool calls is the final reply.
type Step struct {
	Content   string
	ToolCalls []domain.ToolCall
}

// Reasoner picks the next step given the conversation so far.
type Reasoner interface {
	Next(ctx context.Context, history []domain.Message, tools []mcp.Tool) (Step, error)
}

// ToolInvocation summarises one executed tool call for the caller.
type ToolInvocation struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result"`
	Error     string          `json:"error,omitempty"`
}

type Reply struct {
	ConversationID string           `json:"conversation_id"`
	Response       string           `json:"response"`
	ToolCalls      []ToolInvocation `json:"tool_calls"`
}

type Assistant struct {
	Engine       engine.Engine
	Tools        tools.Dispatcher
	Reasoner     Reasoner
	MaxSteps     int
	HistoryLimit int
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

func (a Assistant) logger() *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return zap.NewNop()
}

// Chat appends text to the conversation (starting one when conversationID is
// empty) and runs the reasoner until it answers without tool calls.
func (a Assistant) Chat(ctx context.Context, identity auth.Identity, conversationID, text string) (Reply, error) {
	actor := engine.APIActor(identity)
	text = strings.TrimSpace(text)
	if text == "" {
		return Reply{}, &engine.ValidationError{Fields: map[string]string{"message": "must not be empty"}}
	}
	if a.Reasoner == nil {
		return Reply{}, ErrNotConfigured
	}

	var conv domain.Conversation
	var err error
	if conversationID == "" {
		conv, err = a.Engine.StartConversation(ctx, actor, text)
	} else {
		conv, err = a.Engine.Conversation(ctx, actor, conversationID)
	}
	if err != nil {
		return Reply{}, err
	}
	if _, err := a.Engine.AppendMessage(ctx, actor, conv.ID, domain.Message{Role: domain.RoleUser, Content: text}); err != nil {
		return Reply{}, err
	}

	reply := Reply{ConversationID: conv.ID, ToolCalls: []ToolInvocation{}}
	maxSteps := a.MaxSteps
	if maxSteps <= 0 {
		maxSteps = DefaultMaxSteps
	}
	historyLimit := a.HistoryLimit
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	defs := tools.Definitions()

	for step := 1; step <= maxSteps; step++ {
		history, err := a.Engine.History(ctx, actor, conv.ID, historyLimit)
		if err != nil {
			return reply, err
		}
		next, err := a.Reasoner.Next(ctx, trimHistory(history), defs)
		if err != nil {
			return reply, fmt.Errorf("%w: %w", ErrReasoner, err)
		}
		if _, err := a.Engine.AppendMessage(ctx, actor, conv.ID, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   next.Content,
			ToolCalls: next.ToolCalls,
		}); err != nil {
			return reply, err
		}
		if len(next.ToolCalls) == 0 {
			reply.Response = next.Content
			a.Metrics.ObserveAssistantSteps(step)
			return reply, nil
		}
		for _, tc := range next.ToolCalls {
			inv := a.invoke(ctx, identity, tc)
			reply.ToolCalls = append(reply.ToolCalls, inv)
			if _, err := a.Engine.AppendMessage(ctx, actor, conv.ID, domain.Message{
				Role:       domain.RoleTool,
				Content:    string(inv.Result),
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			}); err != nil {
				return reply, err
			}
		}
	}
	a.Metrics.ObserveAssistantSteps(maxSteps)
	a.logger().Warn("assistant step limit reached",
		zap.String("identity", identity.String()),
		zap.String("conversation_id", conv.ID),
		zap.Int("max_steps", maxSteps),
	)
	return reply, ErrStepLimit
}

// invoke runs one tool call. Tool failures become the tool message content so
// the reasoner can react to them; they never abort the turn.
func (a Assistant) invoke(ctx context.Context, identity auth.Identity, tc domain.ToolCall) ToolInvocation {
	inv := ToolInvocation{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
	res, err := a.Tools.Dispatch(ctx, identity, tools.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	if err != nil {
		inv.Error = tools.ErrorMessage(err)
		data, _ := json.Marshal(map[string]string{"tool": tc.Name, "status": "error", "error": inv.Error})
		inv.Result = data
		return inv
	}
	inv.Result = json.RawMessage(res.JSON())
	return inv
}

// trimHistory drops leading tool messages whose assistant turn fell outside
// the history window; chat APIs reject a tool result without its call.
func trimHistory(history []domain.Message) []domain.Message {
	for len(history) > 0 && history[0].Role == domain.RoleTool {
		history = history[1:]
	}
	return history
}
