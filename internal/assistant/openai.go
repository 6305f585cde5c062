package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"taskline/internal/domain"
)

const DefaultModel = "gpt-4o-mini"

// SystemPrompt frames the model as a task assistant. It never names the user;
// tools resolve the identity server side.
const SystemPrompt = `You are a helpful to-do assistant. Manage the user's tasks only through the provided tools.
Look tasks up with list_tasks before changing them when you do not already know the task id.
Confirm what you did in one or two short sentences. Never invent task ids.`

// OpenAIReasoner implements Reasoner with the Chat Completions API. Any
// OpenAI-compatible endpoint works through BaseURL.
type OpenAIReasoner struct {
	client openai.Client
	model  string
	prompt string
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Prompt  string
}

func NewOpenAIReasoner(cfg OpenAIConfig) *OpenAIReasoner {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.Model
	if model == "" {
		model = DefaultModel
	}
	prompt := cfg.Prompt
	if prompt == "" {
		prompt = SystemPrompt
	}
	return &OpenAIReasoner{
		client: openai.NewClient(opts...),
		model:  model,
		prompt: prompt,
	}
}

func (r *OpenAIReasoner) Next(ctx context.Context, history []domain.Message, defs []mcp.Tool) (Step, error) {
	params := openai.ChatCompletionNewParams{
		Messages: toOpenAIMessages(r.prompt, history),
		Model:    openai.ChatModel(r.model),
	}
	if len(defs) > 0 {
		params.Tools = toOpenAITools(defs)
	}
	resp, err := r.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return Step{}, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Step{}, errors.New("chat completion returned no choices")
	}
	msg := resp.Choices[0].Message
	step := Step{Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		if tc.Function.Name == "" {
			continue
		}
		args := strings.TrimSpace(tc.Function.Arguments)
		if args == "" {
			args = "{}"
		}
		step.ToolCalls = append(step.ToolCalls, domain.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(args),
		})
	}
	return step, nil
}

func toOpenAIMessages(prompt string, history []domain.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(history)+1)
	out = append(out, openai.SystemMessage(prompt))
	for _, m := range history {
		switch m.Role {
		case domain.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case domain.RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		case domain.RoleAssistant:
			if len(m.ToolCalls) == 0 {
				out = append(out, openai.AssistantMessage(m.Content))
				continue
			}
			asst := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				asst.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: string(tc.Arguments),
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		}
	}
	return out
}

// toOpenAITools maps mcp-go tool schemas onto function tools; both sides are
// JSON Schema objects.
func toOpenAITools(defs []mcp.Tool) []openai.ChatCompletionToolUnionParam {
	out := make([]openai.ChatCompletionToolUnionParam, len(defs))
	for i, tool := range defs {
		params := openai.FunctionParameters{
			"type":       tool.InputSchema.Type,
			"properties": tool.InputSchema.Properties,
		}
		if tool.InputSchema.Properties == nil {
			params["properties"] = map[string]any{}
		}
		if len(tool.InputSchema.Required) > 0 {
			params["required"] = tool.InputSchema.Required
		}
		out[i] = openai.ChatCompletionFunctionTool(openai.FunctionDefinitionParam{
			Name:        tool.Name,
			Description: openai.String(tool.Description),
			Parameters:  params,
		})
	}
	return out
}
