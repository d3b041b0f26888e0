package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/pysugar/agent-nexus/internal/tool"
)

// Message is a single entry in an OpenAI-style conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its raw JSON arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// LLMClient is the model behind a chat turn. When tools is non-empty the
// returned message may request tool calls instead of carrying content.
type LLMClient interface {
	Complete(ctx context.Context, messages []Message, tools []tool.Schema) (*Message, error)
}

// InvokedCall records one tool call made during a turn, for the caller's
// debugging view of the turn.
type InvokedCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// TurnResult is the outcome of one completed turn.
type TurnResult struct {
	Response  string
	ToolCalls []InvokedCall
}

// Engine runs chat turns: one model pass with the tool catalog, the
// requested tool calls through the invoker, then a closing model pass over
// the tool results.
type Engine struct {
	llm     LLMClient
	tools   *tool.Registry
	invoker *tool.Invoker
}

// NewEngine creates a turn engine over the given model and tool set.
func NewEngine(llm LLMClient, tools *tool.Registry, invoker *tool.Invoker) *Engine {
	return &Engine{llm: llm, tools: tools, invoker: invoker}
}

// RunTurn executes one conversational turn. token authorizes the tool calls
// the model requests; sessionID threads the turn through the audit trail.
// Tool results are appended in the order the model requested them, and every
// requested call yields exactly one tool-role message even when it fails.
func (e *Engine) RunTurn(ctx context.Context, token, sessionID string, messages []Message) (*TurnResult, error) {
	first, err := e.llm.Complete(ctx, messages, e.tools.Schemas())
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}

	if len(first.ToolCalls) == 0 {
		return &TurnResult{Response: first.Content}, nil
	}

	calls := make([]tool.Call, len(first.ToolCalls))
	invoked := make([]InvokedCall, len(first.ToolCalls))
	for i, tc := range first.ToolCalls {
		var args map[string]any
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				log.Printf("⚠️ [CHAT] tool call %s: unparseable arguments: %v", tc.Function.Name, err)
				args = nil
			}
		}
		calls[i] = tool.Call{ID: tc.ID, Name: tc.Function.Name, Arguments: args}
		invoked[i] = InvokedCall{Name: tc.Function.Name, Arguments: args}
	}

	results, err := e.invoker.InvokeAll(ctx, token, sessionID, calls, map[string]string{"source": "chat"})
	if err != nil {
		return nil, err
	}

	messages = append(messages, *first)
	for _, r := range results {
		messages = append(messages, Message{
			Role:       "tool",
			ToolCallID: r.CallID,
			Name:       r.Name,
			Content:    r.Content,
		})
	}

	// Closing pass without the tool catalog so the model answers in prose.
	final, err := e.llm.Complete(ctx, messages, nil)
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}

	return &TurnResult{Response: final.Content, ToolCalls: invoked}, nil
}
