package chat

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/pysugar/agent-nexus/internal/auth/bearer"
	"github.com/pysugar/agent-nexus/internal/tool"
	"github.com/pysugar/agent-nexus/internal/tool/audit"
)

// scriptedLLM returns its canned messages in order and records every request
// it sees.
type scriptedLLM struct {
	replies  []*Message
	err      error
	requests [][]Message
	tooled   []bool
}

func (s *scriptedLLM) Complete(ctx context.Context, messages []Message, tools []tool.Schema) (*Message, error) {
	s.requests = append(s.requests, append([]Message(nil), messages...))
	s.tooled = append(s.tooled, len(tools) > 0)
	if s.err != nil {
		return nil, s.err
	}
	reply := s.replies[0]
	s.replies = s.replies[1:]
	return reply, nil
}

func newTestEngine(t *testing.T, llm LLMClient) (*Engine, *tool.Registry, string) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	auditLogger, err := audit.New(db, &bytes.Buffer{}, 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	authority, err := bearer.New([]byte("test-secret"))
	if err != nil {
		t.Fatalf("authority: %v", err)
	}
	token, err := authority.Mint("user-123", "agent-nexus", time.Hour)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	reg := tool.NewRegistry()
	return NewEngine(llm, reg, tool.NewInvoker(reg, authority, auditLogger)), reg, token
}

func TestRunTurn_NoToolCalls(t *testing.T) {
	llm := &scriptedLLM{replies: []*Message{{Role: "assistant", Content: "hello there"}}}
	engine, _, token := newTestEngine(t, llm)

	result, err := engine.RunTurn(context.Background(), token, "sess-1", []Message{
		{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.Response != "hello there" {
		t.Errorf("response = %q", result.Response)
	}
	if len(result.ToolCalls) != 0 {
		t.Errorf("expected no tool calls, got %d", len(result.ToolCalls))
	}
	if len(llm.requests) != 1 {
		t.Fatalf("expected 1 model request, got %d", len(llm.requests))
	}
	if !llm.tooled[0] {
		t.Error("first pass should offer the tool catalog")
	}
}

func TestRunTurn_TwoPhaseWithTools(t *testing.T) {
	llm := &scriptedLLM{replies: []*Message{
		{
			Role: "assistant",
			ToolCalls: []ToolCall{
				{ID: "call-1", Type: "function", Function: FunctionCall{Name: "echo", Arguments: `{"text":"ping"}`}},
				{ID: "call-2", Type: "function", Function: FunctionCall{Name: "boom", Arguments: `{}`}},
			},
		},
		{Role: "assistant", Content: "done"},
	}}
	engine, reg, token := newTestEngine(t, llm)
	reg.Register(tool.Tool{
		Name: "echo",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "echoed: " + args["text"].(string), nil
		},
	})
	reg.Register(tool.Tool{
		Name: "boom",
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			return "", errors.New("kaput")
		},
	})

	result, err := engine.RunTurn(context.Background(), token, "sess-1", []Message{
		{Role: "user", Content: "do things"},
	})
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if result.Response != "done" {
		t.Errorf("response = %q", result.Response)
	}
	if len(result.ToolCalls) != 2 {
		t.Fatalf("expected 2 invoked calls, got %d", len(result.ToolCalls))
	}
	if result.ToolCalls[0].Name != "echo" || result.ToolCalls[1].Name != "boom" {
		t.Errorf("invoked = %+v", result.ToolCalls)
	}

	if len(llm.requests) != 2 {
		t.Fatalf("expected 2 model requests, got %d", len(llm.requests))
	}
	if llm.tooled[1] {
		t.Error("closing pass must not offer the tool catalog")
	}

	// Second request: user, assistant tool_calls, then one tool message per
	// call in request order.
	second := llm.requests[1]
	if len(second) != 4 {
		t.Fatalf("expected 4 messages in closing pass, got %d", len(second))
	}
	if len(second[1].ToolCalls) != 2 {
		t.Errorf("assistant message should carry the tool calls")
	}
	if second[2].Role != "tool" || second[2].ToolCallID != "call-1" || second[2].Content != "echoed: ping" {
		t.Errorf("first tool message = %+v", second[2])
	}
	if second[3].ToolCallID != "call-2" || !strings.HasPrefix(second[3].Content, "Error:") {
		t.Errorf("failed call should surface as an Error: tool message, got %+v", second[3])
	}
}

func TestRunTurn_BadTokenRejectsTurn(t *testing.T) {
	llm := &scriptedLLM{replies: []*Message{
		{
			Role:      "assistant",
			ToolCalls: []ToolCall{{ID: "call-1", Type: "function", Function: FunctionCall{Name: "echo", Arguments: `{}`}}},
		},
	}}
	engine, _, _ := newTestEngine(t, llm)

	_, err := engine.RunTurn(context.Background(), "garbage", "sess-1", []Message{{Role: "user", Content: "hi"}})
	if !errors.Is(err, bearer.ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestRunTurn_ModelError(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("upstream down")}
	engine, _, token := newTestEngine(t, llm)

	_, err := engine.RunTurn(context.Background(), token, "sess-1", []Message{{Role: "user", Content: "hi"}})
	if err == nil || !strings.Contains(err.Error(), "upstream down") {
		t.Fatalf("expected model error, got %v", err)
	}
}

func TestOpenAIClient_Complete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer llm-key" {
			t.Errorf("authorization = %q", got)
		}
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi"}}]}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "llm-key", "test-model")
	msg, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hello"}}, nil)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if msg.Content != "hi" {
		t.Errorf("content = %q", msg.Content)
	}
}

func TestOpenAIClient_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"bad key","type":"invalid_request_error"}}`))
	}))
	defer srv.Close()

	client := NewOpenAIClient(srv.URL, "wrong", "test-model")
	_, err := client.Complete(context.Background(), []Message{{Role: "user", Content: "hello"}}, nil)
	if err == nil || !strings.Contains(err.Error(), "bad key") {
		t.Fatalf("expected upstream error, got %v", err)
	}
}
