package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/simonkberg/simon.dev-sub000/internal/provider"
	"github.com/simonkberg/simon.dev-sub000/internal/tools"
)

// scriptedLLM replays canned responses and records every request it
// sees. Past the script's end the last response repeats.
type scriptedLLM struct {
	requests  []provider.Request
	responses []*provider.Response
	err       error
}

func (s *scriptedLLM) Messages(_ context.Context, req *provider.Request) (*provider.Response, error) {
	s.requests = append(s.requests, *req)
	if s.err != nil {
		return nil, s.err
	}
	i := len(s.requests) - 1
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i], nil
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func textBlock(text string) provider.ContentBlock {
	return provider.ContentBlock{Type: provider.BlockText, Text: text}
}

func toolUseBlock(id, name string) provider.ContentBlock {
	return provider.ContentBlock{
		Type:  provider.BlockToolUse,
		ID:    id,
		Name:  name,
		Input: json.RawMessage(`{}`),
	}
}

func newTestAgent(llm LLM) *Agent {
	return New(Options{
		LLM:       llm,
		Registry:  tools.NewRegistry(),
		Model:     "test-model",
		MaxTokens: 128,
		System:    "test system",
	})
}

func collectEmits(emitted *[]string) func(string) error {
	return func(text string) error {
		*emitted = append(*emitted, text)
		return nil
	}
}

func TestConverseCapsRounds(t *testing.T) {
	logs := captureLogs(t)

	llm := &scriptedLLM{responses: []*provider.Response{{
		Content:    []provider.ContentBlock{toolUseBlock("tu-1", "endless")},
		StopReason: provider.StopToolUse,
	}}}
	a := newTestAgent(llm)

	var emitted []string
	err := a.Converse(context.Background(), []provider.Message{provider.TextMessage("user", "hi")}, collectEmits(&emitted))
	if err != nil {
		t.Fatalf("Converse() error = %v", err)
	}

	if got := len(llm.requests); got != 5 {
		t.Errorf("made %d LLM calls, want 5", got)
	}
	if len(emitted) != 1 || emitted[0] != fallbackResponse {
		t.Errorf("emitted = %v, want exactly the fallback sentence", emitted)
	}
	if !strings.Contains(logs.String(), "iterations=5") {
		t.Errorf("no warning with iterations=5 logged:\n%s", logs.String())
	}
}

func TestConverseEmitsTextThenStops(t *testing.T) {
	llm := &scriptedLLM{responses: []*provider.Response{{
		Content:    []provider.ContentBlock{textBlock("let me check"), toolUseBlock("tu-1", "lookup")},
		StopReason: provider.StopToolUse,
	}, {
		Content:    []provider.ContentBlock{textBlock("here you go")},
		StopReason: provider.StopEndTurn,
	}}}
	a := newTestAgent(llm)

	var emitted []string
	if err := a.Converse(context.Background(), nil, collectEmits(&emitted)); err != nil {
		t.Fatalf("Converse() error = %v", err)
	}

	if len(emitted) != 2 || emitted[0] != "let me check" || emitted[1] != "here you go" {
		t.Errorf("emitted = %v, want text from both rounds in order", emitted)
	}
	if got := len(llm.requests); got != 2 {
		t.Errorf("made %d LLM calls, want 2", got)
	}
}

func TestConverseEchoesCompleteAssistantTurn(t *testing.T) {
	first := []provider.ContentBlock{
		{Type: provider.BlockThinking, Thinking: "hmm", Signature: "sig"},
		textBlock("checking"),
		toolUseBlock("tu-1", "lookup"),
	}
	llm := &scriptedLLM{responses: []*provider.Response{
		{Content: first, StopReason: provider.StopToolUse},
		{Content: []provider.ContentBlock{textBlock("done")}, StopReason: provider.StopEndTurn},
	}}
	a := newTestAgent(llm)

	var emitted []string
	if err := a.Converse(context.Background(), []provider.Message{provider.TextMessage("user", "q")}, collectEmits(&emitted)); err != nil {
		t.Fatalf("Converse() error = %v", err)
	}

	second := llm.requests[1]
	if got := len(second.Messages); got != 3 {
		t.Fatalf("second request has %d turns, want 3 (user, assistant, tool results)", got)
	}
	assistant := second.Messages[1]
	if assistant.Role != "assistant" || len(assistant.Content) != 3 {
		t.Fatalf("assistant turn = %+v, want all 3 blocks echoed unmodified", assistant)
	}
	if assistant.Content[0].Type != provider.BlockThinking || assistant.Content[0].Thinking != "hmm" {
		t.Error("thinking block was not passed through unmodified")
	}

	results := second.Messages[2]
	if results.Role != "user" || len(results.Content) != 1 {
		t.Fatalf("tool result turn = %+v, want one user turn", results)
	}
	tr := results.Content[0]
	if tr.Type != provider.BlockToolResult || tr.ToolUseID != "tu-1" {
		t.Errorf("tool result = %+v, want tool_result keyed tu-1", tr)
	}
	var payload map[string]string
	if err := json.Unmarshal([]byte(tr.Content), &payload); err != nil {
		t.Fatalf("tool result content %q is not JSON: %v", tr.Content, err)
	}
	if payload["error"] != "Unknown tool: lookup" {
		t.Errorf("tool result error = %q, want Unknown tool: lookup", payload["error"])
	}
}

func TestConverseJoinsParallelToolCalls(t *testing.T) {
	llm := &scriptedLLM{responses: []*provider.Response{
		{
			Content: []provider.ContentBlock{
				toolUseBlock("tu-1", "first"),
				toolUseBlock("tu-2", "second"),
			},
			StopReason: provider.StopToolUse,
		},
		{Content: []provider.ContentBlock{textBlock("done")}, StopReason: provider.StopEndTurn},
	}}
	a := newTestAgent(llm)

	var emitted []string
	if err := a.Converse(context.Background(), nil, collectEmits(&emitted)); err != nil {
		t.Fatalf("Converse() error = %v", err)
	}

	results := llm.requests[1].Messages[1]
	if len(results.Content) != 2 {
		t.Fatalf("got %d tool results, want 2", len(results.Content))
	}
	if results.Content[0].ToolUseID != "tu-1" || results.Content[1].ToolUseID != "tu-2" {
		t.Errorf("tool result ids = %s, %s; want request order tu-1, tu-2",
			results.Content[0].ToolUseID, results.Content[1].ToolUseID)
	}
}

func TestConversePropagatesLLMError(t *testing.T) {
	llm := &scriptedLLM{err: errors.New("provider unavailable")}
	a := newTestAgent(llm)

	var emitted []string
	err := a.Converse(context.Background(), nil, collectEmits(&emitted))
	if err == nil {
		t.Fatal("Converse() error = nil, want provider failure")
	}
	if len(emitted) != 0 {
		t.Errorf("emitted = %v, want nothing on provider failure", emitted)
	}
}
