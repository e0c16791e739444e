package tools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type stubTool struct {
	name string
	out  string
	err  error
	fn   func(ctx context.Context, input map[string]any) (string, error)
}

func (s *stubTool) Name() string                { return s.name }
func (s *stubTool) Description() string         { return "stub" }
func (s *stubTool) InputSchema() map[string]any { return map[string]any{"type": "object"} }
func (s *stubTool) Execute(ctx context.Context, input map[string]any) (string, error) {
	if s.fn != nil {
		return s.fn(ctx, input)
	}
	return s.out, s.err
}

func errorPayload(t *testing.T, content string) string {
	t.Helper()
	var payload map[string]string
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		t.Fatalf("result %q is not a JSON error payload: %v", content, err)
	}
	return payload["error"]
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()

	res := r.Execute(context.Background(), "get_weather", nil)

	if !res.IsError {
		t.Fatal("unknown tool did not produce an error result")
	}
	if got := errorPayload(t, res.Content); got != "Unknown tool: get_weather" {
		t.Errorf("error = %q, want %q", got, "Unknown tool: get_weather")
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name: "picky",
		fn: func(_ context.Context, input map[string]any) (string, error) {
			return "", &InputError{Field: "count", Reason: "must be a number"}
		},
	})

	res := r.Execute(context.Background(), "picky", map[string]any{"count": "three"})

	if !res.IsError {
		t.Fatal("validation failure did not produce an error result")
	}
	if got := errorPayload(t, res.Content); got != `invalid input field "count": must be a number` {
		t.Errorf("error = %q", got)
	}
}

func TestExecuteRecoversPanic(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{
		name: "explosive",
		fn: func(context.Context, map[string]any) (string, error) {
			panic("boom")
		},
	})

	res := r.Execute(context.Background(), "explosive", nil)

	if !res.IsError {
		t.Fatal("panic did not produce an error result")
	}
	if got := errorPayload(t, res.Content); got == "" {
		t.Error("panic payload carries no message")
	}
}

func TestExecuteToolError(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "flaky", err: errors.New("upstream timed out")})

	res := r.Execute(context.Background(), "flaky", nil)

	if !res.IsError {
		t.Fatal("tool error did not produce an error result")
	}
	if got := errorPayload(t, res.Content); got != "upstream timed out" {
		t.Errorf("error = %q, want upstream timed out", got)
	}
}

func TestExecuteSuccess(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "ok", out: `{"games": []}`})

	res := r.Execute(context.Background(), "ok", nil)

	if res.IsError {
		t.Fatalf("unexpected error result: %s", res.Content)
	}
	if res.Content != `{"games": []}` {
		t.Errorf("content = %q", res.Content)
	}
}

func TestDefinitionsKeepRegistrationOrder(t *testing.T) {
	r := NewRegistry()
	r.Register(&stubTool{name: "b"})
	r.Register(&stubTool{name: "a"})

	defs := r.Definitions()
	if len(defs) != 2 || defs[0].Name != "b" || defs[1].Name != "a" {
		t.Errorf("definitions = %+v, want registration order b, a", defs)
	}
}
