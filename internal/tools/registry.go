// Package tools implements the fixed tool catalog the agent loop can
// execute, plus the result isolation the loop relies on: a tool
// execution always produces a payload, never a propagated error.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/simonkberg/simon.dev-sub000/internal/provider"
)

// Tool is a named, schema-described external data operation.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, input map[string]any) (string, error)
}

// InputError reports an input-shape validation failure for a
// recognized tool, referencing the offending field.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid input field %q: %s", e.Field, e.Reason)
}

// Result is the outcome fed back to the LLM. Errors are carried as a
// structured payload, never as a Go error.
type Result struct {
	Content string
	IsError bool
}

func errorResult(msg string) Result {
	payload, _ := json.Marshal(map[string]string{"error": msg})
	return Result{Content: string(payload), IsError: true}
}

// Registry holds the tool catalog.
type Registry struct {
	order []string
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool of the same name.
func (r *Registry) Register(t Tool) {
	if _, exists := r.tools[t.Name()]; !exists {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

// Definitions returns the catalog in registration order, in the shape
// sent with every LLM call.
func (r *Registry) Definitions() []provider.Tool {
	defs := make([]provider.Tool, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		defs = append(defs, provider.Tool{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs
}

// Execute runs one requested tool. Unknown tools, validation failures,
// runtime errors and panics all come back as a structured error
// payload; Execute never fails.
func (r *Registry) Execute(ctx context.Context, name string, input map[string]any) (res Result) {
	t, ok := r.tools[name]
	if !ok {
		return errorResult(fmt.Sprintf("Unknown tool: %s", name))
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool panicked", "tool", name, "panic", rec)
			res = errorResult(fmt.Sprintf("tool %s panicked: %v", name, rec))
		}
	}()

	out, err := t.Execute(ctx, input)
	if err != nil {
		slog.Warn("tool execution failed", "tool", name, "error", err)
		return errorResult(err.Error())
	}
	return Result{Content: out}
}
