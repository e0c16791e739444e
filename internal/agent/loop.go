// Package agent implements the bounded LLM tool-calling loop.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/simonkberg/simon.dev-sub000/internal/provider"
	"github.com/simonkberg/simon.dev-sub000/internal/tools"
)

// maxRounds bounds the number of LLM round-trips per conversation.
const maxRounds = 5

// fallbackResponse is yielded when the loop exhausts its rounds
// without the LLM settling on a final answer.
const fallbackResponse = "I went down a bit of a rabbit hole there and never found my way back. Mind asking again?"

// LLM is the provider surface the loop drives.
type LLM interface {
	Messages(ctx context.Context, req *provider.Request) (*provider.Response, error)
}

// Options configures an Agent.
type Options struct {
	LLM       LLM
	Registry  *tools.Registry
	Model     string
	MaxTokens int
	System    string
}

// Agent drives the LLM with a fixed tool catalog, executing requested
// tools in parallel between rounds and streaming text out as it
// arrives.
type Agent struct {
	llm       LLM
	registry  *tools.Registry
	model     string
	maxTokens int
	system    string
}

// New creates an agent loop.
func New(opts Options) *Agent {
	return &Agent{
		llm:       opts.LLM,
		registry:  opts.Registry,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		system:    opts.System,
	}
}

// Converse runs the loop over the given turns, calling emit for every
// text block as soon as the round's response arrives, before any tool
// execution of that round completes. Tool results from one round
// are fully joined before the next round's request. After maxRounds
// without a final stop reason, one fixed fallback sentence is emitted.
func (a *Agent) Converse(ctx context.Context, turns []provider.Message, emit func(text string) error) error {
	msgs := append([]provider.Message(nil), turns...)
	defs := a.registry.Definitions()

	for round := 1; round <= maxRounds; round++ {
		resp, err := a.llm.Messages(ctx, &provider.Request{
			Model:     a.model,
			MaxTokens: a.maxTokens,
			System:    a.system,
			Messages:  msgs,
			Tools:     defs,
		})
		if err != nil {
			return fmt.Errorf("agent: llm round %d: %w", round, err)
		}

		for _, block := range resp.Content {
			if block.Type == provider.BlockText && block.Text != "" {
				if err := emit(block.Text); err != nil {
					return fmt.Errorf("agent: emit text: %w", err)
				}
			}
		}

		if resp.StopReason != provider.StopToolUse {
			return nil
		}

		results := a.executeTools(ctx, resp.Content)

		// The assistant turn carries the complete, unmodified set of
		// content blocks the LLM returned, thinking blocks included.
		msgs = append(msgs, provider.Message{Role: "assistant", Content: resp.Content})
		msgs = append(msgs, provider.Message{Role: "user", Content: results})
	}

	slog.Warn("agent loop exhausted without final answer", "iterations", maxRounds)
	if err := emit(fallbackResponse); err != nil {
		return fmt.Errorf("agent: emit fallback: %w", err)
	}
	return nil
}

// executeTools fans every tool_use block of one round out
// concurrently and fans back in, producing exactly one tool_result
// block per request id. Failures never propagate; they come back as
// structured error payloads.
func (a *Agent) executeTools(ctx context.Context, blocks []provider.ContentBlock) []provider.ContentBlock {
	var uses []provider.ContentBlock
	for _, block := range blocks {
		if block.Type == provider.BlockToolUse {
			uses = append(uses, block)
		}
	}

	results := make([]provider.ContentBlock, len(uses))
	g, ctx := errgroup.WithContext(ctx)
	for i, use := range uses {
		i, use := i, use
		g.Go(func() error {
			results[i] = provider.ContentBlock{
				Type:      provider.BlockToolResult,
				ToolUseID: use.ID,
				Content:   a.executeTool(ctx, use),
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (a *Agent) executeTool(ctx context.Context, use provider.ContentBlock) string {
	input := make(map[string]any)
	if len(use.Input) > 0 {
		if err := json.Unmarshal(use.Input, &input); err != nil {
			payload, _ := json.Marshal(map[string]string{
				"error": fmt.Sprintf("invalid tool input: %s", err),
			})
			return string(payload)
		}
	}
	res := a.registry.Execute(ctx, use.Name, input)
	return res.Content
}
