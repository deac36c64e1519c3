package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/vireohq/chatcore/internal/llm"
)

// maxParallelInvocations bounds how many tool calls from a single round run
// concurrently.
const maxParallelInvocations = 4

// toolRouter is the slice of Registry the bridge needs.
type toolRouter interface {
	AllTools() []ToolSpec
	CallTool(ctx context.Context, name string, args json.RawMessage) (string, error)
}

// Bridge adapts registry tools to the provider tool-calling surface. It
// translates specs outward and executes model-requested calls inward.
type Bridge struct {
	registry toolRouter
}

// NewBridge creates a bridge over a registry.
func NewBridge(registry *Registry) *Bridge {
	return &Bridge{registry: registry}
}

// BuildToolset returns provider-facing tool specs for every tool advertised
// by connected servers. Names carry the "server__tool" prefix.
func (b *Bridge) BuildToolset() []llm.ToolSpec {
	tools := b.registry.AllTools()
	specs := make([]llm.ToolSpec, 0, len(tools))
	for _, t := range tools {
		specs = append(specs, llm.ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      t.Schema,
		})
	}
	return specs
}

// Invoke executes one tool call and converts the outcome into a tool result.
// Tool-level failures (unknown tool, bad arguments, tool errors) become
// error results the model can react to; only context cancellation is
// returned as a Go error.
func (b *Bridge) Invoke(ctx context.Context, call llm.ToolCall) (llm.ToolResult, error) {
	output, err := b.registry.CallTool(ctx, call.Name, call.Arguments)
	if err != nil {
		if ctx.Err() != nil {
			return llm.ToolResult{}, ctx.Err()
		}
		return llm.ToolResult{
			ID:      call.ID,
			Name:    call.Name,
			Content: toolErrorContent(err),
			IsError: true,
		}, nil
	}
	return llm.ToolResult{
		ID:      call.ID,
		Name:    call.Name,
		Content: output,
	}, nil
}

// InvokeAll executes a round of tool calls with bounded parallelism. Results
// come back in request order regardless of completion order, so transcripts
// stay deterministic.
func (b *Bridge) InvokeAll(ctx context.Context, calls []llm.ToolCall) ([]llm.ToolResult, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	if len(calls) == 1 {
		result, err := b.Invoke(ctx, calls[0])
		if err != nil {
			return nil, err
		}
		return []llm.ToolResult{result}, nil
	}

	type indexed struct {
		index  int
		result llm.ToolResult
		err    error
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxParallelInvocations)
	resultChan := make(chan indexed, len(calls))

	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c llm.ToolCall) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				resultChan <- indexed{index: idx, err: ctx.Err()}
				return
			}
			result, err := b.Invoke(ctx, c)
			resultChan <- indexed{index: idx, result: result, err: err}
		}(i, call)
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	results := make([]llm.ToolResult, len(calls))
	var firstErr error
	for r := range resultChan {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		results[r.index] = r.result
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return results, nil
}

// toolErrorContent renders a tool failure as text the model can act on.
func toolErrorContent(err error) string {
	var notFound *ToolNotFoundError
	if errors.As(err, &notFound) {
		return fmt.Sprintf("Error: tool not found: %s", notFound.Name)
	}
	var badArgs *ToolArgumentError
	if errors.As(err, &badArgs) {
		return fmt.Sprintf("Error: invalid arguments: %s", badArgs.Reason)
	}
	return fmt.Sprintf("Error: %v", err)
}
