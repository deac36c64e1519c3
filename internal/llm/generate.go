package llm

import (
	"context"
	"errors"
	"io"
)

// Generate runs a single non-streaming model turn by draining the provider's
// stream. Tool calls requested by the model are returned, not executed.
func Generate(ctx context.Context, provider Provider, req Request) (*CompletionResult, error) {
	stream, err := provider.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var result CompletionResult
	for {
		event, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		switch event.Type {
		case EventTextDelta:
			result.Text += event.Text
		case EventToolCall:
			if event.Tool != nil {
				result.ToolCalls = append(result.ToolCalls, *event.Tool)
			}
		case EventUsage:
			if event.Use != nil {
				result.Usage.InputTokens += event.Use.InputTokens
				result.Usage.OutputTokens += event.Use.OutputTokens
			}
		case EventError:
			if event.Err != nil {
				return nil, event.Err
			}
		}
	}

	return &result, nil
}
