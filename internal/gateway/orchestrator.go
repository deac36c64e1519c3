package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/vireohq/chatcore/internal/llm"
)

const defaultMaxRounds = 8

// TurnStatus describes how a turn ended.
type TurnStatus string

const (
	StatusCompleted TurnStatus = "completed"
	StatusCancelled TurnStatus = "cancelled"
	StatusFailed    TurnStatus = "failed"
)

// TurnOutcome accumulates everything the ledger and the delivery layer need
// to know about a finished turn. Usage covers every round, including rounds
// that ran before a cancellation or failure.
type TurnOutcome struct {
	TurnID          string
	Provider        string
	Model           string
	Text            string
	Usage           llm.Usage
	Rounds          int
	ToolInvocations int
	Status          TurnStatus
	Err             error
}

// ToolBridge executes model-requested tool calls. Implemented by mcp.Bridge.
type ToolBridge interface {
	BuildToolset() []llm.ToolSpec
	InvokeAll(ctx context.Context, calls []llm.ToolCall) ([]llm.ToolResult, error)
}

// EventSink receives streaming events as they happen. A sink error aborts
// the turn, e.g. when the client connection is gone.
type EventSink func(llm.Event) error

// Orchestrator drives the multi-round tool-calling loop for one turn: stream
// the model, execute requested tools, feed results back, repeat until the
// model answers in text or the round ceiling hits.
type Orchestrator struct {
	provider  llm.Provider
	bridge    ToolBridge
	maxRounds int
}

// NewOrchestrator creates an orchestrator. bridge may be nil for turns with
// no tool access.
func NewOrchestrator(provider llm.Provider, bridge ToolBridge) *Orchestrator {
	return &Orchestrator{
		provider:  provider,
		bridge:    bridge,
		maxRounds: defaultMaxRounds,
	}
}

// SetMaxRounds overrides the tool round ceiling.
func (o *Orchestrator) SetMaxRounds(n int) {
	if n > 0 {
		o.maxRounds = n
	}
}

func (o *Orchestrator) rounds(req llm.Request) int {
	if req.MaxRounds > 0 {
		return req.MaxRounds
	}
	return o.maxRounds
}

// ExecuteTurn runs one full turn, sending events to sink as they stream.
// The returned outcome is always non-nil: even on cancellation or failure it
// carries the usage and text accumulated so far, which the caller settles
// against the ledger.
func (o *Orchestrator) ExecuteTurn(ctx context.Context, req llm.Request, sink EventSink) (*TurnOutcome, error) {
	outcome := &TurnOutcome{
		TurnID:   uuid.NewString(),
		Provider: o.provider.Name(),
		Model:    req.Model,
		Status:   StatusCompleted,
	}

	if o.bridge != nil && len(req.Tools) == 0 {
		req.Tools = o.bridge.BuildToolset()
	}
	caps := o.provider.Capabilities()
	useTools := len(req.Tools) > 0 && caps.ToolCalls

	err := o.runLoop(ctx, req, useTools, sink, outcome)
	if err != nil {
		outcome.Err = err
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			outcome.Status = StatusCancelled
		} else {
			outcome.Status = StatusFailed
		}
		return outcome, err
	}
	return outcome, nil
}

// Stream runs a turn behind the Stream interface, for callers that want
// pull-based consumption instead of a sink.
func (o *Orchestrator) Stream(ctx context.Context, req llm.Request) llm.Stream {
	return llm.NewEventStream(ctx, func(ctx context.Context, events chan<- llm.Event) error {
		_, err := o.ExecuteTurn(ctx, req, func(event llm.Event) error {
			select {
			case events <- event:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		return err
	})
}

func (o *Orchestrator) runLoop(ctx context.Context, req llm.Request, useTools bool, sink EventSink, outcome *TurnOutcome) error {
	maxRounds := o.rounds(req)
	var text strings.Builder
	defer func() {
		outcome.Text = text.String()
	}()

	for round := 0; round < maxRounds; round++ {
		outcome.Rounds = round + 1

		if round > 0 {
			// Follow-up rounds always run in auto mode so a forced first
			// call cannot loop forever
			req.ToolChoice = llm.ToolChoice{Mode: llm.ToolChoiceAuto}
		}

		toolCalls, roundText, use, err := o.streamRound(ctx, req, sink, 0)
		if err != nil {
			// One transient retry per round; config errors and
			// cancellations fall straight through
			if !llm.IsRetryable(err) || ctx.Err() != nil {
				text.WriteString(roundText)
				outcome.Usage.InputTokens += use.InputTokens
				outcome.Usage.OutputTokens += use.OutputTokens
				return err
			}
			if retryErr := sink(llm.Event{Type: llm.EventRetry, RetryAttempt: 1, RetryMaxAttempts: 2}); retryErr != nil {
				return retryErr
			}
			// The retry re-runs the whole round but must not replay
			// deltas the caller already received: the second attempt
			// skips that many bytes when forwarding, and only its own
			// text and usage count toward the outcome.
			toolCalls, roundText, use, err = o.streamRound(ctx, req, sink, len(roundText))
			if err != nil {
				text.WriteString(roundText)
				outcome.Usage.InputTokens += use.InputTokens
				outcome.Usage.OutputTokens += use.OutputTokens
				return err
			}
		}
		text.WriteString(roundText)
		outcome.Usage.InputTokens += use.InputTokens
		outcome.Usage.OutputTokens += use.OutputTokens

		if len(toolCalls) == 0 || !useTools {
			if err := sink(llm.Event{Type: llm.EventDone}); err != nil {
				return err
			}
			return nil
		}

		toolCalls = ensureToolCallIDs(toolCalls)
		toolCalls = dedupeToolCalls(toolCalls)

		if round == maxRounds-1 {
			return &llm.ToolLoopExceededError{Rounds: maxRounds}
		}

		for i := range toolCalls {
			call := toolCalls[i]
			if err := sink(llm.Event{Type: llm.EventToolExecStart, ToolCallID: call.ID, ToolName: call.Name}); err != nil {
				return err
			}
		}

		results, err := o.bridge.InvokeAll(ctx, toolCalls)
		if err != nil {
			return err
		}
		outcome.ToolInvocations += len(toolCalls)

		for i := range results {
			result := results[i]
			if err := sink(llm.Event{
				Type:        llm.EventToolExecEnd,
				ToolCallID:  result.ID,
				ToolName:    result.Name,
				ToolSuccess: !result.IsError,
			}); err != nil {
				return err
			}
		}

		req.Messages = append(req.Messages, buildAssistantMessage(roundText, toolCalls))
		req.Messages = append(req.Messages, buildToolResultMessages(results)...)
	}

	return &llm.ToolLoopExceededError{Rounds: maxRounds}
}

// streamRound runs a single provider stream and forwards events, returning
// the tool calls the model requested, the text of the round, and the usage
// the provider reported. On error the partial text and usage seen so far
// come back with it. skip suppresses forwarding of the first skip bytes of
// text, which a prior attempt at the same round already delivered.
func (o *Orchestrator) streamRound(ctx context.Context, req llm.Request, sink EventSink, skip int) ([]llm.ToolCall, string, llm.Usage, error) {
	stream, err := o.provider.Stream(ctx, req)
	if err != nil {
		return nil, "", llm.Usage{}, err
	}
	defer stream.Close()

	var (
		toolCalls []llm.ToolCall
		text      strings.Builder
		use       llm.Usage
	)
	for {
		event, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return toolCalls, text.String(), use, err
		}

		switch event.Type {
		case llm.EventError:
			if event.Err != nil {
				return toolCalls, text.String(), use, event.Err
			}
			continue
		case llm.EventUsage:
			if event.Use != nil {
				use.InputTokens += event.Use.InputTokens
				use.OutputTokens += event.Use.OutputTokens
			}
		case llm.EventTextDelta:
			start := text.Len()
			text.WriteString(event.Text)
			if text.Len() <= skip {
				continue
			}
			if start < skip {
				event.Text = event.Text[skip-start:]
			}
		case llm.EventToolCall:
			if event.Tool != nil {
				toolCalls = append(toolCalls, *event.Tool)
			}
			continue
		case llm.EventDone:
			continue
		}

		if err := sink(event); err != nil {
			return toolCalls, text.String(), use, err
		}
	}

	return toolCalls, text.String(), use, nil
}

func buildAssistantMessage(text string, toolCalls []llm.ToolCall) llm.Message {
	var parts []llm.Part
	if text != "" {
		parts = append(parts, llm.Part{Type: llm.PartText, Text: text})
	}
	for i := range toolCalls {
		call := toolCalls[i]
		parts = append(parts, llm.Part{Type: llm.PartToolCall, ToolCall: &call})
	}
	return llm.Message{Role: llm.RoleAssistant, Parts: parts}
}

func buildToolResultMessages(results []llm.ToolResult) []llm.Message {
	messages := make([]llm.Message, 0, len(results))
	for _, result := range results {
		if result.IsError {
			messages = append(messages, llm.ToolErrorMessage(result.ID, result.Name, result.Content))
		} else {
			messages = append(messages, llm.ToolResultMessage(result.ID, result.Name, result.Content))
		}
	}
	return messages
}

func ensureToolCallIDs(calls []llm.ToolCall) []llm.ToolCall {
	for i := range calls {
		if strings.TrimSpace(calls[i].ID) == "" {
			calls[i].ID = fmt.Sprintf("toolcall-%s", uuid.NewString()[:8])
		}
	}
	return calls
}

func dedupeToolCalls(calls []llm.ToolCall) []llm.ToolCall {
	if len(calls) < 2 {
		return calls
	}
	seen := make(map[string]struct{}, len(calls))
	out := make([]llm.ToolCall, 0, len(calls))
	for _, call := range calls {
		id := strings.TrimSpace(call.ID)
		if id == "" {
			out = append(out, call)
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, call)
	}
	return out
}
