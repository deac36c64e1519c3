package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// MockTurn describes one scripted provider response. Each call to Stream
// consumes the next turn in order.
type MockTurn struct {
	Text      string
	ToolCalls []ToolCall
	Err       error // Ends the stream after Text's deltas, before tool calls
	Usage     *Usage
	Delay     time.Duration // Applied before the first event
}

// MockProvider is a scripted provider for tests. Responses are queued as
// turns; every request the provider sees is recorded for assertions.
type MockProvider struct {
	name string
	caps Capabilities

	mu    sync.Mutex
	turns []MockTurn
	turn  int

	// Requests records every request passed to Stream, in order.
	Requests []Request
}

// NewMockProvider creates a mock provider with tool calls enabled.
func NewMockProvider(name string) *MockProvider {
	return &MockProvider{
		name: name,
		caps: Capabilities{
			ToolCalls:          true,
			SupportsToolChoice: true,
		},
	}
}

// WithCapabilities overrides the advertised capabilities.
func (p *MockProvider) WithCapabilities(caps Capabilities) *MockProvider {
	p.caps = caps
	return p
}

// AddTurn appends a scripted turn.
func (p *MockProvider) AddTurn(turn MockTurn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.turns = append(p.turns, turn)
}

// AddTextResponse appends a turn that streams text and reports usage.
func (p *MockProvider) AddTextResponse(text string) {
	p.AddTurn(MockTurn{
		Text:  text,
		Usage: &Usage{InputTokens: 10, OutputTokens: 5},
	})
}

// AddToolCall appends a turn that requests a single tool call.
func (p *MockProvider) AddToolCall(id, name string, args any) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		argsJSON = []byte("{}")
	}
	p.AddTurn(MockTurn{
		ToolCalls: []ToolCall{{ID: id, Name: name, Arguments: argsJSON}},
		Usage:     &Usage{InputTokens: 10, OutputTokens: 5},
	})
}

// AddError appends a turn that fails mid-stream.
func (p *MockProvider) AddError(err error) {
	p.AddTurn(MockTurn{Err: err})
}

// Reset clears recorded requests and rewinds to the first turn.
func (p *MockProvider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Requests = nil
	p.turn = 0
}

// CurrentTurn returns the index of the next turn to be consumed.
func (p *MockProvider) CurrentTurn() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.turn
}

func (p *MockProvider) Name() string {
	return p.name
}

func (p *MockProvider) Capabilities() Capabilities {
	return p.caps
}

func (p *MockProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	if p.turn >= len(p.turns) {
		p.mu.Unlock()
		return nil, fmt.Errorf("mock provider %s: no more turns configured (consumed %d)", p.name, p.turn)
	}
	turn := p.turns[p.turn]
	p.turn++
	p.mu.Unlock()

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		if turn.Delay > 0 {
			select {
			case <-time.After(turn.Delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		for _, chunk := range chunkText(turn.Text, 10) {
			select {
			case events <- Event{Type: EventTextDelta, Text: chunk}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if turn.Err != nil {
			return turn.Err
		}

		for i := range turn.ToolCalls {
			call := turn.ToolCalls[i]
			select {
			case events <- Event{Type: EventToolCall, Tool: &call}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if turn.Usage != nil {
			select {
			case events <- Event{Type: EventUsage, Use: turn.Usage}:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		select {
		case events <- Event{Type: EventDone}:
		case <-ctx.Done():
			return ctx.Err()
		}
		return nil
	}), nil
}

// chunkText splits text into chunks of at most size bytes, so mock streams
// deliver multiple deltas like real providers do.
func chunkText(text string, size int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	for len(text) > size {
		chunks = append(chunks, text[:size])
		text = text[size:]
	}
	return append(chunks, text)
}
