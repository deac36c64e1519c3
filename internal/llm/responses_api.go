package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ResponsesClient makes raw HTTP calls to Open Responses-compliant endpoints.
// See https://www.openresponses.org/specification
type ResponsesClient struct {
	BaseURL       string            // Full URL for responses endpoint (e.g., "https://api.openai.com/v1/responses")
	GetAuthHeader func() string     // Dynamic auth (allows token refresh)
	ExtraHeaders  map[string]string // Provider-specific headers
	HTTPClient    *http.Client      // HTTP client to use
}

// ResponsesRequest follows the Open Responses spec
type ResponsesRequest struct {
	Model             string               `json:"model"`
	Input             []ResponsesInputItem `json:"input"`
	Tools             []any                `json:"tools,omitempty"`
	ToolChoice        any                  `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool                `json:"parallel_tool_calls,omitempty"`
	MaxOutputTokens   int                  `json:"max_output_tokens,omitempty"`
	Temperature       *float64             `json:"temperature,omitempty"`
	TopP              *float64             `json:"top_p,omitempty"`
	Stream            bool                 `json:"stream"`
}

// ResponsesInputItem represents an input item in the Open Responses format
type ResponsesInputItem struct {
	Type    string `json:"type"`
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`
	// For function_call type
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	// For function_call_output type
	Output string `json:"output,omitempty"`
}

// ResponsesTool represents a tool definition in Open Responses format
type ResponsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict,omitempty"`
}

type responsesOutputItem struct {
	Type    string                   `json:"type"` // "message" or "function_call"
	Content []responsesOutputContent `json:"content,omitempty"`
	// For function_call
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type responsesOutputContent struct {
	Type    string `json:"type"` // "output_text" or "refusal"
	Text    string `json:"text,omitempty"`
	Refusal string `json:"refusal,omitempty"`
}

type responsesUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type responsesError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// BuildResponsesInput converts []Message to Open Responses input format
func BuildResponsesInput(messages []Message) []ResponsesInputItem {
	var inputItems []ResponsesInputItem

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem, RoleDeveloper:
			// The Responses API uses the developer role for instructions
			inputItems = append(inputItems, buildResponsesMessageItems("developer", msg.Parts)...)
		case RoleUser:
			inputItems = append(inputItems, buildResponsesMessageItems("user", msg.Parts)...)
		case RoleAssistant:
			inputItems = append(inputItems, buildResponsesMessageItems("assistant", msg.Parts)...)
		case RoleTool:
			for _, part := range msg.Parts {
				if part.Type != PartToolResult || part.ToolResult == nil {
					continue
				}
				callID := strings.TrimSpace(part.ToolResult.ID)
				if callID == "" {
					continue
				}
				inputItems = append(inputItems, ResponsesInputItem{
					Type:   "function_call_output",
					CallID: callID,
					Output: part.ToolResult.Content,
				})
			}
		}
	}

	return inputItems
}

func buildResponsesMessageItems(role string, parts []Part) []ResponsesInputItem {
	var items []ResponsesInputItem
	var textBuf strings.Builder

	flushText := func() {
		if textBuf.Len() == 0 {
			return
		}
		items = append(items, ResponsesInputItem{
			Type:    "message",
			Role:    role,
			Content: textBuf.String(),
		})
		textBuf.Reset()
	}

	for _, part := range parts {
		switch part.Type {
		case PartText:
			if part.Text != "" {
				textBuf.WriteString(part.Text)
			}
		case PartToolCall:
			if part.ToolCall == nil {
				continue
			}
			flushText()
			callID := strings.TrimSpace(part.ToolCall.ID)
			if callID == "" {
				continue
			}
			args := strings.TrimSpace(string(part.ToolCall.Arguments))
			if args == "" {
				args = "{}"
			}
			items = append(items, ResponsesInputItem{
				Type:      "function_call",
				CallID:    callID,
				Name:      part.ToolCall.Name,
				Arguments: args,
			})
		}
	}

	flushText()
	return items
}

// BuildResponsesTools converts []ToolSpec to Open Responses format with schema normalization
func BuildResponsesTools(specs []ToolSpec) []any {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]any, 0, len(specs))
	for _, spec := range specs {
		// Normalize schema for OpenAI's strict requirements
		schema := normalizeSchemaForOpenAI(spec.Schema)
		tools = append(tools, ResponsesTool{
			Type:        "function",
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  schema,
			Strict:      true,
		})
	}
	return tools
}

// BuildResponsesToolChoice converts ToolChoice to Open Responses format
func BuildResponsesToolChoice(choice ToolChoice) any {
	switch choice.Mode {
	case ToolChoiceNone:
		return "none"
	case ToolChoiceRequired:
		return "required"
	case ToolChoiceAuto:
		return "auto"
	case ToolChoiceName:
		return map[string]any{
			"type": "function",
			"name": choice.Name,
		}
	default:
		return nil
	}
}

// Stream makes a streaming request to the Responses API and returns events via a Stream
func (c *ResponsesClient) Stream(ctx context.Context, req ResponsesRequest) (Stream, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	if c.GetAuthHeader != nil {
		httpReq.Header.Set("Authorization", c.GetAuthHeader())
	}
	for key, value := range c.ExtraHeaders {
		httpReq.Header.Set(key, value)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = defaultHTTPClient
	}

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Provider: "openai", Err: err}
	}

	// Check for error responses synchronously so retry logic can handle them
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
			return nil, fmt.Errorf("Responses API authentication failed (status %d): token may be invalid or expired", resp.StatusCode)
		}
		return nil, fmt.Errorf("Responses API error (status %d): %s", resp.StatusCode, string(respBody))
	}

	return newEventStream(ctx, func(ctx context.Context, events chan<- Event) error {
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)

		toolState := newResponsesToolState()
		var lastUsage *Usage
		var lastEventType string
		var sawTextDelta bool

		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				lastEventType = strings.TrimPrefix(line, "event: ")
				continue
			}
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			switch lastEventType {
			case "response.output_text.delta":
				var deltaEvent struct {
					Delta string `json:"delta"`
				}
				if err := json.Unmarshal([]byte(data), &deltaEvent); err == nil && deltaEvent.Delta != "" {
					sawTextDelta = true
					events <- Event{Type: EventTextDelta, Text: deltaEvent.Delta}
				}

			case "response.output_item.added":
				var itemEvent struct {
					Item        responsesOutputItem `json:"item"`
					OutputIndex int                 `json:"output_index"`
				}
				if err := json.Unmarshal([]byte(data), &itemEvent); err == nil {
					if itemEvent.Item.Type == "function_call" {
						// output_index is the stable key across events, CallID is the ID
						// sent back in tool results
						toolState.StartCall(itemEvent.OutputIndex, itemEvent.Item.CallID, itemEvent.Item.Name)
					}
				}

			case "response.function_call_arguments.delta":
				var argEvent struct {
					OutputIndex int    `json:"output_index"`
					Delta       string `json:"delta"`
				}
				if err := json.Unmarshal([]byte(data), &argEvent); err == nil {
					toolState.AppendArguments(argEvent.OutputIndex, argEvent.Delta)
				}

			case "response.output_item.done":
				var doneEvent struct {
					Item        responsesOutputItem `json:"item"`
					OutputIndex int                 `json:"output_index"`
				}
				if err := json.Unmarshal([]byte(data), &doneEvent); err == nil {
					switch doneEvent.Item.Type {
					case "function_call":
						toolState.FinishCall(doneEvent.OutputIndex, doneEvent.Item.CallID, doneEvent.Item.Name, doneEvent.Item.Arguments)
					case "message":
						// Text normally arrives via output_text.delta events. Fall
						// back to emitting here if no deltas were seen. Refusals may
						// never be streamed, so always emit those.
						for _, content := range doneEvent.Item.Content {
							if content.Type == "output_text" && content.Text != "" && !sawTextDelta {
								events <- Event{Type: EventTextDelta, Text: content.Text}
							} else if content.Type == "refusal" && content.Refusal != "" {
								events <- Event{Type: EventTextDelta, Text: content.Refusal}
							}
						}
					}
				}

			case "response.completed":
				var completedEvent struct {
					Response struct {
						ID    string          `json:"id"`
						Usage *responsesUsage `json:"usage,omitempty"`
					} `json:"response"`
				}
				if err := json.Unmarshal([]byte(data), &completedEvent); err == nil {
					if completedEvent.Response.Usage != nil {
						lastUsage = &Usage{
							InputTokens:  completedEvent.Response.Usage.InputTokens,
							OutputTokens: completedEvent.Response.Usage.OutputTokens,
						}
					}
				}

			case "response.failed", "error":
				var errorEvent struct {
					Error *responsesError `json:"error"`
				}
				if err := json.Unmarshal([]byte(data), &errorEvent); err == nil && errorEvent.Error != nil {
					return fmt.Errorf("Responses API error: %s", errorEvent.Error.Message)
				}
				return fmt.Errorf("Responses API error: unknown error")
			}

			lastEventType = ""
		}

		if err := scanner.Err(); err != nil {
			return &TransportError{Provider: "openai", Err: err}
		}

		for _, call := range toolState.Calls() {
			events <- Event{Type: EventToolCall, Tool: &call}
		}
		if lastUsage != nil {
			events <- Event{Type: EventUsage, Use: lastUsage}
		}
		events <- Event{Type: EventDone}
		return nil
	}), nil
}

// responsesToolState tracks streaming tool calls from the Responses API
type responsesToolState struct {
	calls map[int]*responsesToolCallState // keyed by output_index (stable across events)
	order []int
}

type responsesToolCallState struct {
	callID   string // Actual call ID (call_xxx) sent back in tool results
	name     string
	args     strings.Builder
	finished bool
}

func newResponsesToolState() *responsesToolState {
	return &responsesToolState{calls: make(map[int]*responsesToolCallState)}
}

func (s *responsesToolState) StartCall(outputIndex int, callID, name string) {
	if _, exists := s.calls[outputIndex]; exists {
		return
	}
	s.calls[outputIndex] = &responsesToolCallState{callID: callID, name: name}
	s.order = append(s.order, outputIndex)
}

func (s *responsesToolState) AppendArguments(outputIndex int, args string) {
	if state, ok := s.calls[outputIndex]; ok && !state.finished {
		state.args.WriteString(args)
	}
}

func (s *responsesToolState) FinishCall(outputIndex int, callID, name, finalArgs string) {
	state, ok := s.calls[outputIndex]
	if !ok {
		s.calls[outputIndex] = &responsesToolCallState{callID: callID, name: name}
		s.order = append(s.order, outputIndex)
		state = s.calls[outputIndex]
	}
	if finalArgs != "" {
		// Final args win over anything streamed
		state.args.Reset()
		state.args.WriteString(finalArgs)
	}
	if callID != "" {
		state.callID = callID
	}
	if name != "" && state.name == "" {
		state.name = name
	}
	state.finished = true
}

func (s *responsesToolState) Calls() []ToolCall {
	if len(s.order) == 0 {
		return nil
	}
	calls := make([]ToolCall, 0, len(s.order))
	for _, outputIndex := range s.order {
		state := s.calls[outputIndex]
		if state == nil {
			continue
		}
		args := state.args.String()
		if args == "" {
			args = "{}"
		}
		id := state.callID
		if id == "" {
			id = fmt.Sprintf("call_%d", outputIndex)
		}
		calls = append(calls, ToolCall{
			ID:        id,
			Name:      state.name,
			Arguments: json.RawMessage(args),
		})
	}
	return calls
}
