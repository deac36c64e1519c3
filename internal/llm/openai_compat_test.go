package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func sseChunk(t *testing.T, w io.Writer, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal chunk: %v", err)
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func TestOpenAICompatRequiresBaseURL(t *testing.T) {
	_, err := NewOpenAICompatProvider("", "", "llama3", "local")
	var configErr *ConfigError
	if !errors.As(err, &configErr) {
		t.Fatalf("error = %v, want ConfigError", err)
	}
}

func TestOpenAICompatStreamText(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req oaiChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if !req.Stream {
			t.Error("expected streaming request")
		}
		if req.StreamOptions == nil || !req.StreamOptions.IncludeUsage {
			t.Error("expected stream_options.include_usage")
		}

		w.Header().Set("Content-Type", "text/event-stream")
		sseChunk(t, w, oaiChatResponse{Choices: []oaiChoice{{Delta: &oaiMessage{Content: "Hello"}}}})
		sseChunk(t, w, oaiChatResponse{Choices: []oaiChoice{{Delta: &oaiMessage{Content: ", world"}}}})
		sseChunk(t, w, oaiChatResponse{Usage: &oaiUsage{PromptTokens: 12, CompletionTokens: 4}})
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p, err := NewOpenAICompatProvider(server.URL, "", "llama3", "local")
	if err != nil {
		t.Fatalf("NewOpenAICompatProvider: %v", err)
	}

	stream, err := p.Stream(context.Background(), Request{
		Messages: []Message{UserText("Hi")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	events, err := drainStream(t, stream)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	var text string
	var usage *Usage
	for _, event := range events {
		switch event.Type {
		case EventTextDelta:
			text += event.Text
		case EventUsage:
			usage = event.Use
		}
	}
	if text != "Hello, world" {
		t.Errorf("text = %q", text)
	}
	if usage == nil || usage.InputTokens != 12 || usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", usage)
	}
}

func TestOpenAICompatStreamToolCalls(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")

		// Arguments arrive in fragments across chunks
		first := oaiToolCall{Index: 0, ID: "call_9", Type: "function"}
		first.Function.Name = "files__read"
		first.Function.Arguments = `{"path":`
		sseChunk(t, w, oaiChatResponse{Choices: []oaiChoice{{Delta: &oaiMessage{ToolCalls: []oaiToolCall{first}}}}})

		second := oaiToolCall{Index: 0}
		second.Function.Arguments = `"go.mod"}`
		sseChunk(t, w, oaiChatResponse{Choices: []oaiChoice{{Delta: &oaiMessage{ToolCalls: []oaiToolCall{second}}}}})

		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	p, err := NewOpenAICompatProvider(server.URL, "", "llama3", "local")
	if err != nil {
		t.Fatalf("NewOpenAICompatProvider: %v", err)
	}

	stream, err := p.Stream(context.Background(), Request{
		Messages: []Message{UserText("read go.mod")},
		Tools: []ToolSpec{{
			Name:   "files__read",
			Schema: map[string]any{"type": "object"},
		}},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	events, err := drainStream(t, stream)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}

	var call *ToolCall
	for _, event := range events {
		if event.Type == EventToolCall {
			call = event.Tool
		}
	}
	if call == nil {
		t.Fatal("expected a tool call event")
	}
	if call.ID != "call_9" || call.Name != "files__read" {
		t.Errorf("call = %+v", call)
	}
	var args map[string]string
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		t.Fatalf("fragmented arguments did not reassemble: %v", err)
	}
	if args["path"] != "go.mod" {
		t.Errorf("args = %v", args)
	}
}

func TestOpenAICompatStreamAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		fmt.Fprint(w, `{"error":{"type":"rate_limit_error","message":"slow down"}}`)
	}))
	defer server.Close()

	p, err := NewOpenAICompatProvider(server.URL, "", "llama3", "local")
	if err != nil {
		t.Fatalf("NewOpenAICompatProvider: %v", err)
	}

	stream, err := p.Stream(context.Background(), Request{
		Messages: []Message{UserText("Hi")},
	})
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}

	_, err = drainStream(t, stream)
	if err == nil {
		t.Fatal("expected an error from a 429 response")
	}
	if !IsRetryable(err) {
		t.Errorf("429 error should be retryable: %v", err)
	}
}

func TestOpenAICompatListModels(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/models" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("auth header = %q", got)
		}
		fmt.Fprint(w, `{"data":[{"id":"llama3"},{"id":"qwen2"}]}`)
	}))
	defer server.Close()

	p, err := NewOpenAICompatProvider(server.URL, "secret", "llama3", "local")
	if err != nil {
		t.Fatalf("NewOpenAICompatProvider: %v", err)
	}

	models, err := p.ListModels(context.Background())
	if err != nil {
		t.Fatalf("ListModels: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3" || models[1] != "qwen2" {
		t.Errorf("models = %v", models)
	}
}

func TestBuildCompatMessages(t *testing.T) {
	callArgs := json.RawMessage(`{"path":"a"}`)
	messages := []Message{
		SystemText("be helpful"),
		UserText("read a"),
		{
			Role: RoleAssistant,
			Parts: []Part{
				{Type: PartText, Text: "reading"},
				{Type: PartToolCall, ToolCall: &ToolCall{ID: "c1", Name: "files__read", Arguments: callArgs}},
			},
		},
		ToolResultMessage("c1", "files__read", "contents of a"),
	}

	out := buildCompatMessages(messages)
	if len(out) != 4 {
		t.Fatalf("built %d messages, want 4", len(out))
	}
	if out[0].Role != "system" || out[1].Role != "user" {
		t.Errorf("roles = %q, %q", out[0].Role, out[1].Role)
	}
	if out[2].Role != "assistant" || len(out[2].ToolCalls) != 1 {
		t.Errorf("assistant message = %+v", out[2])
	}
	if out[2].ToolCalls[0].Function.Name != "files__read" {
		t.Errorf("tool call = %+v", out[2].ToolCalls[0])
	}
	if out[3].Role != "tool" || out[3].ToolCallID != "c1" {
		t.Errorf("tool message = %+v", out[3])
	}
}

func TestBuildCompatMessagesDeveloperRole(t *testing.T) {
	out := buildCompatMessages([]Message{
		{Role: RoleDeveloper, Parts: []Part{{Type: PartText, Text: "use short answers"}}},
	})
	if len(out) != 1 || out[0].Role != "system" {
		t.Errorf("developer message mapped to %+v", out)
	}
}

func TestBuildCompatToolChoice(t *testing.T) {
	tests := []struct {
		name   string
		choice ToolChoice
		want   any
	}{
		{"auto", ToolChoice{Mode: ToolChoiceAuto}, "auto"},
		{"none", ToolChoice{Mode: ToolChoiceNone}, "none"},
		{"required", ToolChoice{Mode: ToolChoiceRequired}, "required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := buildCompatToolChoice(tt.choice); got != tt.want {
				t.Errorf("buildCompatToolChoice = %v, want %v", got, tt.want)
			}
		})
	}

	named := buildCompatToolChoice(ToolChoice{Mode: ToolChoiceName, Name: "files__read"})
	obj, ok := named.(map[string]any)
	if !ok {
		t.Fatalf("named choice = %T", named)
	}
	fn, ok := obj["function"].(map[string]string)
	if !ok || fn["name"] != "files__read" {
		t.Errorf("named choice = %v", named)
	}
}

func TestCompatToolStateOrdersByIndex(t *testing.T) {
	state := newCompatToolState()

	second := oaiToolCall{Index: 1, ID: "b"}
	second.Function.Name = "tool_b"
	second.Function.Arguments = "{}"
	first := oaiToolCall{Index: 0, ID: "a"}
	first.Function.Name = "tool_a"
	first.Function.Arguments = "{}"

	// Index 1 arrives before index 0
	state.Add([]oaiToolCall{second})
	state.Add([]oaiToolCall{first})

	calls := state.Calls()
	if len(calls) != 2 {
		t.Fatalf("got %d calls, want 2", len(calls))
	}
	if calls[0].ID != "a" || calls[1].ID != "b" {
		t.Errorf("calls out of index order: %v, %v", calls[0].ID, calls[1].ID)
	}
}

func TestChooseModel(t *testing.T) {
	if got := chooseModel("requested", "fallback"); got != "requested" {
		t.Errorf("chooseModel = %q", got)
	}
	if got := chooseModel("", "fallback"); got != "fallback" {
		t.Errorf("chooseModel = %q", got)
	}
}
