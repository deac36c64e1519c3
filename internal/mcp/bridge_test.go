package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vireohq/chatcore/internal/llm"
)

// fakeRouter scripts tool routing for bridge tests.
type fakeRouter struct {
	tools []ToolSpec
	call  func(ctx context.Context, name string, args json.RawMessage) (string, error)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func (f *fakeRouter) AllTools() []ToolSpec {
	return f.tools
}

func (f *fakeRouter) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	current := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if current <= max || f.maxInFlight.CompareAndSwap(max, current) {
			break
		}
	}
	if f.call != nil {
		return f.call(ctx, name, args)
	}
	return "output of " + name, nil
}

func testCall(id, name string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(`{}`)}
}

func TestBuildToolset(t *testing.T) {
	bridge := &Bridge{registry: &fakeRouter{tools: []ToolSpec{
		{Name: "files__read", Description: "[files] Read", Schema: map[string]any{"type": "object"}},
	}}}

	specs := bridge.BuildToolset()
	if len(specs) != 1 {
		t.Fatalf("BuildToolset() = %d specs, want 1", len(specs))
	}
	if specs[0].Name != "files__read" {
		t.Errorf("spec name = %q", specs[0].Name)
	}
	if specs[0].Schema["type"] != "object" {
		t.Errorf("spec schema = %v", specs[0].Schema)
	}
}

func TestInvokeSuccess(t *testing.T) {
	bridge := &Bridge{registry: &fakeRouter{}}

	result, err := bridge.Invoke(context.Background(), testCall("c1", "files__read"))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if result.IsError {
		t.Error("unexpected error result")
	}
	if result.Content != "output of files__read" {
		t.Errorf("content = %q", result.Content)
	}
	if result.ID != "c1" {
		t.Errorf("result id = %q", result.ID)
	}
}

func TestInvokeToolFailureBecomesErrorResult(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"not found", &ToolNotFoundError{Name: "files__missing"}, "tool not found"},
		{"bad arguments", &ToolArgumentError{Name: "files__read", Reason: "path is required"}, "invalid arguments"},
		{"invocation failure", &ToolInvocationError{Name: "files__read", Err: errors.New("disk on fire")}, "disk on fire"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bridge := &Bridge{registry: &fakeRouter{
				call: func(ctx context.Context, name string, args json.RawMessage) (string, error) {
					return "", tt.err
				},
			}}

			result, err := bridge.Invoke(context.Background(), testCall("c1", "files__read"))
			if err != nil {
				t.Fatalf("tool failure must not be a Go error: %v", err)
			}
			if !result.IsError {
				t.Fatal("expected an error result")
			}
			if !strings.Contains(result.Content, tt.want) {
				t.Errorf("content = %q, want substring %q", result.Content, tt.want)
			}
		})
	}
}

func TestInvokeCancellationIsError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	bridge := &Bridge{registry: &fakeRouter{
		call: func(ctx context.Context, name string, args json.RawMessage) (string, error) {
			cancel()
			return "", ctx.Err()
		},
	}}

	_, err := bridge.Invoke(ctx, testCall("c1", "files__read"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}
}

func TestInvokeAllPreservesRequestOrder(t *testing.T) {
	// Later calls finish first; results must still come back in request
	// order
	bridge := &Bridge{registry: &fakeRouter{
		call: func(ctx context.Context, name string, args json.RawMessage) (string, error) {
			var idx int
			fmt.Sscanf(name, "srv__tool%d", &idx)
			time.Sleep(time.Duration(8-idx) * 5 * time.Millisecond)
			return name, nil
		},
	}}

	calls := make([]llm.ToolCall, 0, 8)
	for i := 0; i < 8; i++ {
		calls = append(calls, testCall(fmt.Sprintf("c%d", i), fmt.Sprintf("srv__tool%d", i)))
	}

	results, err := bridge.InvokeAll(context.Background(), calls)
	if err != nil {
		t.Fatalf("InvokeAll: %v", err)
	}
	if len(results) != len(calls) {
		t.Fatalf("got %d results, want %d", len(results), len(calls))
	}
	for i, result := range results {
		if want := fmt.Sprintf("srv__tool%d", i); result.Content != want {
			t.Errorf("results[%d] = %q, want %q", i, result.Content, want)
		}
	}
}

func TestInvokeAllBoundsParallelism(t *testing.T) {
	router := &fakeRouter{
		call: func(ctx context.Context, name string, args json.RawMessage) (string, error) {
			time.Sleep(20 * time.Millisecond)
			return "ok", nil
		},
	}
	bridge := &Bridge{registry: router}

	calls := make([]llm.ToolCall, 0, 12)
	for i := 0; i < 12; i++ {
		calls = append(calls, testCall(fmt.Sprintf("c%d", i), "srv__tool"))
	}

	if _, err := bridge.InvokeAll(context.Background(), calls); err != nil {
		t.Fatalf("InvokeAll: %v", err)
	}

	if got := router.maxInFlight.Load(); got > maxParallelInvocations {
		t.Errorf("observed %d concurrent invocations, limit is %d", got, maxParallelInvocations)
	}
}

func TestInvokeAllEmpty(t *testing.T) {
	bridge := &Bridge{registry: &fakeRouter{}}
	results, err := bridge.InvokeAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("InvokeAll: %v", err)
	}
	if results != nil {
		t.Errorf("expected nil results, got %v", results)
	}
}
