package history

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/vireohq/chatcore/internal/llm"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLoadHistoryUnknownSession(t *testing.T) {
	store := newTestStore(t)

	messages, err := store.LoadHistory(context.Background(), "nope")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(messages) != 0 {
		t.Errorf("expected empty transcript, got %d messages", len(messages))
	}
}

func TestAppendAndLoadRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	args := json.RawMessage(`{"path":"go.mod"}`)
	first := []llm.Message{
		llm.UserText("what module is this?"),
		{
			Role: llm.RoleAssistant,
			Parts: []llm.Part{
				{Type: llm.PartText, Text: "checking"},
				{Type: llm.PartToolCall, ToolCall: &llm.ToolCall{ID: "c1", Name: "files__read", Arguments: args}},
			},
		},
		llm.ToolResultMessage("c1", "files__read", "module chatcore"),
	}
	if err := store.AppendMessages(ctx, "sess-1", first); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}

	second := []llm.Message{llm.AssistantText("It is chatcore.")}
	if err := store.AppendMessages(ctx, "sess-1", second); err != nil {
		t.Fatalf("AppendMessages second batch: %v", err)
	}

	loaded, err := store.LoadHistory(ctx, "sess-1")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(loaded) != 4 {
		t.Fatalf("loaded %d messages, want 4", len(loaded))
	}
	if loaded[0].Role != llm.RoleUser {
		t.Errorf("first role = %q", loaded[0].Role)
	}
	if loaded[1].Parts[1].ToolCall == nil || loaded[1].Parts[1].ToolCall.ID != "c1" {
		t.Errorf("tool call part did not survive: %+v", loaded[1].Parts)
	}
	if loaded[2].Role != llm.RoleTool {
		t.Errorf("tool result role = %q", loaded[2].Role)
	}
	if loaded[3].Parts[0].Text != "It is chatcore." {
		t.Errorf("appended reply = %+v", loaded[3])
	}
}

func TestSessionsIsolated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AppendMessages(ctx, "a", []llm.Message{llm.UserText("for a")}); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if err := store.AppendMessages(ctx, "b", []llm.Message{llm.UserText("for b")}); err != nil {
		t.Fatalf("append b: %v", err)
	}

	loaded, err := store.LoadHistory(ctx, "a")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(loaded) != 1 || loaded[0].Parts[0].Text != "for a" {
		t.Errorf("session a transcript = %+v", loaded)
	}
}

func TestDeleteSessionCascades(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AppendMessages(ctx, "gone", []llm.Message{llm.UserText("hi")}); err != nil {
		t.Fatalf("AppendMessages: %v", err)
	}
	if err := store.DeleteSession(ctx, "gone"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	loaded, err := store.LoadHistory(ctx, "gone")
	if err != nil {
		t.Fatalf("LoadHistory: %v", err)
	}
	if len(loaded) != 0 {
		t.Errorf("expected cascade delete, got %d messages", len(loaded))
	}

	ids, err := store.SessionIDs(ctx)
	if err != nil {
		t.Fatalf("SessionIDs: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("expected no sessions, got %v", ids)
	}
}
