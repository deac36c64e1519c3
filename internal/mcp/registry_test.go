package mcp

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestParseToolName(t *testing.T) {
	tests := []struct {
		full       string
		wantServer string
		wantTool   string
	}{
		{"files__read", "files", "read"},
		{"files__read__nested", "files", "read__nested"},
		{"noprefix", "", "noprefix"},
		{"__leading", "", "leading"},
		{"trailing__", "trailing", ""},
	}

	for _, tt := range tests {
		server, tool := parseToolName(tt.full)
		if server != tt.wantServer || tool != tt.wantTool {
			t.Errorf("parseToolName(%q) = (%q, %q), want (%q, %q)",
				tt.full, server, tool, tt.wantServer, tt.wantTool)
		}
	}
}

// connectedRegistry builds a registry with a hand-wired connected client
// carrying the given tools. The client has no live session, so only methods
// that stop short of the wire are usable.
func connectedRegistry(serverName string, tools []ToolSpec) *Registry {
	r := NewRegistry()
	client := NewClient(serverName, ServerConfig{Command: "true"})
	client.state = StateConnected
	client.tools = tools
	r.states[serverName] = &ServerState{
		Name:   serverName,
		State:  StateConnected,
		Client: client,
	}
	r.clients[serverName] = client
	return r
}

func TestAllToolsPrefixing(t *testing.T) {
	r := connectedRegistry("files", []ToolSpec{
		{Name: "read", Description: "Read a file", Schema: map[string]any{"type": "object"}},
		{Name: "write", Description: "Write a file"},
	})

	tools := r.AllTools()
	if len(tools) != 2 {
		t.Fatalf("AllTools() returned %d tools, want 2", len(tools))
	}
	byName := make(map[string]ToolSpec, len(tools))
	for _, tool := range tools {
		byName[tool.Name] = tool
	}

	read, ok := byName["files__read"]
	if !ok {
		t.Fatalf("missing prefixed tool, got %v", byName)
	}
	if read.Description != "[files] Read a file" {
		t.Errorf("description = %q", read.Description)
	}
	if read.Schema["type"] != "object" {
		t.Errorf("schema not carried through: %v", read.Schema)
	}
}

func TestAllToolsSkipsDisconnected(t *testing.T) {
	r := connectedRegistry("files", []ToolSpec{{Name: "read"}})
	r.states["down"] = &ServerState{Name: "down", State: StateFailed}

	tools := r.AllTools()
	if len(tools) != 1 {
		t.Errorf("AllTools() = %d tools, want 1 (failed server excluded)", len(tools))
	}
}

func TestCallToolUnknownServer(t *testing.T) {
	r := NewRegistry()

	_, err := r.CallTool(context.Background(), "ghost__read", nil)
	var notFound *ToolNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want ToolNotFoundError", err)
	}
	if notFound.Name != "ghost__read" {
		t.Errorf("error names %q", notFound.Name)
	}
}

func TestCallToolUnprefixedName(t *testing.T) {
	r := connectedRegistry("files", []ToolSpec{{Name: "read"}})

	_, err := r.CallTool(context.Background(), "read", nil)
	var notFound *ToolNotFoundError
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want ToolNotFoundError for unprefixed name", err)
	}
}

func TestCallToolDisconnectedServer(t *testing.T) {
	r := NewRegistry()
	r.states["files"] = &ServerState{Name: "files", State: StateFailed}

	_, err := r.CallTool(context.Background(), "files__read", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
}

func TestClientCallToolNotConnected(t *testing.T) {
	client := NewClient("files", ServerConfig{Command: "true"})

	_, err := client.CallTool(context.Background(), "read", nil)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("error = %v, want ErrNotConnected", err)
	}
}

func TestRegistryServerStateDefaults(t *testing.T) {
	r := NewRegistry()

	state, err := r.ServerState("unknown")
	if err != nil {
		t.Fatalf("ServerState: %v", err)
	}
	if state != StateDisconnected {
		t.Errorf("state = %q, want disconnected", state)
	}
}

func TestConnectRequiresConfig(t *testing.T) {
	r := NewRegistry()
	if err := r.Connect(context.Background(), "files"); err == nil {
		t.Error("expected error connecting with no configuration loaded")
	}
}

func TestConnectAllStopsReplacedClient(t *testing.T) {
	r := NewRegistry()
	old := NewClient("files", ServerConfig{Command: "true"})
	old.state = StateConnected
	r.clients["files"] = old
	r.states["files"] = &ServerState{Name: "files", State: StateConnected, Client: old}
	r.config = &Config{Servers: map[string]ServerConfig{
		"files": {Command: "/nonexistent-mcp-server"},
	}}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// The reconnect itself fails (no such binary); what matters is that
	// the client it replaced got stopped rather than leaked
	_ = r.ConnectAll(ctx)
	defer r.StopAll()

	if got := old.State(); got != StateDisconnected {
		t.Errorf("replaced client state = %q, want %q", got, StateDisconnected)
	}
}

func TestStatusChannelNonBlocking(t *testing.T) {
	r := NewRegistry()
	ch := make(chan StatusUpdate, 1)
	r.SetStatusChannel(ch)

	// Second send lands on a full channel and must not block
	r.sendStatus("a", StateConnecting, nil)
	r.sendStatus("b", StateConnected, nil)

	update := <-ch
	if update.Name != "a" || update.State != StateConnecting {
		t.Errorf("first update = %+v", update)
	}
}
