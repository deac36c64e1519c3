package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// ServerState holds the state of a managed MCP server.
type ServerState struct {
	Name   string
	State  ConnState
	Error  error
	Client *Client
}

// StatusUpdate is sent when a server's connection state changes.
type StatusUpdate struct {
	Name  string
	State ConnState
	Error error
}

// Registry manages MCP server lifecycle and routes tool calls. Tool names
// are exposed with a "server__tool" prefix so tools from different servers
// never collide.
type Registry struct {
	config      *Config
	clients     map[string]*Client
	states      map[string]*ServerState
	callTimeout time.Duration
	mu          sync.RWMutex

	// Channel for status updates (optional, for delivery-layer notifications)
	statusChan chan StatusUpdate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*Client),
		states:  make(map[string]*ServerState),
	}
}

// LoadConfig loads the MCP configuration from the default path.
func (r *Registry) LoadConfig() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	return nil
}

// LoadConfigFromPath loads the MCP configuration from a specific path.
func (r *Registry) LoadConfigFromPath(path string) error {
	cfg, err := LoadConfigFromPath(path)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.config = cfg
	r.mu.Unlock()
	return nil
}

// Config returns the current configuration.
func (r *Registry) Config() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.config
}

// SetCallTimeout sets the per-call timeout applied to every managed client.
func (r *Registry) SetCallTimeout(d time.Duration) {
	r.mu.Lock()
	r.callTimeout = d
	for _, c := range r.clients {
		c.SetCallTimeout(d)
	}
	r.mu.Unlock()
}

// SetStatusChannel sets a channel to receive connection state updates.
func (r *Registry) SetStatusChannel(ch chan StatusUpdate) {
	r.mu.Lock()
	r.statusChan = ch
	r.mu.Unlock()
}

// sendStatus sends a status update if a channel is configured.
func (r *Registry) sendStatus(name string, state ConnState, err error) {
	r.mu.RLock()
	ch := r.statusChan
	r.mu.RUnlock()
	if ch != nil {
		select {
		case ch <- StatusUpdate{Name: name, State: state, Error: err}:
		default:
			// Don't block if channel is full
		}
	}
}

// AvailableServers returns the names of all configured servers.
func (r *Registry) AvailableServers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.config == nil {
		return nil
	}
	return r.config.ServerNames()
}

// ConnectedServers returns the names of servers currently connecting or
// connected.
func (r *Registry) ConnectedServers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var names []string
	for name, state := range r.states {
		if state.State == StateConnecting || state.State == StateConnected {
			names = append(names, name)
		}
	}
	return names
}

// ServerState returns the current state of a server.
func (r *Registry) ServerState(name string) (ConnState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[name]
	if !ok {
		return StateDisconnected, nil
	}
	return state.State, state.Error
}

// Connect starts an MCP server in the background (non-blocking). The server
// moves through connecting to connected or failed; progress is reported on
// the status channel.
func (r *Registry) Connect(ctx context.Context, name string) error {
	r.mu.Lock()
	if r.config == nil {
		r.mu.Unlock()
		return fmt.Errorf("no MCP configuration loaded")
	}
	serverCfg, ok := r.config.Servers[name]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown MCP server: %s", name)
	}

	if state, ok := r.states[name]; ok {
		if state.State == StateConnecting || state.State == StateConnected {
			r.mu.Unlock()
			return nil
		}
	}

	client := NewClient(name, serverCfg)
	if r.callTimeout > 0 {
		client.SetCallTimeout(r.callTimeout)
	}
	replaced := r.clients[name]
	r.clients[name] = client
	r.states[name] = &ServerState{
		Name:   name,
		State:  StateConnecting,
		Client: client,
	}
	r.mu.Unlock()

	if replaced != nil {
		replaced.Stop()
	}
	r.sendStatus(name, StateConnecting, nil)

	go func() {
		err := client.Start(ctx)

		r.mu.Lock()
		state := r.states[name]
		if err != nil {
			state.State = StateFailed
			state.Error = err
		} else {
			state.State = StateConnected
			state.Error = nil
		}
		r.mu.Unlock()

		r.sendStatus(name, state.State, err)
	}()

	return nil
}

// ConnectAll connects every configured server and blocks until each reaches
// connected or failed state, or the context is cancelled.
func (r *Registry) ConnectAll(ctx context.Context) error {
	names := r.AvailableServers()
	var wg sync.WaitGroup
	errs := make([]error, len(names))

	for i, name := range names {
		r.mu.RLock()
		serverCfg, ok := r.config.Servers[name]
		r.mu.RUnlock()
		if !ok {
			continue
		}

		client := NewClient(name, serverCfg)
		if r.callTimeout > 0 {
			client.SetCallTimeout(r.callTimeout)
		}
		r.mu.Lock()
		replaced := r.clients[name]
		r.clients[name] = client
		r.states[name] = &ServerState{Name: name, State: StateConnecting, Client: client}
		r.mu.Unlock()
		if replaced != nil {
			// A repeat ConnectAll swaps in a fresh client; the old one
			// still owns a transport until stopped
			replaced.Stop()
		}

		wg.Add(1)
		go func(i int, name string, client *Client) {
			defer wg.Done()
			err := client.Start(ctx)

			r.mu.Lock()
			state := r.states[name]
			if err != nil {
				state.State = StateFailed
				state.Error = err
				errs[i] = fmt.Errorf("%s: %w", name, err)
			} else {
				state.State = StateConnected
			}
			r.mu.Unlock()
			r.sendStatus(name, state.State, err)
		}(i, name, client)
	}

	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// Disconnect stops an MCP server.
func (r *Registry) Disconnect(name string) error {
	r.mu.Lock()
	client, ok := r.clients[name]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.clients, name)
	if state, ok := r.states[name]; ok {
		state.State = StateDisconnected
		state.Error = nil
		state.Client = nil
	}
	r.mu.Unlock()

	r.sendStatus(name, StateDisconnected, nil)

	return client.Stop()
}

// Restart stops and restarts an MCP server.
func (r *Registry) Restart(ctx context.Context, name string) error {
	if err := r.Disconnect(name); err != nil {
		return err
	}
	return r.Connect(ctx, name)
}

// StopAll stops all running MCP servers.
func (r *Registry) StopAll() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[string]*Client)
	r.states = make(map[string]*ServerState)
	r.mu.Unlock()

	for _, c := range clients {
		c.Stop()
	}
}

// AllTools returns all tools from all connected MCP servers, with names
// prefixed by server name.
func (r *Registry) AllTools() []ToolSpec {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var allTools []ToolSpec
	for name, state := range r.states {
		if state.State != StateConnected || state.Client == nil {
			continue
		}
		for _, tool := range state.Client.Tools() {
			allTools = append(allTools, ToolSpec{
				Name:        fmt.Sprintf("%s__%s", name, tool.Name),
				Description: fmt.Sprintf("[%s] %s", name, tool.Description),
				Schema:      tool.Schema,
			})
		}
	}
	return allTools
}

// CallTool routes a tool call to the owning MCP server. Tool names must be
// prefixed with "servername__". An unknown prefix or a server that is not
// connected surfaces as *ToolNotFoundError / ErrNotConnected, which the
// orchestrator passes to the model as protocol data.
func (r *Registry) CallTool(ctx context.Context, fullName string, args json.RawMessage) (string, error) {
	serverName, toolName := parseToolName(fullName)
	if serverName == "" {
		return "", &ToolNotFoundError{Name: fullName}
	}

	r.mu.RLock()
	state, ok := r.states[serverName]
	r.mu.RUnlock()

	if !ok {
		return "", &ToolNotFoundError{Name: fullName}
	}
	if state.State != StateConnected || state.Client == nil {
		return "", fmt.Errorf("%s: %w", serverName, ErrNotConnected)
	}

	return state.Client.CallTool(ctx, toolName, args)
}

// parseToolName extracts server name and tool name from a prefixed name.
func parseToolName(fullName string) (serverName, toolName string) {
	for i := 0; i < len(fullName)-1; i++ {
		if fullName[i] == '_' && fullName[i+1] == '_' {
			return fullName[:i], fullName[i+2:]
		}
	}
	return "", fullName
}

// AllStates returns the current state of all servers.
func (r *Registry) AllStates() []ServerState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make([]ServerState, 0, len(r.states))
	for _, state := range r.states {
		states = append(states, ServerState{
			Name:  state.Name,
			State: state.State,
			Error: state.Error,
		})
	}
	return states
}
