package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os/exec"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ToolSpec describes a tool available from an MCP server.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// ConnState tracks the lifecycle of a server connection.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateConnected    ConnState = "connected"
	StateFailed       ConnState = "failed"
)

// defaultCallTimeout bounds a single tool invocation when the caller's
// context carries no deadline of its own.
const defaultCallTimeout = 30 * time.Second

// Client wraps a connection to one MCP server.
type Client struct {
	name        string
	config      ServerConfig
	callTimeout time.Duration

	mu      sync.RWMutex
	client  *mcp.Client
	session *mcp.ClientSession
	state   ConnState
	tools   []ToolSpec
	schemas map[string]*jsonschema.Schema // compiled schemas keyed by tool name
}

// NewClient creates a new MCP client for the given server configuration.
func NewClient(name string, config ServerConfig) *Client {
	return &Client{
		name:        name,
		config:      config,
		state:       StateDisconnected,
		callTimeout: defaultCallTimeout,
	}
}

// Name returns the server name.
func (c *Client) Name() string {
	return c.name
}

// State returns the current connection state.
func (c *Client) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// SetCallTimeout overrides the per-call timeout applied when the caller's
// context has no deadline.
func (c *Client) SetCallTimeout(d time.Duration) {
	if d > 0 {
		c.callTimeout = d
	}
}

// Start connects to the MCP server and loads its tool list.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected || c.state == StateConnecting {
		return nil
	}
	c.state = StateConnecting

	c.client = mcp.NewClient(&mcp.Implementation{
		Name:    "chatcore",
		Version: "1.0.0",
	}, nil)

	transport, err := c.buildTransport(ctx)
	if err != nil {
		c.state = StateFailed
		return err
	}

	session, err := c.client.Connect(ctx, transport, nil)
	if err != nil {
		c.state = StateFailed
		return fmt.Errorf("connect to MCP server %s: %w", c.name, err)
	}
	c.session = session

	if err := c.refreshToolsLocked(ctx); err != nil {
		c.session.Close()
		c.session = nil
		c.state = StateFailed
		return fmt.Errorf("list tools from %s: %w", c.name, err)
	}

	c.state = StateConnected
	return nil
}

func (c *Client) buildTransport(ctx context.Context) (mcp.Transport, error) {
	switch c.config.TransportType() {
	case "http":
		httpClient := &http.Client{Timeout: 0} // Streaming, no overall timeout
		return &mcp.StreamableClientTransport{
			Endpoint:   c.config.URL,
			HTTPClient: httpClient,
		}, nil
	default:
		cmd := exec.CommandContext(ctx, c.config.Command, c.config.Args...)
		for k, v := range c.config.Env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, v))
		}
		return &mcp.CommandTransport{Command: cmd}, nil
	}
}

// Stop closes the MCP server connection.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateDisconnected {
		return nil
	}

	var err error
	if c.session != nil {
		err = c.session.Close()
		c.session = nil
	}
	c.state = StateDisconnected
	c.tools = nil
	c.schemas = nil
	return err
}

// Tools returns the tools advertised by this server at connect time.
func (c *Client) Tools() []ToolSpec {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tools
}

// RefreshTools re-queries the server's tool list. Servers may add or remove
// tools while connected.
func (c *Client) RefreshTools(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.session == nil {
		return ErrNotConnected
	}
	return c.refreshToolsLocked(ctx)
}

func (c *Client) refreshToolsLocked(ctx context.Context) error {
	result, err := c.session.ListTools(ctx, nil)
	if err != nil {
		return err
	}

	c.tools = make([]ToolSpec, 0, len(result.Tools))
	c.schemas = make(map[string]*jsonschema.Schema, len(result.Tools))
	for _, t := range result.Tools {
		schema := make(map[string]any)
		if t.InputSchema != nil {
			if m, ok := t.InputSchema.(map[string]any); ok {
				schema = m
			}
		}
		c.tools = append(c.tools, ToolSpec{
			Name:        t.Name,
			Description: t.Description,
			Schema:      schema,
		})
		if compiled, err := compileSchema(schema); err == nil {
			c.schemas[t.Name] = compiled
		}
	}
	return nil
}

// compileSchema compiles a tool input schema for argument validation.
func compileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("empty schema")
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", any(schema)); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

// CallTool invokes a tool on the MCP server. Arguments are validated against
// the tool's input schema before anything goes over the wire; validation
// failures come back as *ToolArgumentError so they can be surfaced to the
// model rather than failing the turn.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (string, error) {
	c.mu.RLock()
	session := c.session
	state := c.state
	compiled := c.schemas[name]
	known := false
	for _, t := range c.tools {
		if t.Name == name {
			known = true
			break
		}
	}
	c.mu.RUnlock()

	if state != StateConnected || session == nil {
		return "", fmt.Errorf("%s: %w", c.name, ErrNotConnected)
	}
	if !known {
		return "", &ToolNotFoundError{Name: name}
	}

	var arguments map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &arguments); err != nil {
			return "", &ToolArgumentError{Name: name, Reason: fmt.Sprintf("malformed JSON: %v", err)}
		}
	}

	if compiled != nil {
		// Round-trip through json so numbers validate as json.Number-free any
		var payload any
		if arguments == nil {
			payload = map[string]any{}
		} else {
			payload = toValidationPayload(arguments)
		}
		if err := compiled.Validate(payload); err != nil {
			return "", &ToolArgumentError{Name: name, Reason: err.Error()}
		}
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.callTimeout)
		defer cancel()
	}

	result, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return "", &ToolInvocationError{Name: name, Err: err}
	}

	if result.IsError {
		return "", &ToolInvocationError{Name: name, Err: fmt.Errorf("%s", formatContent(result.Content))}
	}

	return formatContent(result.Content), nil
}

func toValidationPayload(arguments map[string]any) any {
	data, err := json.Marshal(arguments)
	if err != nil {
		return arguments
	}
	var payload any
	if err := json.Unmarshal(data, &payload); err != nil {
		return arguments
	}
	return payload
}

// formatContent converts MCP content to a string.
func formatContent(content []mcp.Content) string {
	var result string
	for _, c := range content {
		switch v := c.(type) {
		case *mcp.TextContent:
			result += v.Text
		default:
			// For other content types, try JSON encoding
			if data, err := json.Marshal(c); err == nil {
				result += string(data)
			}
		}
	}
	return result
}
