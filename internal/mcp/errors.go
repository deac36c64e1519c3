package mcp

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when a tool call targets a server that is not
// in the connected state.
var ErrNotConnected = errors.New("mcp server not connected")

// ToolNotFoundError reports a tool call naming a tool no connected server
// advertises. It is protocol data: the orchestrator feeds it back to the
// model as an error tool result instead of failing the turn.
type ToolNotFoundError struct {
	Name string
}

func (e *ToolNotFoundError) Error() string {
	return fmt.Sprintf("tool not found: %s", e.Name)
}

// ToolArgumentError reports arguments that failed schema validation before
// the tool was invoked.
type ToolArgumentError struct {
	Name   string
	Reason string
}

func (e *ToolArgumentError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Name, e.Reason)
}

// ToolInvocationError reports a failure from the tool itself, either an
// isError result or a transport failure mid-call.
type ToolInvocationError struct {
	Name string
	Err  error
}

func (e *ToolInvocationError) Error() string {
	return fmt.Sprintf("tool %s failed: %v", e.Name, e.Err)
}

func (e *ToolInvocationError) Unwrap() error { return e.Err }
