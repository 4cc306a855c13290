package mcp

import (
	"encoding/json"
	"fmt"
	"time"
)

// SpawnError is returned when a server process cannot be started.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ProtocolError reports malformed, missing, or unexpected JSON-RPC
// traffic, including a server that exits mid-exchange.
type ProtocolError struct {
	Op  string // JSON-RPC method or transport step
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mcp protocol error during %s: %v", e.Op, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ToolError carries a server-reported tool failure. Payload is the
// JSON-RPC error member exactly as the server sent it.
type ToolError struct {
	Tool    string
	Payload json.RawMessage
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s returned error: %s", e.Tool, e.Payload)
}

// TimeoutError is returned when a subprocess or a single request
// exceeds its wall-clock bound. The process is killed.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// Timeout marks TimeoutError as a timeout for net-style checks.
func (e *TimeoutError) Timeout() bool { return true }

// ExportError reports a filesystem failure writing an artifact or a
// temporary payload file.
type ExportError struct {
	Path string
	Err  error
}

func (e *ExportError) Error() string {
	return fmt.Sprintf("export %s: %v", e.Path, e.Err)
}

func (e *ExportError) Unwrap() error { return e.Err }

// CommandError is returned by the custom strategy when the server
// process exits non-zero. The message format is part of the result
// contract shown to callers.
type CommandError struct {
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	return "Server command failed: " + e.Stderr
}
