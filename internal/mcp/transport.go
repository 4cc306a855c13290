package mcp

import "context"

// Transport is the interface for MCP server communication. The stdio
// transport is the only production implementation; tests substitute
// in-memory fakes.
type Transport interface {
	// Send writes a JSON-RPC request and returns the response whose id
	// matches it. Request/response pairs are strictly ordered.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources. It must be
	// safe to call more than once.
	Close() error
}
