package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/snapmark/internal/buildinfo"
)

// ProtocolVersion is the MCP protocol version advertised during
// initialization.
const ProtocolVersion = "2024-11-05"

// State is a Session lifecycle state.
type State int

// Session states, in lifecycle order.
const (
	StateUnopened State = iota
	StateSpawned
	StateHandshaken
	StateReady
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateSpawned:
		return "spawned"
	case StateHandshaken:
		return "handshaken"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ContentBlock is a single content item in a tools/call result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // base64, image blocks
	MimeType string `json:"mimeType,omitempty"`
}

type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ServerInfo identifies the server, as reported by initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string     `json:"protocolVersion"`
	ServerInfo      ServerInfo `json:"serverInfo"`
}

// SessionOptions tune a Session.
type SessionOptions struct {
	// CallTimeout bounds each request. Zero disables the bound. A
	// request that exceeds it fails with *TimeoutError and the session
	// is closed.
	CallTimeout time.Duration

	// ExitGrace is passed to the stdio transport by Open.
	ExitGrace time.Duration

	Logger *slog.Logger
}

// Session drives one MCP server through its lifecycle. A Session is
// created per interaction and never shared across servers.
type Session struct {
	name        string
	transport   Transport
	logger      *slog.Logger
	callTimeout time.Duration
	nextID      atomic.Int64

	mu     sync.Mutex
	state  State
	server ServerInfo
	tools  []ToolDefinition
}

// Open spawns the server described by cfg and returns a Session in the
// Spawned state. The process lifetime belongs to the Session, not to
// ctx; callers must Close it.
func Open(ctx context.Context, cfg ServerConfig, opts SessionOptions) (*Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	tr, err := StartStdio(StdioConfig{
		Command:   cfg.Command,
		Args:      cfg.Args,
		Env:       cfg.Environ(),
		ExitGrace: opts.ExitGrace,
		Logger:    logger.With("mcp_server", cfg.Name),
	})
	if err != nil {
		return nil, err
	}
	return NewSession(cfg.Name, tr, opts), nil
}

// NewSession wraps an already started transport. The Session begins in
// the Spawned state.
func NewSession(name string, transport Transport, opts SessionOptions) *Session {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		name:        name,
		transport:   transport,
		logger:      logger.With("mcp_server", name),
		callTimeout: opts.CallTimeout,
		state:       StateSpawned,
	}
}

// Connect opens a Session and runs it through Handshake and ListTools.
// On any failure the Session is closed before returning.
func Connect(ctx context.Context, cfg ServerConfig, opts SessionOptions) (*Session, []ToolDefinition, error) {
	s, err := Open(ctx, cfg, opts)
	if err != nil {
		return nil, nil, err
	}
	if err := s.Handshake(ctx); err != nil {
		s.Close()
		return nil, nil, err
	}
	tools, err := s.ListTools(ctx)
	if err != nil {
		s.Close()
		return nil, nil, err
	}
	return s, tools, nil
}

// Name returns the configured server name.
func (s *Session) Name() string { return s.name }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ServerInfo returns the identity reported during the handshake.
func (s *Session) ServerInfo() ServerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.server
}

// Handshake sends initialize, reads its response, then sends
// notifications/initialized.
func (s *Session) Handshake(ctx context.Context) error {
	if err := s.require("initialize", StateSpawned); err != nil {
		return err
	}

	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    buildinfo.ClientName,
			"version": buildinfo.Version,
		},
	}

	resp, err := s.request(ctx, "initialize", params)
	if err != nil {
		return err
	}
	if resp.HasError() {
		return &ProtocolError{Op: "initialize", Err: resp.RPCError()}
	}
	if len(resp.Result) == 0 {
		return &ProtocolError{Op: "initialize", Err: errors.New("response has no result")}
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return &ProtocolError{Op: "initialize", Err: fmt.Errorf("unmarshal initialize result: %w", err)}
	}

	if err := s.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return s.wrap("notifications/initialized", err)
	}

	s.mu.Lock()
	s.server = result.ServerInfo
	s.mu.Unlock()
	s.transition(StateHandshaken)

	s.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return nil
}

// ListTools calls tools/list and moves the Session to Ready. An absent
// or error result yields an empty catalog and a warning; transport
// failures are returned. The catalog is cached for the Session's life.
func (s *Session) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	if err := s.require("tools/list", StateHandshaken, StateReady); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.state == StateReady {
		defer s.mu.Unlock()
		return s.tools, nil
	}
	s.mu.Unlock()

	resp, err := s.request(ctx, "tools/list", nil)
	if err != nil {
		return nil, err
	}

	tools := []ToolDefinition{}
	switch {
	case resp.HasError():
		s.logger.Warn("tools/list returned an error, assuming no tools", "error", string(resp.Error))
	case len(resp.Result) == 0 || string(resp.Result) == "null":
		s.logger.Warn("tools/list returned no result, assuming no tools")
	default:
		var result toolsListResult
		if err := json.Unmarshal(resp.Result, &result); err != nil {
			s.logger.Warn("tools/list result is not a tool catalog, assuming no tools", "error", err)
		} else if result.Tools != nil {
			tools = result.Tools
		}
	}

	s.mu.Lock()
	s.tools = tools
	s.mu.Unlock()
	s.transition(StateReady)

	s.logger.Info("discovered MCP tools", "count", len(tools))
	return tools, nil
}

// CallTool invokes a tool by name. A JSON-RPC error member is returned
// as *ToolError carrying the payload verbatim; otherwise the raw result
// is returned, or {} when the server sent none.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	if err := s.require("tools/call", StateReady); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	resp, err := s.request(ctx, "tools/call", map[string]any{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return nil, err
	}
	if resp.HasError() {
		return nil, &ToolError{Tool: name, Payload: resp.Error}
	}
	if len(resp.Result) == 0 || string(resp.Result) == "null" {
		return json.RawMessage(`{}`), nil
	}
	return resp.Result, nil
}

// CallToolText invokes a tool and flattens the result's content blocks
// into a single string. A result flagged isError becomes *ToolError.
// Results without content blocks are returned as their raw JSON.
func (s *Session) CallToolText(ctx context.Context, name string, args map[string]any) (string, error) {
	raw, err := s.CallTool(ctx, name, args)
	if err != nil {
		return "", err
	}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil || result.Content == nil {
		return string(raw), nil
	}
	if result.IsError {
		return "", &ToolError{Tool: name, Payload: raw}
	}
	return extractText(result.Content), nil
}

// Close tears the Session down: Closing, transport shutdown, Closed.
// It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	from := s.state
	if from == StateClosing || from == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosing
	s.mu.Unlock()

	s.logger.Debug("MCP session state", "from", from.String(), "to", StateClosing.String())
	s.logger.Info("closing MCP session")
	err := s.transport.Close()
	s.transition(StateClosed)
	return err
}

// require fails with *ProtocolError unless the Session is in one of the
// allowed states.
func (s *Session) require(op string, allowed ...State) error {
	cur := s.State()
	for _, st := range allowed {
		if cur == st {
			return nil
		}
	}
	return &ProtocolError{Op: op, Err: fmt.Errorf("session is %s", cur)}
}

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	s.state = to
	s.mu.Unlock()
	s.logger.Debug("MCP session state", "from", from.String(), "to", to.String())
}

// request issues one JSON-RPC request under the per-call timeout. A
// timed out or cancelled request leaves the stream out of step, so the
// Session is closed.
func (s *Session) request(ctx context.Context, method string, params any) (*Response, error) {
	callCtx := ctx
	if s.callTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, s.callTimeout)
		defer cancel()
	}

	id := s.nextID.Add(1)
	resp, err := s.transport.Send(callCtx, NewRequest(id, method, params))
	if err == nil {
		return resp, nil
	}

	if callCtx.Err() != nil {
		if ctx.Err() == nil {
			s.logger.Warn("MCP request timed out, closing session",
				"method", method,
				"id", id,
				"timeout", s.callTimeout,
			)
			s.Close()
			return nil, &TimeoutError{Op: fmt.Sprintf("%s (id %d)", method, id), After: s.callTimeout}
		}
		s.Close()
		return nil, ctx.Err()
	}
	return nil, s.wrap(method, err)
}

func (s *Session) wrap(op string, err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		return err
	}
	return &ProtocolError{Op: op, Err: err}
}

// extractText joins all content blocks into a single string. Image
// blocks contribute their base64 data so the agent's observation filter
// can recognise them; other non-text blocks become inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			if b.Data == "" {
				parts = append(parts, "[image]")
			} else {
				parts = append(parts, b.Data)
			}
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
