package orchestrator

import (
	"context"
	"errors"

	"github.com/nugget/snapmark/internal/agent"
	"github.com/nugget/snapmark/internal/capture"
	"github.com/nugget/snapmark/internal/mcp"
	"github.com/nugget/snapmark/internal/runlog"
)

// AgentKey is the TaskResult key for an agent-handled task.
const AgentKey = "agent"

// RunIntelligentTask hands instruction to the agent runtime with the
// tools of every enabled stdio server. Sessions opened for the task
// are closed before it returns, on every path.
func (o *Orchestrator) RunIntelligentTask(ctx context.Context, instruction string, entries []agent.ContextEntry) Outcome {
	start := o.now()
	out := o.runAgent(ctx, instruction, entries)
	o.finish(ctx, runlog.KindTask, capture.Data{Instruction: instruction}, TaskResult{AgentKey: out}, start)
	return out
}

// ContextEntries describes capture data as agent task context.
func ContextEntries(d capture.Data) []agent.ContextEntry {
	entries := []agent.ContextEntry{
		{Key: "image_path", Value: d.ImagePath},
		{Key: "markdown_path", Value: d.NotePath},
	}
	if d.NoteTitle != "" {
		entries = append(entries, agent.ContextEntry{Key: "note_title", Value: d.NoteTitle})
	}
	if d.Text != "" {
		entries = append(entries, agent.ContextEntry{Key: "ocr_text", Value: d.Text})
	}
	if d.Description != "" {
		entries = append(entries, agent.ContextEntry{Key: "vlm_description", Value: d.Description})
	}
	if !d.Timestamp.IsZero() {
		entries = append(entries, agent.ContextEntry{Key: "timestamp", Value: d.UnixTimestamp()})
	}
	return entries
}

func (o *Orchestrator) runAgent(ctx context.Context, instruction string, entries []agent.ContextEntry) Outcome {
	if !o.agent.Available() {
		return Failure("agent runtime not available")
	}

	start := o.now()
	sessions, tools := o.agentTools(ctx)
	defer func() {
		for _, s := range sessions {
			if err := s.Close(); err != nil {
				o.logger.Debug("session close failed", "mcp_server", s.Name(), "error", err)
			}
		}
	}()

	servers := make([]string, 0, len(sessions))
	for _, s := range sessions {
		servers = append(servers, s.Name())
	}
	o.logger.Info("starting agent task", "servers", servers, "tools", len(tools))

	res, err := o.agent.Run(ctx, instruction, entries, tools)
	if res != nil {
		o.metrics.AgentSteps(len(res.Steps))
	}
	if err != nil {
		if errors.Is(err, agent.ErrMaxSteps) {
			o.logger.Warn("agent task hit step limit", "steps", len(res.Steps))
		}
		out := Failure(err.Error())
		out.Duration = o.now().Sub(start)
		return out
	}

	out := Success(map[string]any{
		"success":    true,
		"result":     res.Answer,
		"agent_used": true,
		"steps":      len(res.Steps),
		"iterations": res.Iterations,
		"servers":    servers,
	})
	out.Duration = o.now().Sub(start)
	return out
}

// agentTools opens a session per enabled stdio server and bridges its
// catalog. A server that cannot be reached is logged and skipped; the
// agent works with whatever tools remain.
func (o *Orchestrator) agentTools(ctx context.Context) ([]*mcp.Session, []agent.Tool) {
	var (
		sessions []*mcp.Session
		tools    []agent.Tool
	)
	for _, cfg := range o.registry.Enabled() {
		if cfg.Kind() != mcp.StrategyStdio {
			continue
		}
		log := o.logger.With("mcp_server", cfg.Name)

		s, _, err := mcp.Connect(ctx, cfg, o.sessionOptions())
		if err != nil {
			log.Warn("server unavailable for agent task", "error", err)
			continue
		}
		sessions = append(sessions, s)

		bridged, err := mcp.BridgeTools(ctx, s, cfg.Include, cfg.Exclude, log)
		if err != nil {
			log.Warn("failed to bridge tools", "error", err)
			continue
		}
		for _, bt := range bridged {
			tools = append(tools, o.agentTool(bt))
		}
	}
	return sessions, tools
}

func (o *Orchestrator) agentTool(bt mcp.BridgedTool) agent.Tool {
	handler := bt.Handler
	tool := bt.ToolName
	return agent.Tool{
		Name:        bt.Name,
		Description: bt.Description,
		Parameters:  bt.Parameters,
		Handler: func(ctx context.Context, args map[string]any) (string, error) {
			out, err := handler(ctx, args)
			o.metrics.ToolCall(tool, err == nil)
			return out, err
		},
	}
}
