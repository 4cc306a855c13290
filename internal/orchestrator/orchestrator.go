// Package orchestrator routes capture data through the configured tool
// servers. Each enabled server is driven by its strategy (an MCP stdio
// session running the spreadsheet recipe, or a custom subprocess) and
// every failure is confined to that server's entry in the TaskResult.
// When an instruction is given and a model is configured, the agent
// runtime handles the whole task instead.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nugget/snapmark/internal/agent"
	"github.com/nugget/snapmark/internal/capture"
	"github.com/nugget/snapmark/internal/config"
	"github.com/nugget/snapmark/internal/mcp"
	"github.com/nugget/snapmark/internal/metrics"
	"github.com/nugget/snapmark/internal/planner"
	"github.com/nugget/snapmark/internal/runlog"
)

// ErrUnknownServer is returned when a caller names a server that is not
// in the registry.
var ErrUnknownServer = errors.New("unknown server")

// ErrServerDisabled is returned when a caller names a disabled server.
var ErrServerDisabled = errors.New("server is disabled")

// Recorder persists run outcomes. *runlog.Store implements it.
type Recorder interface {
	Append(ctx context.Context, entries ...runlog.Entry) error
}

// Config holds the settings the orchestrator needs from the loaded
// configuration.
type Config struct {
	// ExportDir is the export root. Every workbook is created under it.
	ExportDir string

	// CallTimeout bounds each stdio request. Zero disables it.
	CallTimeout time.Duration

	// CustomTimeout bounds a custom-strategy subprocess.
	CustomTimeout time.Duration

	// ExitGrace is how long a stdio server may take to exit after its
	// stdin is closed.
	ExitGrace time.Duration
}

// ConfigFrom extracts orchestrator settings from cfg.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ExportDir:     cfg.ExportDir,
		CallTimeout:   cfg.CallTimeout(),
		CustomTimeout: cfg.CustomTimeout(),
		ExitGrace:     cfg.ExitGrace(),
	}
}

// Orchestrator runs capture data through tool servers.
type Orchestrator struct {
	cfg      Config
	registry *mcp.Registry
	planner  *planner.Planner
	agent    *agent.Runtime
	recorder Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithPlanner sets the action planner used for instruction-driven
// recipe runs.
func WithPlanner(p *planner.Planner) Option {
	return func(o *Orchestrator) { o.planner = p }
}

// WithAgent sets the agent runtime.
func WithAgent(rt *agent.Runtime) Option {
	return func(o *Orchestrator) { o.agent = rt }
}

// WithRecorder sets where run outcomes are persisted.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator over registry.
func New(registry *mcp.Registry, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:      cfg,
		registry: registry,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg.ExportDir == "" {
		o.cfg.ExportDir = config.Default().ExportDir
	}
	if o.cfg.CustomTimeout <= 0 {
		o.cfg.CustomTimeout = mcp.DefaultCustomTimeout
	}
	if o.planner == nil {
		o.planner = planner.New(nil, planner.WithLogger(o.logger))
	}
	if o.registry == nil {
		o.registry, _ = mcp.NewRegistry()
	}
	return o
}

// AgentAvailable reports whether instruction-driven capture data is
// routed to the agent runtime.
func (o *Orchestrator) AgentAvailable() bool {
	return o.agent.Available()
}

// ProcessCaptureData runs d through the agent runtime (when d carries
// an instruction and the runtime is available, under AgentKey) or
// through every enabled server in name order. It never fails: each
// server's error is recorded in its own entry.
func (o *Orchestrator) ProcessCaptureData(ctx context.Context, d capture.Data) TaskResult {
	start := o.now()
	result := TaskResult{}

	if d.Instruction != "" && o.agent.Available() {
		o.logger.Info("processing capture with agent runtime", "image", d.ImagePath)
		result[AgentKey] = o.runAgent(ctx, d.Instruction, ContextEntries(d))
	} else {
		servers := o.registry.Enabled()
		if len(servers) == 0 {
			o.logger.Debug("no enabled MCP servers")
		}
		for _, cfg := range servers {
			result[cfg.Name] = o.processServer(ctx, cfg, d)
		}
	}

	o.finish(ctx, runlog.KindProcess, d, result, start)
	return result
}

// ProcessServer runs d through the single named server. A name that is
// missing from the registry, or disabled, is a caller error.
func (o *Orchestrator) ProcessServer(ctx context.Context, name string, d capture.Data) (Outcome, error) {
	cfg, ok := o.registry.Get(name)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	if !cfg.Enabled {
		return Outcome{}, fmt.Errorf("%w: %q", ErrServerDisabled, name)
	}

	start := o.now()
	out := o.processServer(ctx, cfg, d)
	o.finish(ctx, runlog.KindServer, d, TaskResult{name: out}, start)
	return out, nil
}

// Inspection describes a reachable stdio server.
type Inspection struct {
	Server mcp.ServerInfo
	Tools  []mcp.ToolDefinition
}

// Inspect connects to the named stdio server, lists its tools and
// closes the session.
func (o *Orchestrator) Inspect(ctx context.Context, name string) (*Inspection, error) {
	cfg, ok := o.registry.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownServer, name)
	}
	if cfg.Kind() != mcp.StrategyStdio {
		return nil, fmt.Errorf("server %q uses the custom strategy and has no tool catalog", name)
	}

	s, tools, err := mcp.Connect(ctx, cfg, o.sessionOptions())
	if err != nil {
		return nil, err
	}
	defer s.Close()
	return &Inspection{Server: s.ServerInfo(), Tools: tools}, nil
}

func (o *Orchestrator) processServer(ctx context.Context, cfg mcp.ServerConfig, d capture.Data) Outcome {
	log := o.logger.With("mcp_server", cfg.Name, "strategy", cfg.Kind())
	log.Info("processing capture data", "image", d.ImagePath)

	start := o.now()
	var out Outcome
	switch cfg.Kind() {
	case mcp.StrategyStdio:
		out = o.stdioServer(ctx, cfg, d, log)
	default:
		out = o.customServer(ctx, cfg, d, log)
	}
	out.Duration = o.now().Sub(start)

	if out.OK {
		log.Info("server processing completed", "elapsed", out.Duration.Round(time.Millisecond))
	} else {
		log.Error("server processing failed", "error", out.Message)
	}
	o.metrics.ServerRun(cfg.Name, out.OK)
	return out
}

func (o *Orchestrator) customServer(ctx context.Context, cfg mcp.ServerConfig, d capture.Data, log *slog.Logger) Outcome {
	raw, err := mcp.RunCustom(ctx, cfg, d.Payload(), o.cfg.CustomTimeout, log)
	if err != nil {
		return Failure(err.Error())
	}
	return Success(raw)
}

func (o *Orchestrator) stdioServer(ctx context.Context, cfg mcp.ServerConfig, d capture.Data, log *slog.Logger) Outcome {
	s, tools, err := mcp.Connect(ctx, cfg, o.sessionOptions())
	if err != nil {
		return Failure(err.Error())
	}
	defer s.Close()

	if len(tools) == 0 {
		return Success(map[string]any{
			"success":     true,
			"message":     fmt.Sprintf("Connected to %s but no tools available", cfg.Name),
			"tools_used":  0,
			"tools_count": 0,
		})
	}

	var plan *planner.Plan
	if d.Instruction != "" {
		plan = o.planner.Plan(ctx, d.Instruction, toolNames(tools), planner.Context{
			Text:        d.Text,
			Description: d.Description,
		})
	}

	res, err := o.runRecipe(ctx, s, tools, d, plan, log)
	if err != nil {
		return Failure(err.Error())
	}

	return Success(map[string]any{
		"success":     true,
		"message":     fmt.Sprintf("Successfully processed screenshot data with %s", cfg.Name),
		"tools_used":  len(res.ToolResults),
		"tools_count": len(tools),
		"results":     res,
	})
}

func (o *Orchestrator) sessionOptions() mcp.SessionOptions {
	return mcp.SessionOptions{
		CallTimeout: o.cfg.CallTimeout,
		ExitGrace:   o.cfg.ExitGrace,
		Logger:      o.logger,
	}
}

// finish records metrics and the run log for one invocation. Ledger
// failures are logged, never returned.
func (o *Orchestrator) finish(ctx context.Context, kind string, d capture.Data, result TaskResult, start time.Time) {
	elapsed := o.now().Sub(start)
	o.metrics.RunDuration(kind, elapsed)

	if o.recorder == nil || len(result) == 0 {
		return
	}

	runID, err := runlog.NewRunID()
	if err != nil {
		o.logger.Warn("run not recorded", "error", err)
		return
	}

	ts := o.now()
	entries := make([]runlog.Entry, 0, len(result))
	for _, name := range result.Names() {
		out := result[name]
		payload, err := json.Marshal(out)
		if err != nil {
			payload = nil
		}
		entries = append(entries, runlog.Entry{
			RunID:       runID,
			Timestamp:   ts,
			Kind:        kind,
			Server:      name,
			Success:     out.OK,
			Error:       out.Message,
			ImagePath:   d.ImagePath,
			Instruction: d.Instruction,
			Duration:    out.Duration,
			Payload:     payload,
		})
	}

	// The ledger write must happen even if the caller's context was
	// cancelled mid-run.
	if err := o.recorder.Append(context.WithoutCancel(ctx), entries...); err != nil {
		o.logger.Warn("run not recorded", "run_id", runID, "error", err)
		return
	}
	o.logger.Debug("run recorded", "run_id", runID, "entries", len(entries), "elapsed", elapsed.Round(time.Millisecond))
}

func toolNames(tools []mcp.ToolDefinition) []string {
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}
