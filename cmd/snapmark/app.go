package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nugget/snapmark/internal/agent"
	"github.com/nugget/snapmark/internal/config"
	"github.com/nugget/snapmark/internal/llm"
	"github.com/nugget/snapmark/internal/mcp"
	"github.com/nugget/snapmark/internal/metrics"
	"github.com/nugget/snapmark/internal/orchestrator"
	"github.com/nugget/snapmark/internal/planner"
	"github.com/nugget/snapmark/internal/runlog"
)

// app carries the injected writers and the global flags.
type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	outputFmt  string
	logLevel   string
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "snapmark",
		Short: "Route screen captures through external tool servers",
		Long: `snapmark hands a screen capture (image, Markdown note, extracted text and
an optional description) to every enabled MCP server in its configuration.
Stdio servers build a spreadsheet under the export directory; custom
servers receive the capture as a JSON file.

Configuration is read from --config, ./config.yaml,
~/.config/snapmark/config.yaml or /etc/snapmark/config.yaml.`,
		Example: `  snapmark process shot.png --note shot.md --text-file shot.txt
  snapmark process shot.png --text "Q3 revenue" --prompt "tabulate the numbers"
  snapmark task "summarize today's captures" --context folder=~/SnapMark
  snapmark -o json runs --limit 5`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			if a.outputFmt != "text" && a.outputFmt != "json" {
				return fmt.Errorf("unknown output format: %q (expected text or json)", a.outputFmt)
			}
			return nil
		},
	}
	root.CompletionOptions.HiddenDefaultCmd = true

	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to config file (default: auto-discover)")
	flags.StringVarP(&a.outputFmt, "output", "o", "text", "output format: text or json")
	flags.StringVar(&a.logLevel, "log-level", "", "override the configured log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newProcessCmd(a),
		newTaskCmd(a),
		newServersCmd(a),
		newTestCmd(a),
		newRunsCmd(a),
		newVersionCmd(a),
	)
	return root
}

// env is everything a command needs once configuration is loaded.
type env struct {
	cfg     *config.Config
	logger  *slog.Logger
	reg     *mcp.Registry
	orch    *orchestrator.Orchestrator
	store   *runlog.Store
	metrics *metrics.Metrics
}

// loadConfig finds and loads the config file. Without an explicit path
// and with nothing on the search path, defaults are used.
func (a *app) loadConfig() (*config.Config, string, error) {
	path, err := config.FindConfig(a.configPath)
	if err != nil {
		if a.configPath != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, path, nil
}

// bootstrap loads configuration and wires the orchestrator. Callers
// must Close the returned env.
func (a *app) bootstrap() (*env, error) {
	cfg, cfgPath, err := a.loadConfig()
	if err != nil {
		return nil, err
	}

	levelName := cfg.LogLevel
	if a.logLevel != "" {
		levelName = a.logLevel
	}
	level, err := config.ParseLogLevel(levelName)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(a.stderr, level, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	if cfgPath == "" {
		logger.Debug("no config file found, using defaults")
	} else {
		logger.Debug("config loaded", "path", cfgPath)
	}

	e := &env{
		cfg:     cfg,
		logger:  logger,
		reg:     mcp.FromConfig(cfg),
		metrics: metrics.New(),
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(e.metrics),
	}

	client, err := llm.New(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	if client != nil {
		p := planner.New(llm.NewCompleter(client, cfg.LLM.Model),
			planner.WithLogger(logger),
			planner.WithFallbackHook(e.metrics.PlanFallback),
		)
		opts = append(opts, orchestrator.WithPlanner(p))

		if cfg.Agent.Enabled {
			rt := agent.New(client, cfg.LLM.Model,
				agent.WithMaxSteps(cfg.Agent.MaxSteps),
				agent.WithLogger(logger),
			)
			opts = append(opts, orchestrator.WithAgent(rt))
		}
		logger.Debug("completion provider configured", "provider", cfg.LLM.Provider, "model", cfg.LLM.Model, "agent", cfg.Agent.Enabled)
	}

	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
		store, err := runlog.NewStore(filepath.Join(cfg.DataDir, "runlog.db"))
		if err != nil {
			return nil, err
		}
		e.store = store
		opts = append(opts, orchestrator.WithRecorder(store))
	}

	e.orch = orchestrator.New(e.reg, orchestrator.ConfigFrom(cfg), opts...)
	return e, nil
}

// Close writes the metrics textfile and closes the run log.
func (e *env) Close() error {
	var errs []error
	if err := e.metrics.WriteTextfile(e.cfg.Metrics.Textfile); err != nil {
		errs = append(errs, err)
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close run log: %w", err))
		}
	}
	return errors.Join(errs...)
}

// withEnv runs fn with a bootstrapped env and closes it afterwards.
func (a *app) withEnv(ctx context.Context, fn func(ctx context.Context, e *env) error) error {
	e, err := a.bootstrap()
	if err != nil {
		return err
	}
	err = fn(ctx, e)
	if cerr := e.Close(); cerr != nil {
		e.logger.Warn("shutdown incomplete", "error", cerr)
	}
	return err
}
