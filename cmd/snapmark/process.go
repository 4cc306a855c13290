package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/snapmark/internal/capture"
	"github.com/nugget/snapmark/internal/orchestrator"
)

type processFlags struct {
	note        string
	text        string
	textFile    string
	description string
	prompt      string
	guided      bool
	server      string
}

func newProcessCmd(a *app) *cobra.Command {
	var f processFlags
	cmd := &cobra.Command{
		Use:   "process <image>",
		Short: "Process a capture through every enabled server",
		Long: `Process hands one capture to every enabled server, or to the server named
by --server. With --prompt (or --guided and a configured
default_instruction) the instruction drives planning, or the agent
runtime when agent.enabled is set and a model is configured.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				return runProcess(ctx, a, e, args[0], f)
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&f.note, "note", "", "path to the capture's Markdown note")
	flags.StringVar(&f.text, "text", "", "extracted text")
	flags.StringVar(&f.textFile, "text-file", "", "read extracted text from a file")
	flags.StringVar(&f.description, "description", "", "narrative description of the image")
	flags.StringVar(&f.prompt, "prompt", "", "free-form instruction")
	flags.BoolVar(&f.guided, "guided", false, "use the configured default instruction when --prompt is absent")
	flags.StringVar(&f.server, "server", "", "process with this server only")
	cmd.MarkFlagsMutuallyExclusive("text", "text-file")
	return cmd
}

func runProcess(ctx context.Context, a *app, e *env, image string, f processFlags) error {
	d, err := capture.Load(image, f.note)
	if err != nil {
		return err
	}

	d.Text = f.text
	if f.textFile != "" {
		data, err := os.ReadFile(f.textFile)
		if err != nil {
			return fmt.Errorf("read text file: %w", err)
		}
		d.Text = strings.TrimSpace(string(data))
	}
	d.Description = f.description
	d.Instruction = f.prompt
	if d.Instruction == "" && f.guided {
		d.Instruction = e.cfg.MCP.DefaultInstruction
	}

	var result orchestrator.TaskResult
	if f.server != "" {
		out, err := e.orch.ProcessServer(ctx, f.server, d)
		if err != nil {
			return err
		}
		result = orchestrator.TaskResult{f.server: out}
	} else {
		if !e.cfg.MCP.Enabled {
			e.logger.Warn("MCP processing is disabled in the configuration")
		}
		result = e.orch.ProcessCaptureData(ctx, d)
	}

	if a.outputFmt == "json" {
		if err := writeJSON(a.stdout, result); err != nil {
			return err
		}
	} else {
		printResult(a.stdout, result)
	}

	if n := result.Failed(); n > 0 {
		return fmt.Errorf("%d of %d servers failed", n, len(result))
	}
	return nil
}
