package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nugget/snapmark/internal/agent"
	"github.com/nugget/snapmark/internal/orchestrator"
)

func newTaskCmd(a *app) *cobra.Command {
	var contextPairs []string
	cmd := &cobra.Command{
		Use:   "task <instruction>",
		Short: "Run an instruction through the agent runtime",
		Long: `Task gives the instruction to the agent runtime together with the tools of
every enabled stdio server. It needs a configured model and
agent.enabled in the configuration.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := parseContext(contextPairs)
			if err != nil {
				return err
			}
			instruction := strings.Join(args, " ")
			return a.withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				out := e.orch.RunIntelligentTask(ctx, instruction, entries)
				if a.outputFmt == "json" {
					if err := writeJSON(a.stdout, out); err != nil {
						return err
					}
				} else {
					printResult(a.stdout, orchestrator.TaskResult{orchestrator.AgentKey: out})
				}
				if !out.OK {
					return errors.New("task failed")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&contextPairs, "context", nil, "task context as key=value (repeatable)")
	return cmd
}

// parseContext turns key=value pairs into context entries, keeping
// their order.
func parseContext(pairs []string) ([]agent.ContextEntry, error) {
	entries := make([]agent.ContextEntry, 0, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --context %q (expected key=value)", p)
		}
		entries = append(entries, agent.ContextEntry{Key: strings.TrimSpace(k), Value: v})
	}
	return entries, nil
}
