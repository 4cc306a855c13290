package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

type serverView struct {
	Name     string   `json:"name"`
	Strategy string   `json:"strategy"`
	Enabled  bool     `json:"enabled"`
	Command  string   `json:"command"`
	Args     []string `json:"args,omitempty"`
}

func newServersCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "servers",
		Short: "List configured servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEnv(cmd.Context(), func(_ context.Context, e *env) error {
				var views []serverView
				for _, name := range e.reg.Names() {
					s, _ := e.reg.Get(name)
					views = append(views, serverView{
						Name:     s.Name,
						Strategy: string(s.Kind()),
						Enabled:  s.Enabled,
						Command:  s.Command,
						Args:     s.Args,
					})
				}

				if a.outputFmt == "json" {
					if views == nil {
						views = []serverView{}
					}
					return writeJSON(a.stdout, views)
				}
				if len(views) == 0 {
					yellow.Fprintln(a.stdout, "No servers configured (or mcp.enabled is false).")
					return nil
				}
				for _, v := range views {
					state := green.Sprint("enabled ")
					if !v.Enabled {
						state = gray.Sprint("disabled")
					}
					fmt.Fprintf(a.stdout, "%-20s %s  %-6s  %s\n", v.Name, state, v.Strategy,
						strings.TrimSpace(v.Command+" "+strings.Join(v.Args, " ")))
				}
				return nil
			})
		},
	}
}

func newTestCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "test <server>",
		Short: "Connect to a stdio server and list its tools",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				info, err := e.orch.Inspect(ctx, args[0])
				if err != nil {
					return err
				}

				if a.outputFmt == "json" {
					return writeJSON(a.stdout, map[string]any{
						"server": info.Server,
						"tools":  info.Tools,
					})
				}
				green.Fprintf(a.stdout, "✓ %s", args[0])
				fmt.Fprintf(a.stdout, " (%s %s), %d tools\n", info.Server.Name, info.Server.Version, len(info.Tools))
				for _, t := range info.Tools {
					cyan.Fprintf(a.stdout, "  %-28s", t.Name)
					fmt.Fprintf(a.stdout, " %s\n", t.Description)
				}
				return nil
			})
		},
	}
}
