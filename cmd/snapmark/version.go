package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nugget/snapmark/internal/buildinfo"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			info := buildinfo.BuildInfo()
			if a.outputFmt == "json" {
				return writeJSON(a.stdout, info)
			}
			fmt.Fprintln(a.stdout, buildinfo.String())
			for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
				if v, ok := info[k]; ok {
					fmt.Fprintf(a.stdout, "  %-12s %s\n", k+":", v)
				}
			}
			return nil
		},
	}
}
