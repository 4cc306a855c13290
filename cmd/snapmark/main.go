// Snapmark routes screen captures through external tool servers.
//
// A capture (an image, its Markdown note, the extracted text and an
// optional description) is handed to every enabled MCP server. Stdio
// servers are driven through the spreadsheet recipe; custom servers get
// the capture as a JSON file. With an instruction and a configured
// model, an agent decides which tools to call instead.
//
// Usage:
//
//	snapmark process <image>        Process a capture through every enabled server
//	snapmark task <instruction>     Run an instruction through the agent runtime
//	snapmark servers                List configured servers
//	snapmark test <server>          Connect to a server and list its tools
//	snapmark runs                   Show recent runs from the run log
//	snapmark version                Print version and build information
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
)

// main builds the OS-level environment and delegates to [run] so the
// command tree can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

// run executes the snapmark command line in args. Results go to stdout
// and logs to stderr. A fresh command tree is built per call, so run
// holds no global state.
func run(ctx context.Context, stdout, stderr io.Writer, args []string) error {
	root := newRootCmd(&app{stdout: stdout, stderr: stderr})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		return fmt.Errorf("snapmark: %w", err)
	}
	return nil
}
