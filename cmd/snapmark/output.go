package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"

	"github.com/nugget/snapmark/internal/orchestrator"
)

var (
	green  = color.New(color.FgGreen)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	yellow = color.New(color.FgYellow)
	gray   = color.New(color.FgHiBlack)
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printResult writes a TaskResult in text form, one block per server
// in name order.
func printResult(w io.Writer, result orchestrator.TaskResult) {
	if len(result) == 0 {
		yellow.Fprintln(w, "No enabled servers; nothing was processed.")
		return
	}
	for _, name := range result.Names() {
		printOutcome(w, name, result[name])
	}
}

func printOutcome(w io.Writer, name string, out orchestrator.Outcome) {
	if !out.OK {
		red.Fprintf(w, "✗ %s", name)
		fmt.Fprintf(w, ": %s\n", out.Message)
		return
	}

	green.Fprintf(w, "✓ %s", name)
	if out.Duration > 0 {
		gray.Fprintf(w, " (%s)", out.Duration.Round(time.Millisecond))
	}
	fmt.Fprintln(w)

	payload, ok := out.Payload.(map[string]any)
	if !ok {
		data, _ := json.Marshal(out)
		fmt.Fprintf(w, "  %s\n", data)
		return
	}
	if msg, ok := payload["message"].(string); ok {
		fmt.Fprintf(w, "  %s\n", msg)
	}
	if answer, ok := payload["result"].(string); ok {
		fmt.Fprintf(w, "  %s\n", answer)
	}
	if res, ok := payload["results"].(*orchestrator.RecipeResult); ok {
		fmt.Fprintf(w, "  %s\n", res.Summary)
		for _, f := range res.FilesCreated {
			cyan.Fprintf(w, "  → %s\n", f)
		}
	}
}
