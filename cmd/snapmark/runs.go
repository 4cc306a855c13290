package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nugget/snapmark/internal/runlog"
)

type runView struct {
	RunID       string          `json:"run_id"`
	Timestamp   time.Time       `json:"timestamp"`
	Kind        string          `json:"kind"`
	Server      string          `json:"server"`
	Success     bool            `json:"success"`
	Error       string          `json:"error,omitempty"`
	ImagePath   string          `json:"image_path,omitempty"`
	Instruction string          `json:"instruction,omitempty"`
	DurationMS  int64           `json:"duration_ms"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

func newRunsCmd(a *app) *cobra.Command {
	var (
		limit int
		runID string
		since time.Duration
	)
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Show recent runs from the run log",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEnv(cmd.Context(), func(ctx context.Context, e *env) error {
				if e.store == nil {
					return errors.New("run log is disabled (set data_dir in the configuration)")
				}

				if since > 0 {
					end := time.Now()
					sum, err := e.store.SummaryByServer(ctx, end.Add(-since), end)
					if err != nil {
						return err
					}
					return printSummary(a, sum)
				}

				var (
					entries []runlog.Entry
					err     error
				)
				if runID != "" {
					entries, err = e.store.Run(ctx, runID)
				} else {
					entries, err = e.store.Recent(ctx, limit)
				}
				if err != nil {
					return err
				}
				return printRuns(a, entries)
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of entries to show")
	cmd.Flags().StringVar(&runID, "run", "", "show every entry of one run")
	cmd.Flags().DurationVar(&since, "since", 0, "summarize outcomes per server over this window (e.g. 24h)")
	cmd.MarkFlagsMutuallyExclusive("run", "since")
	return cmd
}

func printRuns(a *app, entries []runlog.Entry) error {
	if a.outputFmt == "json" {
		views := make([]runView, len(entries))
		for i, e := range entries {
			views[i] = runView{
				RunID:       e.RunID,
				Timestamp:   e.Timestamp,
				Kind:        e.Kind,
				Server:      e.Server,
				Success:     e.Success,
				Error:       e.Error,
				ImagePath:   e.ImagePath,
				Instruction: e.Instruction,
				DurationMS:  e.Duration.Milliseconds(),
				Payload:     e.Payload,
			}
		}
		return writeJSON(a.stdout, views)
	}

	if len(entries) == 0 {
		yellow.Fprintln(a.stdout, "No runs recorded yet.")
		return nil
	}
	for _, e := range entries {
		status := green.Sprint("ok   ")
		if !e.Success {
			status = red.Sprint("error")
		}
		gray.Fprintf(a.stdout, "%s %s ", e.Timestamp.Local().Format("2006-01-02 15:04:05"), shortID(e.RunID))
		fmt.Fprintf(a.stdout, "%-7s %-16s %s %6dms  %s\n", e.Kind, e.Server, status, e.Duration.Milliseconds(), e.ImagePath)
		if e.Error != "" {
			fmt.Fprintf(a.stdout, "    %s\n", e.Error)
		}
	}
	return nil
}

type summaryView struct {
	Server string `json:"server"`
	Total  int    `json:"total"`
	Failed int    `json:"failed"`
}

func printSummary(a *app, sum map[string]*runlog.Summary) error {
	views := make([]summaryView, 0, len(sum))
	for server, s := range sum {
		views = append(views, summaryView{Server: server, Total: s.Total, Failed: s.Failed})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].Server < views[j].Server })

	if a.outputFmt == "json" {
		return writeJSON(a.stdout, views)
	}
	if len(views) == 0 {
		yellow.Fprintln(a.stdout, "No runs in that window.")
		return nil
	}
	for _, v := range views {
		failed := gray.Sprintf("%d failed", v.Failed)
		if v.Failed > 0 {
			failed = red.Sprintf("%d failed", v.Failed)
		}
		fmt.Fprintf(a.stdout, "%-16s %5d runs  %s\n", v.Server, v.Total, failed)
	}
	return nil
}

// shortID returns the random tail of a UUIDv7, which is what tells
// runs started in the same millisecond apart.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[len(id)-8:]
}
