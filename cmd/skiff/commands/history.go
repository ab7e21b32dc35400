package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		service string
		runID   string
		limit   int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show past deployment runs",
		Long: `Show the run history recorded in the local SQLite store.

Each reconcile, scale, or removal is one run; --run expands a single run
into its per-machine events.`,
		Example: `  # Recent runs across all services
  skiff history

  # Runs for one service
  skiff history --service web

  # One run with its events
  skiff history --run 4f7c2d1e-...`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, false)
			if err != nil {
				return err
			}
			defer a.close(ctx)

			if a.history == nil {
				return fmt.Errorf("history is disabled (no history_file configured)")
			}

			if runID != "" {
				run, events, err := a.history.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				if jsonOutput {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(map[string]any{"run": run, "events": events})
				}
				fmt.Printf("%s  %s %s  %s  %d/%d ok  %s\n",
					run.ID, run.Service, run.Action, run.Status,
					run.Succeeded, run.Requested, run.Duration.Round(time.Millisecond))
				for _, ev := range events {
					fmt.Printf("  [%s] %s: %s\n", ev.Level, ev.Machine, ev.Message)
				}
				return nil
			}

			runs, err := a.history.ListRuns(ctx, service, limit)
			if err != nil {
				return err
			}
			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}
			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "STARTED\tSERVICE\tACTION\tSTATUS\tOK/REQ\tDURATION\tRUN")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.Service, r.Action, r.Status, r.Succeeded, r.Requested,
					r.Duration.Round(time.Millisecond), r.ID)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&service, "service", "s", "", "filter to one service")
	cmd.Flags().StringVar(&runID, "run", "", "show one run with its events")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max runs to list")

	return cmd
}
