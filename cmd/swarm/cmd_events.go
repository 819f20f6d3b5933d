package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"swarm/pkg/eventlog"
)

// newEventsCmd creates the "swarm events" subcommand, querying the durable
// runtime event log.
func newEventsCmd() *cobra.Command {
	var (
		taskID  string
		agentID string
		evType  string
		since   time.Duration
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Query the runtime event log",
		Long:  "Lists recorded runtime events, newest first.\nFilters combine: task, agent, type, and time window.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			log, err := eventlog.Open(paths.RuntimeDB)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer log.Close()

			opts := eventlog.QueryOpts{
				TaskID:    taskID,
				AgentID:   agentID,
				EventType: evType,
				Limit:     limit,
			}
			if since > 0 {
				after := time.Now().UTC().Add(-since)
				opts.After = &after
			}
			events, err := log.Query(cmd.Context(), opts)
			if err != nil {
				return err
			}
			printEvents(cmd, events)
			return nil
		},
	}
	cmd.Flags().StringVar(&taskID, "task", "", "filter by task id")
	cmd.Flags().StringVar(&agentID, "agent", "", "filter by agent id")
	cmd.Flags().StringVar(&evType, "type", "", "filter by event type")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this age")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum events returned")
	return cmd
}

// printEvents writes a column table on a terminal and plain tab-separated
// lines when piped.
func printEvents(cmd *cobra.Command, events []eventlog.Event) {
	out := cmd.OutOrStdout()
	if len(events) == 0 {
		fmt.Fprintln(out, "no events")
		return
	}

	if !isTerminal() {
		for _, e := range events {
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\t%s\t%s\n",
				e.CreatedAt.Format(time.RFC3339), e.Type, e.Source, e.TaskID, e.AgentID, e.Payload)
		}
		return
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tSOURCE\tTASK\tAGENT\tPAYLOAD")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.CreatedAt.Format("15:04:05"), e.Type, e.Source,
			orDash(e.TaskID), orDash(e.AgentID), truncate(e.Payload, 60))
	}
	_ = tw.Flush()
}

func isTerminal() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
