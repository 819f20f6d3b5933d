package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"swarm/pkg/eventlog"
)

// newStatusCmd creates the "swarm status" subcommand. State is read from the
// runtime event log, so it works without talking to the daemon directly.
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [task-id]",
		Short: "Show task state",
		Long:  "With a task id, shows that task's latest recorded state.\nWithout one, summarizes recent task activity.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			log, err := eventlog.Open(paths.RuntimeDB)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer log.Close()

			if len(args) == 1 {
				return printTaskStatus(cmd, log, args[0])
			}
			return printSummary(cmd, log)
		},
	}
}

func printTaskStatus(cmd *cobra.Command, log *eventlog.Log, taskID string) error {
	events, err := log.Query(cmd.Context(), eventlog.QueryOpts{TaskID: taskID, Limit: 20})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events recorded for task %s", taskID)
	}

	// Newest event first; find the latest state-bearing one.
	for _, e := range events {
		var payload struct {
			State string `json:"state"`
		}
		if e.Payload != "" {
			_ = json.Unmarshal([]byte(e.Payload), &payload)
		}
		switch {
		case e.Type == "task_state" && payload.State != "":
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t(%s)\n", taskID, payload.State, e.CreatedAt.Format("2006-01-02 15:04:05"))
			return nil
		case e.Type == "task_cancelled":
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tcancelled\t(%s)\n", taskID, e.CreatedAt.Format("2006-01-02 15:04:05"))
			return nil
		case e.Type == "task_submitted":
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tpending\t(%s)\n", taskID, e.CreatedAt.Format("2006-01-02 15:04:05"))
			return nil
		}
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s\tunknown\n", taskID)
	return nil
}

func printSummary(cmd *cobra.Command, log *eventlog.Log) error {
	if err := printSnapshot(cmd, log); err != nil {
		return err
	}

	events, err := log.Query(cmd.Context(), eventlog.QueryOpts{Limit: 200})
	if err != nil {
		return err
	}

	counts := map[string]int{}
	for _, e := range events {
		counts[e.Type]++
	}
	if len(counts) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no recent activity")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "recent activity:")
	for _, evType := range []string{"task_submitted", "task_state", "task_retry", "task_cancelled", "task_archived", "deadlock", "agent_unhealthy", "agent_replaced"} {
		if n := counts[evType]; n > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "  %-16s %d\n", evType, n)
		}
	}
	return nil
}

// printSnapshot shows the daemon's most recent periodic snapshot, if any.
func printSnapshot(cmd *cobra.Command, log *eventlog.Log) error {
	events, err := log.Query(cmd.Context(), eventlog.QueryOpts{EventType: "swarm_snapshot", Limit: 1})
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	var snap struct {
		TaskCounts  map[string]int `json:"task_counts"`
		AgentCounts map[string]int `json:"agent_counts"`
	}
	if err := json.Unmarshal([]byte(events[0].Payload), &snap); err != nil {
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "snapshot (%s):\n", events[0].CreatedAt.Format("15:04:05"))
	for _, state := range []string{"pending", "ready", "running", "completed", "failed", "cancelled"} {
		if n := snap.TaskCounts[state]; n > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), "  tasks %-10s %d\n", state, n)
		}
	}
	states := make([]string, 0, len(snap.AgentCounts))
	for state := range snap.AgentCounts {
		states = append(states, state)
	}
	sort.Strings(states)
	for _, state := range states {
		fmt.Fprintf(cmd.OutOrStdout(), "  agents %-9s %d\n", state, snap.AgentCounts[state])
	}
	return nil
}
