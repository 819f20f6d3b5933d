package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"swarm/pkg/memory"
	"swarm/pkg/protocol"
)

// newRecallCmd creates the "swarm recall" subcommand.
func newRecallCmd() *cobra.Command {
	var (
		owner      string
		kind       string
		share      string
		limit      int
		byPriority bool
	)
	cmd := &cobra.Command{
		Use:   "recall",
		Short: "List memory entries",
		Long:  "Lists shared memory entries, most recent first.\nFilters combine: owner, kind, and share level.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			entries, err := store.Recall(context.Background(), memory.Filter{
				OwnerAgentID: owner,
				Kind:         protocol.MemoryKind(kind),
				ShareLevel:   protocol.ShareLevel(share),
				Limit:        limit,
				ByPriority:   byPriority,
			})
			if err != nil {
				return fmt.Errorf("recall: %w", err)
			}
			if len(entries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no entries")
				return nil
			}
			for i, e := range entries {
				fmt.Fprintf(cmd.OutOrStdout(), "%d. [%s/%s] %s\n", i+1, e.Kind, e.ShareLevel, e.Content)
				fmt.Fprintf(cmd.OutOrStdout(), "   id: %s | owner: %s | %s\n",
					e.ID, e.OwnerAgentID, e.Timestamp.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "filter by owning agent id")
	cmd.Flags().StringVar(&kind, "kind", "", "filter by entry kind")
	cmd.Flags().StringVar(&share, "share", "", "filter by share level")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum entries returned")
	cmd.Flags().BoolVar(&byPriority, "by-priority", false, "order by priority instead of recency")
	return cmd
}
