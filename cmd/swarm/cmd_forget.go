package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// newForgetCmd creates the "swarm forget" subcommand.
func newForgetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forget <entry-id>",
		Short: "Delete a memory entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			if err := store.Forget(context.Background(), args[0]); err != nil {
				return fmt.Errorf("forget %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "forgot %s\n", args[0])
			return nil
		},
	}
}
