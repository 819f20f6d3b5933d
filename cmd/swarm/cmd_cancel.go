package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

// newCancelCmd creates the "swarm cancel" subcommand. Cancellation is a
// spool marker the daemon acts on.
func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Cancel a task and its dependents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			if err := paths.EnsureDirs(); err != nil {
				return err
			}

			marker := filepath.Join(paths.SpoolDir, args[0]+".cancel")
			if err := os.WriteFile(marker, nil, 0o600); err != nil {
				return fmt.Errorf("write cancel marker: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cancel requested for %s\n", args[0])
			return nil
		},
	}
}
