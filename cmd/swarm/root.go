package main

import (
	"fmt"

	"swarm/internal/version"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root swarm command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "swarm",
		Short:         "Swarm task coordinator and shared memory",
		Long:          "swarm schedules dependent tasks across a pool of agent processes\nand gives them a shared, durable memory.",
		Version:       fmt.Sprintf("swarm %s", version.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newRunCmd(),
		newSubmitCmd(),
		newStatusCmd(),
		newCancelCmd(),
		newRememberCmd(),
		newRecallCmd(),
		newForgetCmd(),
		newEventsCmd(),
	)

	return cmd
}
