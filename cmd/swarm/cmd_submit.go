package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// newSubmitCmd creates the "swarm submit" subcommand. Submission is a spool
// write: the daemon picks the file up and owns the actual graph insertion.
func newSubmitCmd() *cobra.Command {
	var (
		id         string
		deps       []string
		caps       []string
		argv       []string
		priority   int
		maxRetries int
		timeout    time.Duration
		tolerate   bool
	)
	cmd := &cobra.Command{
		Use:   "submit <goal>",
		Short: "Submit a task to the swarm",
		Long:  "Writes a task definition into the spool directory.\nThe running daemon submits it to the coordinator.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return err
			}
			if err := paths.EnsureDirs(); err != nil {
				return err
			}

			if id == "" {
				id = uuid.NewString()
			}
			spec := spoolTask{
				ID:              id,
				Goal:            strings.Join(args, " "),
				Argv:            argv,
				Dependencies:    deps,
				Capabilities:    caps,
				Priority:        priority,
				MaxRetries:      maxRetries,
				TolerateFailure: tolerate,
			}
			if timeout > 0 {
				spec.Timeout = timeout.String()
			}
			data, err := yaml.Marshal(spec)
			if err != nil {
				return fmt.Errorf("marshal task: %w", err)
			}

			// Write-then-rename so the watcher never reads a half-written file.
			final := filepath.Join(paths.SpoolDir, id+".yaml")
			tmp := final + ".tmp"
			if err := os.WriteFile(tmp, data, 0o600); err != nil {
				return fmt.Errorf("write task: %w", err)
			}
			if err := os.Rename(tmp, final); err != nil {
				return fmt.Errorf("spool task: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (generated when empty)")
	cmd.Flags().StringSliceVar(&deps, "dep", nil, "task id this task depends on (repeatable)")
	cmd.Flags().StringSliceVar(&caps, "cap", nil, "required agent capability (repeatable)")
	cmd.Flags().StringSliceVar(&argv, "argv", nil, "command argv; runs directly instead of through the agent")
	cmd.Flags().IntVar(&priority, "priority", 0, "scheduling priority, higher first")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "retry budget on failure")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "execution timeout")
	cmd.Flags().BoolVar(&tolerate, "tolerate-failure", false, "schedule even when a dependency fails")
	return cmd
}
