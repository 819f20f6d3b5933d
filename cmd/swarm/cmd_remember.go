package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"swarm/pkg/memory"
	"swarm/pkg/protocol"
)

// openStore opens the shared memory store over the durable files in the
// swarm home directory.
func openStore() (*memory.Store, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return nil, err
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	backend, err := memory.NewFileBackend(paths.MemoryDir, logger)
	if err != nil {
		return nil, err
	}
	return memory.New(memory.Config{}, backend, logger)
}

// newRememberCmd creates the "swarm remember" subcommand.
func newRememberCmd() *cobra.Command {
	var (
		owner    string
		kind     string
		share    string
		priority int
		ttl      time.Duration
	)
	cmd := &cobra.Command{
		Use:   "remember <content>",
		Short: "Store a memory entry",
		Long:  "Writes an entry to the shared memory store.\nContent is stored as a JSON string unless it already parses as JSON.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			text := strings.Join(args, " ")
			content := json.RawMessage(text)
			if !json.Valid(content) {
				content, _ = json.Marshal(text)
			}

			id, err := store.Remember(context.Background(), protocol.MemoryEntry{
				OwnerAgentID: owner,
				Kind:         protocol.MemoryKind(kind),
				Content:      content,
				ShareLevel:   protocol.ShareLevel(share),
				Priority:     priority,
				TTL:          ttl,
			})
			if err != nil {
				return fmt.Errorf("remember: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "operator", "owning agent id")
	cmd.Flags().StringVar(&kind, "kind", "knowledge", "entry kind: knowledge, result, state, communication, error")
	cmd.Flags().StringVar(&share, "share", "team", "share level: private, team, public")
	cmd.Flags().IntVar(&priority, "priority", 0, "entry priority")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "expiry; zero keeps the entry forever")
	return cmd
}
