package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"swarm/internal/config"
	"swarm/pkg/agent"
	"swarm/pkg/coordinator"
	"swarm/pkg/eventlog"
	"swarm/pkg/executor"
	"swarm/pkg/memory"
)

// newRunCmd creates the "swarm run" subcommand: the foreground daemon that
// owns the coordinator, the agent pool, the shared memory store, and the
// task spool.
func newRunCmd() *cobra.Command {
	var grace time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the swarm daemon",
		Long:  "Runs the coordinator in the foreground: watches the task spool,\nschedules tasks over the agent pool, and serves shared memory.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDaemon(cmd.Context(), grace)
		},
	}
	cmd.Flags().DurationVar(&grace, "grace", 30*time.Second, "shutdown grace period for in-flight tasks")
	return cmd
}

func runDaemon(ctx context.Context, grace time.Duration) error {
	paths, err := ResolvePaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirs(); err != nil {
		return err
	}
	cfg, err := config.Load(paths.ConfigPath)
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	events, err := eventlog.Open(paths.RuntimeDB)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer events.Close()

	backend, err := memory.NewFileBackend(paths.MemoryDir, logger)
	if err != nil {
		return err
	}
	store, err := memory.New(memory.Config{
		MaxCacheEntries: cfg.Memory.MaxCacheEntries,
		MaxCacheBytes:   cfg.Memory.MaxCacheBytes,
		MaxContentBytes: cfg.Memory.MaxContentBytes,
		SweepInterval:   cfg.Memory.TTLSweep.Std(),
	}, backend, logger)
	if err != nil {
		return fmt.Errorf("open memory store: %w", err)
	}

	exec := executor.New(executor.Config{
		KillGrace:      cfg.Agent.KillGrace.Std(),
		MaxOutputBytes: cfg.Agent.MaxOutput,
	}, logger)

	pool := agent.NewManager(agent.Config{
		FailureThreshold:    cfg.Pool.FailureThreshold,
		HeartbeatTimeout:    cfg.Pool.HeartbeatTimeout.Std(),
		DefaultCapabilities: cfg.Pool.DefaultCapabilities,
	}, logger)
	pool.Scale(cfg.Pool.Size)

	runner := newAgentRunner(exec, store, cfg.Agent.Argv, cfg.Agent.Timeout.Std(), logger)
	coord := coordinator.New(coordinator.Config{
		TickInterval:     cfg.Scheduler.TickInterval.Std(),
		DetectInterval:   cfg.Scheduler.DetectInterval.Std(),
		Retention:        cfg.Scheduler.Retention.Std(),
		RetryBackoffBase: cfg.Scheduler.RetryBackoffBase.Std(),
	}, pool, store, runner, events, logger)

	// Forward memory and pool health notifications into the event log.
	var fwd sync.WaitGroup
	fwd.Add(2)
	go func() {
		defer fwd.Done()
		forwardMemoryEvents(store, events, logger)
	}()
	go func() {
		defer fwd.Done()
		forwardHealthEvents(pool, events, logger)
	}()

	snapDone := make(chan struct{})
	fwd.Add(1)
	go func() {
		defer fwd.Done()
		publishSnapshots(coord, events, logger, snapDone)
	}()

	spool, err := startSpoolWatcher(paths.SpoolDir, coord, logger)
	if err != nil {
		close(snapDone)
		fwd.Wait()
		return err
	}

	logger.Info("swarm daemon started",
		"home", paths.Home, "pool_size", cfg.Pool.Size, "spool", paths.SpoolDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("signal received, shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("context cancelled, shutting down")
	}

	spool.Close()
	close(snapDone)
	shutdownErr := coord.Shutdown(grace)
	exec.Shutdown()
	pool.Close()
	if err := store.Close(); err != nil {
		logger.Warn("memory store close", "error", err)
	}
	fwd.Wait()
	return shutdownErr
}

// publishSnapshots appends a periodic swarm_snapshot event so status queries
// can report live counts without talking to the daemon.
func publishSnapshots(coord *coordinator.Coordinator, events *eventlog.Log, logger *slog.Logger, done <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			payload, err := json.Marshal(coord.Snap())
			if err != nil {
				continue
			}
			if err := events.Append(context.Background(), "swarm_snapshot", "coordinator", "", "", string(payload)); err != nil {
				logger.Warn("event append failed", "type", "swarm_snapshot", "error", err)
			}
		}
	}
}

// forwardMemoryEvents appends store notifications to the event log until the
// store's channel closes.
func forwardMemoryEvents(store *memory.Store, events *eventlog.Log, logger *slog.Logger) {
	for n := range store.Notifications() {
		payload := fmt.Sprintf(`{"entry_id":%q}`, n.EntryID)
		if n.Err != nil {
			payload = fmt.Sprintf(`{"entry_id":%q,"error":%q}`, n.EntryID, n.Err.Error())
		}
		evType := "memory_" + string(n.Type)
		if err := events.Append(context.Background(), evType, "memory", "", "", payload); err != nil {
			logger.Warn("event append failed", "type", evType, "error", err)
		}
	}
}

// forwardHealthEvents appends pool health events to the event log until the
// manager's channel closes.
func forwardHealthEvents(pool *agent.Manager, events *eventlog.Log, logger *slog.Logger) {
	for ev := range pool.Events() {
		payload := fmt.Sprintf(`{"reason":%q}`, ev.Reason)
		if err := events.Append(context.Background(), string(ev.Type), "agent_manager", "", ev.AgentID, payload); err != nil {
			logger.Warn("event append failed", "type", string(ev.Type), "error", err)
		}
	}
}
