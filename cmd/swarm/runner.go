package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"swarm/pkg/coordinator"
	"swarm/pkg/executor"
	"swarm/pkg/memory"
	"swarm/pkg/protocol"
)

// agentRunner executes tasks. A task carrying its own argv runs as a plain
// one-shot process. A task without argv is handed to the configured agent
// process over a correlated "task.run" call on its stdio pipes; memory
// entries in the reply are written to the shared store.
type agentRunner struct {
	exec      *executor.Executor
	store     *memory.Store
	agentArgv []string
	timeout   time.Duration
	logger    *slog.Logger
}

func newAgentRunner(exec *executor.Executor, store *memory.Store, agentArgv []string, timeout time.Duration, logger *slog.Logger) *agentRunner {
	return &agentRunner{
		exec:      exec,
		store:     store,
		agentArgv: agentArgv,
		timeout:   timeout,
		logger:    logger,
	}
}

// Run implements coordinator.Runner.
func (r *agentRunner) Run(ctx context.Context, task coordinator.Task, agentID string) (string, error) {
	if len(task.Argv) > 0 {
		return r.runDirect(ctx, task, agentID)
	}
	if len(r.agentArgv) == 0 {
		return "", fmt.Errorf("task %s: no argv and no agent command configured", task.ID)
	}
	return r.runAgent(ctx, task, agentID)
}

func taskEnv(task coordinator.Task, agentID string) map[string]string {
	return map[string]string{
		"SWARM_TASK_ID":  task.ID,
		"SWARM_AGENT_ID": agentID,
		"SWARM_GOAL":     task.Goal,
	}
}

// runDirect executes the task's own argv to completion.
func (r *agentRunner) runDirect(ctx context.Context, task coordinator.Task, agentID string) (string, error) {
	timeout := task.Timeout
	if timeout == 0 {
		timeout = r.timeout
	}
	res, err := r.exec.Run(ctx, executor.Spec{
		Argv:    task.Argv,
		Env:     taskEnv(task, agentID),
		Timeout: timeout,
	})
	if err != nil {
		return "", err
	}
	if res.TimedOut {
		return "", fmt.Errorf("task %s: %w", task.ID, protocol.ErrTimeout)
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("task %s: exit code %d: %s",
			task.ID, res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	return string(res.Stdout), nil
}

// runAgent spawns the agent process and issues a correlated task.run call
// over its stdio pipes.
func (r *agentRunner) runAgent(ctx context.Context, task coordinator.Task, agentID string) (string, error) {
	handle, err := r.exec.Start(executor.Spec{
		Argv: r.agentArgv,
		Env:  taskEnv(task, agentID),
	})
	if err != nil {
		return "", err
	}
	defer handle.Stop()

	client := protocol.NewClient(protocol.ClientConfig{}, protocol.NewStreamTransport(handle.Stdin))
	go func() {
		if err := protocol.ReadResponses(handle.Stdout, client); err != nil {
			r.logger.Debug("agent read loop ended", "task_id", task.ID, "error", err)
		}
	}()

	params, err := json.Marshal(protocol.RunParams{
		TaskID:        task.ID,
		Goal:          task.Goal,
		AgentID:       agentID,
		MemoryContext: r.memoryContext(ctx, agentID),
	})
	if err != nil {
		return "", fmt.Errorf("marshal params: %w", err)
	}

	timeout := task.Timeout
	if timeout == 0 {
		timeout = r.timeout
	}
	raw, err := client.Call(ctx, "task.run", params, timeout)
	if err != nil {
		return "", err
	}

	var result protocol.RunResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("task %s: malformed result: %w", task.ID, err)
	}
	r.storeEntries(agentID, result.Entries)
	return result.Output, nil
}

// memoryContext gathers recent team-shared entries for the agent prompt.
func (r *agentRunner) memoryContext(ctx context.Context, agentID string) string {
	if r.store == nil {
		return ""
	}
	entries, err := r.store.Recall(ctx, memory.Filter{ShareLevel: protocol.ShareTeam, Limit: 16})
	if err != nil {
		r.logger.Warn("memory context recall failed", "agent_id", agentID, "error", err)
		return ""
	}
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "[%s] %s\n", e.Kind, e.Content)
	}
	return b.String()
}

// storeEntries writes agent-returned memory entries to the shared store.
func (r *agentRunner) storeEntries(agentID string, entries []protocol.MemoryEntry) {
	if r.store == nil {
		return
	}
	for _, e := range entries {
		if e.OwnerAgentID == "" {
			e.OwnerAgentID = agentID
		}
		e.ID = "" // store assigns ids
		if _, err := r.store.Remember(context.Background(), e); err != nil {
			r.logger.Warn("agent memory entry rejected", "agent_id", agentID, "error", err)
		}
	}
}
