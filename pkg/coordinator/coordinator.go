// Package coordinator owns the task dependency graph and drives the swarm:
// it promotes tasks as their dependencies complete, binds them to pooled
// agents, retries failures with backoff, cascades failure and cancellation
// through dependents, reports dependency deadlocks, and shuts the whole
// system down in bounded time.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"swarm/pkg/agent"
	"swarm/pkg/memory"
	"swarm/pkg/protocol"
)

// ErrStopped is returned for operations on a coordinator that has shut down.
var ErrStopped = errors.New("coordinator stopped")

// Runner executes one task on a bound agent. The passed context is cancelled
// on task cancellation, task timeout, and coordinator shutdown; the runner
// must terminate its process tree when that happens.
type Runner interface {
	Run(ctx context.Context, task Task, agentID string) (output string, err error)
}

// EventLog is the durable sink for coordinator events; satisfied by
// *eventlog.Log. A nil log disables durable events.
type EventLog interface {
	Append(ctx context.Context, evType, source, taskID, agentID, payload string) error
	Archive(ctx context.Context, taskID, state, errorCode string, retries int, createdAt, completedAt time.Time) error
}

// Config holds Coordinator configuration.
type Config struct {
	TickInterval        time.Duration // scheduling pass interval (default 500ms)
	DetectInterval      time.Duration // deadlock detection interval (default 30s)
	ArchiveInterval     time.Duration // archival sweep interval (default 1m)
	Retention           time.Duration // terminal tasks kept before archival (default 10m)
	RetryBackoffBase    time.Duration // first retry delay, doubles per retry (default 1s)
	FullScanThreshold   int           // dirty-set size forcing a full deadlock scan (default 64)
	ShutdownStepTimeout time.Duration // per-step bound during shutdown (default 5s)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.TickInterval == 0 {
		out.TickInterval = 500 * time.Millisecond
	}
	if out.DetectInterval == 0 {
		out.DetectInterval = 30 * time.Second
	}
	if out.ArchiveInterval == 0 {
		out.ArchiveInterval = time.Minute
	}
	if out.Retention == 0 {
		out.Retention = 10 * time.Minute
	}
	if out.RetryBackoffBase == 0 {
		out.RetryBackoffBase = time.Second
	}
	if out.FullScanThreshold == 0 {
		out.FullScanThreshold = 64
	}
	if out.ShutdownStepTimeout == 0 {
		out.ShutdownStepTimeout = 5 * time.Second
	}
	return out
}

// Coordinator schedules tasks over the agent pool. All graph and task state
// is guarded by one mutex; execution and I/O happen in goroutines that
// re-enter through reportResult.
type Coordinator struct {
	cfg    Config
	logger *slog.Logger
	agents *agent.Manager
	store  *memory.Store
	runner Runner
	events EventLog

	mu      sync.Mutex
	graph   *depGraph
	tasks   map[string]*Task
	running map[string]context.CancelFunc
	stopped bool

	sf          singleflight.Group
	shutdownMu  sync.Mutex
	shutdownRan bool
	shutdownErr error

	startedAt time.Time
	done      chan struct{}
	loopWg    sync.WaitGroup
	taskWg    sync.WaitGroup

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Coordinator and starts its scheduling, deadlock detection,
// and archival loops. events may be nil.
func New(cfg Config, agents *agent.Manager, store *memory.Store, runner Runner, events EventLog, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	c := &Coordinator{
		cfg:     cfg,
		logger:  logger,
		agents:  agents,
		store:   store,
		runner:  runner,
		events:  events,
		graph:   newDepGraph(cfg.FullScanThreshold),
		tasks:   make(map[string]*Task),
		running: make(map[string]context.CancelFunc),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
	c.startedAt = c.nowFunc()

	c.loopWg.Add(1)
	go c.loop()
	return c
}

func (c *Coordinator) loop() {
	defer c.loopWg.Done()
	tick := time.NewTicker(c.cfg.TickInterval)
	detect := time.NewTicker(c.cfg.DetectInterval)
	archive := time.NewTicker(c.cfg.ArchiveInterval)
	defer tick.Stop()
	defer detect.Stop()
	defer archive.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-tick.C:
			c.tick()
		case <-detect.C:
			c.detectDeadlock()
		case <-archive.C:
			c.archiveSweep()
		}
	}
}

func (c *Coordinator) emit(evType, taskID, agentID, payload string) {
	if c.events == nil {
		return
	}
	if err := c.events.Append(context.Background(), evType, "coordinator", taskID, agentID, payload); err != nil {
		c.logger.Warn("event append failed", "type", evType, "error", err)
	}
}

// Submit adds a task to the graph. Dependencies may name tasks not yet
// submitted. Returns the task id, or InvalidGraph if an edge would close a
// dependency cycle; a rejected submission leaves the graph untouched.
func (c *Coordinator) Submit(t Task) (string, error) {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.MaxRetries < 0 {
		return "", &protocol.ValidationError{Field: "max_retries", Reason: "must be non-negative"}
	}
	if t.Goal == "" && len(t.Argv) == 0 {
		return "", &protocol.ValidationError{Field: "goal", Reason: "task needs a goal or an argv"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return "", ErrStopped
	}
	if _, exists := c.tasks[t.ID]; exists {
		return "", &protocol.ValidationError{Field: "id", Reason: "task id already submitted"}
	}
	if err := c.graph.add(t.ID, t.Dependencies); err != nil {
		return "", err
	}

	t.State = protocol.TaskPending
	t.CreatedAt = c.nowFunc()
	c.tasks[t.ID] = &t

	c.logger.Info("task submitted", "task_id", t.ID, "deps", len(t.Dependencies), "priority", t.Priority)
	c.emit("task_submitted", t.ID, "", "")
	return t.ID, nil
}

// Cancel cancels a task and transitively cancels its dependents. A running
// task's context is cancelled, which tears down its process. Cancelling an
// already-terminal task is a no-op.
func (c *Coordinator) Cancel(id string) error {
	c.mu.Lock()
	t, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return protocol.ErrNotFound
	}
	if t.State.Terminal() {
		c.mu.Unlock()
		return nil
	}

	cancelled := c.cancelLocked(t)
	c.mu.Unlock()

	for _, cid := range cancelled {
		c.emit("task_cancelled", cid, "", "")
	}
	return nil
}

// cancelLocked cancels t and cascades through non-terminal dependents,
// returning the ids cancelled. Caller holds c.mu.
func (c *Coordinator) cancelLocked(t *Task) []string {
	var out []string
	queue := []*Task{t}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.State.Terminal() {
			continue
		}
		if cancel, running := c.running[cur.ID]; running {
			cancel()
		}
		if err := cur.transition(protocol.TaskCancelled); err != nil {
			c.logger.Warn("cancel transition refused", "task_id", cur.ID, "error", err)
			continue
		}
		cur.CompletedAt = c.nowFunc()
		c.graph.markDirty(cur.ID)
		out = append(out, cur.ID)
		c.logger.Info("task cancelled", "task_id", cur.ID)

		for _, depID := range c.graph.dependentsOf(cur.ID) {
			dep, ok := c.tasks[depID]
			if !ok || dep.TolerateFailure {
				continue
			}
			queue = append(queue, dep)
		}
	}
	return out
}

// Status returns a snapshot of the task.
func (c *Coordinator) Status(id string) (Task, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return Task{}, protocol.ErrNotFound
	}
	return t.clone(), nil
}

// Snapshot is a point-in-time view of the whole swarm for status display.
type Snapshot struct {
	TaskCounts  map[protocol.TaskState]int  `json:"task_counts"`
	AgentCounts map[protocol.AgentState]int `json:"agent_counts"`
	Uptime      time.Duration               `json:"uptime"`
	Stopped     bool                        `json:"stopped"`
}

// Snap returns current task and agent counts.
func (c *Coordinator) Snap() Snapshot {
	c.mu.Lock()
	counts := make(map[protocol.TaskState]int)
	for _, t := range c.tasks {
		counts[t.State]++
	}
	stopped := c.stopped
	c.mu.Unlock()

	return Snapshot{
		TaskCounts:  counts,
		AgentCounts: c.agents.Counts(),
		Uptime:      c.nowFunc().Sub(c.startedAt),
		Stopped:     stopped,
	}
}

// tick is one scheduling pass: promote Pending tasks whose dependencies are
// satisfied, then bind Ready tasks to agents. Absence of agents is routine;
// Ready tasks simply wait for the next pass.
func (c *Coordinator) tick() {
	now := c.nowFunc()

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}

	var ready []*Task
	for _, t := range c.tasks {
		switch t.State {
		case protocol.TaskPending:
			if now.Before(t.notBefore) {
				continue
			}
			if !c.depsSatisfiedLocked(t) {
				continue
			}
			if err := t.transition(protocol.TaskReady); err != nil {
				c.logger.Warn("promote refused", "task_id", t.ID, "error", err)
				continue
			}
			ready = append(ready, t)
		case protocol.TaskReady:
			ready = append(ready, t)
		}
	}

	// Highest priority first, oldest first within a priority.
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	var launches []launch
	for _, t := range ready {
		agentID, ok := c.agents.Acquire(t.ID, t.Capabilities)
		if !ok {
			// Park the task in an agent backlog; it is dispatched when an
			// agent frees up, without waiting for the next tick.
			if !t.queued && c.agents.Enqueue(t.ID, t.Capabilities) {
				t.queued = true
			}
			continue
		}
		if l, ok := c.bindLocked(t, agentID, now); ok {
			launches = append(launches, l)
		}
	}
	c.mu.Unlock()

	for _, l := range launches {
		c.start(l)
	}
}

// launch carries everything a task execution goroutine needs.
type launch struct {
	task    Task
	agentID string
	ctx     context.Context
}

// bindLocked marks t Running on agentID and prepares its execution context.
// Caller holds c.mu.
func (c *Coordinator) bindLocked(t *Task, agentID string, now time.Time) (launch, bool) {
	if err := t.transition(protocol.TaskRunning); err != nil {
		c.logger.Warn("run transition refused", "task_id", t.ID, "error", err)
		_ = c.agents.Release(agentID, true)
		return launch{}, false
	}
	t.queued = false
	t.AssignedAgent = agentID
	t.StartedAt = now
	c.graph.markDirty(t.ID)

	var ctx context.Context
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), t.Timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	c.running[t.ID] = cancel
	return launch{task: t.clone(), agentID: agentID, ctx: ctx}, true
}

// start runs a bound task in its own goroutine, heartbeating the agent for
// the duration so a long execution is not mistaken for a dead agent.
func (c *Coordinator) start(l launch) {
	c.emit("task_state", l.task.ID, l.agentID, `{"state":"running"}`)
	c.taskWg.Add(1)
	go func() {
		defer c.taskWg.Done()
		stop := c.beatWhileRunning(l.agentID)
		output, err := c.runner.Run(l.ctx, l.task, l.agentID)
		stop()
		c.reportResult(l.task.ID, output, err)
	}()
}

// beatWhileRunning heartbeats agentID until the returned stop function is
// called.
func (c *Coordinator) beatWhileRunning(agentID string) func() {
	interval := c.agents.HeartbeatWindow() / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = c.agents.Heartbeat(agentID)
			}
		}
	}()
	return func() { close(done) }
}

// dispatchBacklog starts the next backlogged task after agentID frees up.
// Entries whose task moved on since it was parked are discarded; one task is
// started per freed agent.
func (c *Coordinator) dispatchBacklog(agentID string) {
	for {
		taskID, ok := c.agents.Dequeue(agentID)
		if !ok {
			return
		}

		c.mu.Lock()
		if c.stopped {
			c.mu.Unlock()
			return
		}
		t, exists := c.tasks[taskID]
		if !exists || t.State != protocol.TaskReady {
			if exists {
				t.queued = false
			}
			c.mu.Unlock()
			continue
		}
		boundID, acquired := c.agents.Acquire(taskID, t.Capabilities)
		if !acquired {
			// A concurrent tick took the freed agent; park the task again.
			if !c.agents.Enqueue(taskID, t.Capabilities) {
				t.queued = false
			}
			c.mu.Unlock()
			return
		}
		l, bound := c.bindLocked(t, boundID, c.nowFunc())
		c.mu.Unlock()

		if bound {
			c.start(l)
			return
		}
	}
}

// depsSatisfiedLocked reports whether every dependency of t has completed. A
// failed or cancelled dependency counts as satisfied only when t tolerates
// partial failure. Caller holds c.mu.
func (c *Coordinator) depsSatisfiedLocked(t *Task) bool {
	for _, depID := range c.graph.dependencies(t.ID) {
		dep, ok := c.tasks[depID]
		if !ok {
			// Forward reference not yet submitted.
			return false
		}
		switch dep.State {
		case protocol.TaskCompleted:
		case protocol.TaskFailed, protocol.TaskCancelled:
			if !t.TolerateFailure {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// reportResult settles a finished execution. Completion reporting is
// serialized per task by the coordinator lock; a task already driven
// terminal (cancellation) only releases its agent.
func (c *Coordinator) reportResult(id, output string, runErr error) {
	now := c.nowFunc()

	c.mu.Lock()
	t, ok := c.tasks[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	if cancel, live := c.running[id]; live {
		cancel()
		delete(c.running, id)
	}
	agentID := t.AssignedAgent
	t.AssignedAgent = ""

	if t.State.Terminal() {
		c.mu.Unlock()
		if agentID != "" {
			_ = c.agents.Release(agentID, true)
			c.dispatchBacklog(agentID)
		}
		return
	}

	if runErr == nil {
		if err := t.transition(protocol.TaskCompleted); err != nil {
			c.logger.Warn("complete transition refused", "task_id", id, "error", err)
		}
		t.CompletedAt = now
		c.graph.markDirty(id)
		c.mu.Unlock()

		if agentID != "" {
			_ = c.agents.Release(agentID, true)
			c.dispatchBacklog(agentID)
		}
		c.recordResult(id, agentID, output)
		c.logger.Info("task completed", "task_id", id, "agent_id", agentID)
		c.emit("task_state", id, agentID, `{"state":"completed"}`)
		return
	}

	// Failure path.
	t.ErrorCode = protocol.CodeFor(runErr)
	if err := t.transition(protocol.TaskFailed); err != nil {
		c.logger.Warn("fail transition refused", "task_id", id, "error", err)
	}
	c.graph.markDirty(id)

	var failedIDs []string
	retrying := t.RetryCount < t.MaxRetries
	if retrying {
		t.RetryCount++
		// Exponential backoff before the task becomes Ready again.
		delay := c.cfg.RetryBackoffBase << (t.RetryCount - 1)
		t.notBefore = now.Add(delay)
		if err := t.transition(protocol.TaskPending); err != nil {
			c.logger.Warn("retry transition refused", "task_id", id, "error", err)
		}
	} else {
		t.CompletedAt = now
		failedIDs = c.failDependentsLocked(t)
	}
	retryCount := t.RetryCount
	c.mu.Unlock()

	if agentID != "" {
		_ = c.agents.Release(agentID, false)
		c.dispatchBacklog(agentID)
	}
	if retrying {
		c.logger.Warn("task failed, retrying", "task_id", id, "retry", retryCount, "error", runErr)
		c.emit("task_retry", id, agentID, "")
		return
	}
	c.logger.Error("task failed permanently", "task_id", id, "retries", retryCount, "error", runErr)
	c.emit("task_state", id, agentID, `{"state":"failed"}`)
	for _, fid := range failedIDs {
		c.emit("task_state", fid, "", `{"state":"failed","cascaded":true}`)
	}
}

// failDependentsLocked cascades a permanent failure through non-terminal
// dependents that do not tolerate it. Caller holds c.mu.
func (c *Coordinator) failDependentsLocked(failed *Task) []string {
	var out []string
	queue := c.graph.dependentsOf(failed.ID)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		t, ok := c.tasks[id]
		if !ok || t.State.Terminal() || t.TolerateFailure {
			continue
		}
		t.ErrorCode = failed.ErrorCode
		if err := t.transition(protocol.TaskFailed); err != nil {
			c.logger.Warn("cascade transition refused", "task_id", id, "error", err)
			continue
		}
		t.CompletedAt = c.nowFunc()
		c.graph.markDirty(id)
		out = append(out, id)
		queue = append(queue, c.graph.dependentsOf(id)...)
	}
	return out
}

// recordResult writes a completed task's output into shared memory.
func (c *Coordinator) recordResult(taskID, agentID, output string) {
	if c.store == nil || output == "" {
		return
	}
	content, err := json.Marshal(map[string]string{"task_id": taskID, "output": output})
	if err != nil {
		return
	}
	if _, err := c.store.Remember(context.Background(), protocol.MemoryEntry{
		OwnerAgentID: agentID,
		Kind:         protocol.KindResult,
		Content:      content,
		ShareLevel:   protocol.ShareTeam,
	}); err != nil {
		c.logger.Warn("result not recorded to memory", "task_id", taskID, "error", err)
	}
}

// detectDeadlock runs the scoped cycle scan and reports a witness cycle as
// an event. Resolution is left to the operator; nothing is cancelled here.
func (c *Coordinator) detectDeadlock() {
	c.mu.Lock()
	cycle := c.graph.detectCycle()
	c.mu.Unlock()
	if cycle == nil {
		return
	}

	payload, _ := json.Marshal(map[string][]string{"cycle": cycle})
	c.logger.Warn("dependency deadlock detected", "cycle", cycle)
	c.emit("deadlock", cycle[0], "", string(payload))
}

// archiveSweep prunes terminal tasks older than the retention window, once
// every task depending on them is terminal too, recording them durably.
func (c *Coordinator) archiveSweep() {
	now := c.nowFunc()

	c.mu.Lock()
	var victims []*Task
	for _, t := range c.tasks {
		if !t.State.Terminal() || t.CompletedAt.IsZero() {
			continue
		}
		if now.Sub(t.CompletedAt) < c.cfg.Retention {
			continue
		}
		liveDependent := false
		for _, depID := range c.graph.dependentsOf(t.ID) {
			if dep, ok := c.tasks[depID]; ok && !dep.State.Terminal() {
				liveDependent = true
				break
			}
		}
		if !liveDependent {
			victims = append(victims, t)
		}
	}
	for _, t := range victims {
		c.graph.remove(t.ID)
		delete(c.tasks, t.ID)
	}
	c.mu.Unlock()

	for _, t := range victims {
		if c.events != nil {
			if err := c.events.Archive(context.Background(), t.ID, string(t.State), t.ErrorCode, t.RetryCount, t.CreatedAt, t.CompletedAt); err != nil {
				c.logger.Warn("archive failed", "task_id", t.ID, "error", err)
			}
		}
		c.emit("task_archived", t.ID, "", "")
		c.logger.Info("task archived", "task_id", t.ID, "state", string(t.State))
	}
}
