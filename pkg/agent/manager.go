// Package agent manages the pool of logical agents the coordinator assigns
// work to. Each agent runs at most one task at a time; health is tracked via
// heartbeats and release outcomes, and the pool can be scaled up and down
// without interrupting busy agents.
package agent

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"swarm/pkg/protocol"
)

// Config holds Manager configuration.
type Config struct {
	FailureThreshold    int           // consecutive failures before Unhealthy (default 3)
	HeartbeatTimeout    time.Duration // missed-heartbeat window before Unhealthy (default 30s)
	SweepInterval       time.Duration // health sweep interval (default 10s)
	BacklogCapacity     int           // per-agent queued-task bound (default 16)
	DefaultCapabilities []string      // capabilities for agents added by Scale
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.FailureThreshold == 0 {
		out.FailureThreshold = 3
	}
	if out.HeartbeatTimeout == 0 {
		out.HeartbeatTimeout = 30 * time.Second
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = 10 * time.Second
	}
	if out.BacklogCapacity == 0 {
		out.BacklogCapacity = 16
	}
	return out
}

// HealthEventType classifies pool health events.
type HealthEventType string

// Health event type constants.
const (
	EventUnhealthy HealthEventType = "agent_unhealthy"
	EventReplaced  HealthEventType = "agent_replaced"
	EventRemoved   HealthEventType = "agent_removed"
)

// HealthEvent is an observable pool event, consumed by the event log.
type HealthEvent struct {
	Type    HealthEventType
	AgentID string
	Reason  string
}

// record is the manager's view of one agent.
type record struct {
	id           string
	capabilities map[string]struct{}
	state        protocol.AgentState
	currentTask  string
	lastBeat     time.Time
	lastReleased time.Time
	failures     int
	removeLater  bool // scale-down requested while Busy
	backlog      *taskQueue
}

func (r *record) hasAll(caps []string) bool {
	for _, c := range caps {
		if _, ok := r.capabilities[c]; !ok {
			return false
		}
	}
	return true
}

// Manager owns the agent pool. Safe for concurrent use; all pool state is
// guarded by a single mutex, with health sweeps on a background ticker.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	agents map[string]*record

	events chan HealthEvent
	done   chan struct{}
	wg     sync.WaitGroup

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// NewManager creates a Manager and starts its health sweep loop. Call Close
// to stop it.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		agents:  make(map[string]*record),
		events:  make(chan HealthEvent, 64),
		done:    make(chan struct{}),
		nowFunc: time.Now,
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// Events returns the pool's health event channel.
func (m *Manager) Events() <-chan HealthEvent {
	return m.events
}

func (m *Manager) emit(ev HealthEvent) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("health event channel full, dropping",
			"type", string(ev.Type), "agent_id", ev.AgentID)
	}
}

// Register adds an agent with the given capabilities and returns its id.
func (m *Manager) Register(capabilities []string) string {
	id := uuid.NewString()
	caps := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		caps[c] = struct{}{}
	}
	now := m.nowFunc()

	m.mu.Lock()
	m.agents[id] = &record{
		id:           id,
		capabilities: caps,
		state:        protocol.AgentIdle,
		lastBeat:     now,
		lastReleased: now,
		backlog:      newTaskQueue(m.cfg.BacklogCapacity),
	}
	m.mu.Unlock()

	m.logger.Info("agent registered", "agent_id", id, "capabilities", capabilities)
	return id
}

// Deregister removes an agent. A Busy agent is drained: it stops receiving
// work and is removed once its current task releases it.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	rec, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return protocol.ErrNotFound
	}
	if rec.state == protocol.AgentBusy {
		rec.state = protocol.AgentDraining
		rec.removeLater = true
		m.mu.Unlock()
		m.logger.Info("agent draining for removal", "agent_id", id)
		return nil
	}
	orphans := rec.backlog.drain()
	delete(m.agents, id)
	m.mu.Unlock()

	m.requeueOrphans(orphans)
	m.emit(HealthEvent{Type: EventRemoved, AgentID: id, Reason: "deregistered"})
	return nil
}

// Acquire returns an Idle agent matching every requested capability,
// atomically binding it to taskID and marking it Busy. The second return is
// false when no agent is available; callers retry on a later tick. Ties
// break toward the fewest consecutive failures, then least recently used.
func (m *Manager) Acquire(taskID string, capabilities []string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *record
	for _, rec := range m.agents {
		if rec.state != protocol.AgentIdle || !rec.hasAll(capabilities) {
			continue
		}
		if best == nil || better(rec, best) {
			best = rec
		}
	}
	if best == nil {
		return "", false
	}

	best.state = protocol.AgentBusy
	best.currentTask = taskID
	best.lastBeat = m.nowFunc()
	return best.id, true
}

// better reports whether a should be picked over b.
func better(a, b *record) bool {
	if a.failures != b.failures {
		return a.failures < b.failures
	}
	return a.lastReleased.Before(b.lastReleased)
}

// Release returns an agent to the pool after a task. A failed outcome
// increments the agent's consecutive-failure count; crossing the threshold
// marks it Unhealthy and excludes it from future Acquire calls.
func (m *Manager) Release(id string, success bool) error {
	m.mu.Lock()
	rec, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return protocol.ErrNotFound
	}

	rec.currentTask = ""
	rec.lastReleased = m.nowFunc()
	rec.lastBeat = rec.lastReleased

	if success {
		rec.failures = 0
	} else {
		rec.failures++
	}

	var removed bool
	var unhealthy bool
	var orphans []string
	switch {
	case rec.removeLater:
		orphans = rec.backlog.drain()
		delete(m.agents, id)
		removed = true
	case !success && rec.failures >= m.cfg.FailureThreshold:
		rec.state = protocol.AgentUnhealthy
		unhealthy = true
	default:
		rec.state = protocol.AgentIdle
	}
	m.mu.Unlock()

	if removed {
		m.requeueOrphans(orphans)
		m.emit(HealthEvent{Type: EventRemoved, AgentID: id, Reason: "drained"})
	}
	if unhealthy {
		m.logger.Warn("agent exceeded failure threshold", "agent_id", id, "failures", m.cfg.FailureThreshold)
		m.emit(HealthEvent{Type: EventUnhealthy, AgentID: id, Reason: "consecutive failures"})
	}
	return nil
}

// HeartbeatWindow returns the configured missed-heartbeat window, so callers
// driving executions can beat well inside it.
func (m *Manager) HeartbeatWindow() time.Duration {
	return m.cfg.HeartbeatTimeout
}

// Heartbeat records liveness for an agent.
func (m *Manager) Heartbeat(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok {
		return protocol.ErrNotFound
	}
	rec.lastBeat = m.nowFunc()
	return nil
}

// Scale adjusts the pool toward target. Growth registers agents with the
// configured default capabilities. Shrinking removes Idle and Unhealthy
// agents first; Busy agents are drained and removed on release, never
// interrupted.
func (m *Manager) Scale(target int) {
	m.mu.Lock()
	current := 0
	for _, rec := range m.agents {
		if !rec.removeLater {
			current++
		}
	}
	m.mu.Unlock()

	for current < target {
		m.Register(m.cfg.DefaultCapabilities)
		current++
	}
	if current <= target {
		return
	}

	m.mu.Lock()
	victims := make([]*record, 0, len(m.agents))
	for _, rec := range m.agents {
		if !rec.removeLater {
			victims = append(victims, rec)
		}
	}
	// Unhealthy first, then idle least-recently-used; busy agents last.
	sort.Slice(victims, func(i, j int) bool {
		return removalRank(victims[i]) < removalRank(victims[j])
	})

	var removedIDs []string
	var orphans []string
	for _, rec := range victims {
		if current <= target {
			break
		}
		if rec.state == protocol.AgentBusy {
			rec.state = protocol.AgentDraining
			rec.removeLater = true
		} else {
			orphans = append(orphans, rec.backlog.drain()...)
			delete(m.agents, rec.id)
			removedIDs = append(removedIDs, rec.id)
		}
		current--
	}
	m.mu.Unlock()

	m.requeueOrphans(orphans)
	for _, id := range removedIDs {
		m.emit(HealthEvent{Type: EventRemoved, AgentID: id, Reason: "scale down"})
	}
}

func removalRank(r *record) int {
	switch r.state {
	case protocol.AgentUnhealthy:
		return 0
	case protocol.AgentIdle:
		return 1
	default:
		return 2
	}
}

// Enqueue adds a task to the backlog of the least-loaded agent that has the
// required capabilities. Returns false when every compatible backlog is full
// or no compatible agent exists.
func (m *Manager) Enqueue(taskID string, capabilities []string) bool {
	m.mu.Lock()
	var best *record
	for _, rec := range m.agents {
		if rec.removeLater || rec.state == protocol.AgentUnhealthy || rec.state == protocol.AgentTerminated {
			continue
		}
		if !rec.hasAll(capabilities) {
			continue
		}
		if best == nil || rec.backlog.len() < best.backlog.len() {
			best = rec
		}
	}
	m.mu.Unlock()

	if best == nil {
		return false
	}
	return best.backlog.push(taskID)
}

// Dequeue pops the next backlog task for an agent. An agent with an empty
// backlog steals the newest half of the deepest compatible backlog, keeping
// capacity busy when the pool is imbalanced.
func (m *Manager) Dequeue(id string) (string, bool) {
	m.mu.Lock()
	rec, ok := m.agents[id]
	if !ok {
		m.mu.Unlock()
		return "", false
	}
	if taskID, ok := rec.backlog.pop(); ok {
		m.mu.Unlock()
		return taskID, true
	}

	// Steal from the deepest backlog among agents whose capabilities this
	// agent covers, so stolen work remains runnable.
	var victim *record
	for _, other := range m.agents {
		if other == rec || other.backlog.len() < 2 {
			continue
		}
		if !coveredBy(other.capabilities, rec.capabilities) {
			continue
		}
		if victim == nil || other.backlog.len() > victim.backlog.len() {
			victim = other
		}
	}
	m.mu.Unlock()

	if victim == nil {
		return "", false
	}
	stolen := victim.backlog.stealHalf()
	if len(stolen) == 0 {
		return "", false
	}
	m.logger.Debug("work stolen", "thief", id, "victim", victim.id, "count", len(stolen))
	for _, t := range stolen[1:] {
		rec.backlog.push(t)
	}
	return stolen[0], true
}

// coveredBy reports whether every capability in need is present in have.
func coveredBy(need, have map[string]struct{}) bool {
	for c := range need {
		if _, ok := have[c]; !ok {
			return false
		}
	}
	return true
}

// requeueOrphans redistributes backlog tasks from a removed agent.
func (m *Manager) requeueOrphans(taskIDs []string) {
	for _, taskID := range taskIDs {
		if !m.Enqueue(taskID, nil) {
			m.logger.Warn("orphaned backlog task dropped, no compatible agent", "task_id", taskID)
		}
	}
}

// sweepLoop periodically checks heartbeats and replaces dead agents.
func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep marks agents Unhealthy when their heartbeat window lapses, then
// replaces non-busy Unhealthy agents with fresh registrations carrying the
// same capabilities. The heartbeat window binds only agents holding work: an
// idle agent has no liveness to prove, while a bound agent that stops beating
// has a stuck execution behind it.
func (m *Manager) sweep() {
	now := m.nowFunc()

	m.mu.Lock()
	var lapsed []string
	var replace []*record
	for _, rec := range m.agents {
		if rec.state == protocol.AgentUnhealthy {
			if rec.currentTask == "" {
				replace = append(replace, rec)
			}
			continue
		}
		if rec.state == protocol.AgentTerminated || rec.currentTask == "" {
			continue
		}
		if now.Sub(rec.lastBeat) > m.cfg.HeartbeatTimeout {
			rec.state = protocol.AgentUnhealthy
			lapsed = append(lapsed, rec.id)
		}
	}
	var orphans []string
	for _, rec := range replace {
		orphans = append(orphans, rec.backlog.drain()...)
		delete(m.agents, rec.id)
	}
	m.mu.Unlock()

	m.requeueOrphans(orphans)
	for _, id := range lapsed {
		m.logger.Warn("agent heartbeat lapsed", "agent_id", id)
		m.emit(HealthEvent{Type: EventUnhealthy, AgentID: id, Reason: "heartbeat timeout"})
	}
	for _, rec := range replace {
		caps := make([]string, 0, len(rec.capabilities))
		for c := range rec.capabilities {
			caps = append(caps, c)
		}
		newID := m.Register(caps)
		m.emit(HealthEvent{Type: EventReplaced, AgentID: rec.id, Reason: "replaced by " + newID})
	}
}

// Counts returns the number of agents in each state.
func (m *Manager) Counts() map[protocol.AgentState]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[protocol.AgentState]int)
	for _, rec := range m.agents {
		out[rec.state]++
	}
	return out
}

// CurrentTask returns the task bound to an agent, if any.
func (m *Manager) CurrentTask(id string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.agents[id]
	if !ok || rec.currentTask == "" {
		return "", false
	}
	return rec.currentTask, true
}

// Close stops the sweep loop and closes the event channel. Callers must not
// use the manager afterwards.
func (m *Manager) Close() {
	close(m.done)
	m.wg.Wait()
	close(m.events)
}
