package agent

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"swarm/pkg/protocol"
)

func newTestManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	if cfg.SweepInterval == 0 {
		// Keep the background sweeper quiet; tests call sweep directly.
		cfg.SweepInterval = time.Hour
	}
	m := NewManager(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(m.Close)
	return m
}

func TestAcquireMatchesCapabilities(t *testing.T) {
	m := newTestManager(t, Config{})
	goID := m.Register([]string{"go", "test"})
	m.Register([]string{"python"})

	id, ok := m.Acquire("t1", []string{"go"})
	if !ok {
		t.Fatal("acquire returned none with a matching idle agent")
	}
	if id != goID {
		t.Errorf("acquired %s, want the go-capable agent %s", id, goID)
	}

	// The only go agent is now busy.
	if _, ok := m.Acquire("t2", []string{"go"}); ok {
		t.Error("acquired a second go agent that does not exist")
	}
}

func TestAcquireAllBusyReturnsNone(t *testing.T) {
	m := newTestManager(t, Config{})
	for i := 0; i < 3; i++ {
		m.Register(nil)
	}
	for i := 0; i < 3; i++ {
		if _, ok := m.Acquire("t", nil); !ok {
			t.Fatalf("acquire %d failed with idle agents left", i)
		}
	}

	// Exhausted pool: none, promptly, no error.
	done := make(chan bool, 1)
	go func() {
		_, ok := m.Acquire("overflow", nil)
		done <- ok
	}()
	select {
	case ok := <-done:
		if ok {
			t.Error("acquire succeeded on an exhausted pool")
		}
	case <-time.After(time.Second):
		t.Fatal("acquire blocked")
	}
}

func TestAcquireTieBreak(t *testing.T) {
	m := newTestManager(t, Config{FailureThreshold: 10})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return now }

	flaky := m.Register(nil)
	steady := m.Register(nil)

	// Acquire both so each agent sees exactly one cycle, then release with
	// opposite outcomes.
	first, _ := m.Acquire("t1", nil)
	second, _ := m.Acquire("t2", nil)
	if first == "" || second == "" {
		t.Fatal("acquire failed with two idle agents")
	}
	_ = m.Release(flaky, false)
	_ = m.Release(steady, true)

	// Both idle again: fewest consecutive failures wins.
	got, ok := m.Acquire("t3", nil)
	if !ok || got != steady {
		t.Fatalf("tie-break picked (%s, %v), want steady agent %s", got, ok, steady)
	}
}

func TestReleaseFailureThreshold(t *testing.T) {
	m := newTestManager(t, Config{FailureThreshold: 2})
	id := m.Register(nil)

	for i := 0; i < 2; i++ {
		got, ok := m.Acquire("t", nil)
		if !ok || got != id {
			t.Fatalf("acquire %d = (%s, %v)", i, got, ok)
		}
		if err := m.Release(id, false); err != nil {
			t.Fatalf("release: %v", err)
		}
	}

	if _, ok := m.Acquire("t", nil); ok {
		t.Error("unhealthy agent was acquired")
	}
	if counts := m.Counts(); counts[protocol.AgentUnhealthy] != 1 {
		t.Errorf("counts = %v, want one unhealthy", counts)
	}

	select {
	case ev := <-m.Events():
		if ev.Type != EventUnhealthy || ev.AgentID != id {
			t.Errorf("event = %+v, want unhealthy for %s", ev, id)
		}
	case <-time.After(time.Second):
		t.Fatal("no unhealthy event")
	}

	// The next sweep replaces the idle unhealthy agent in kind.
	m.sweep()
	counts := m.Counts()
	if counts[protocol.AgentUnhealthy] != 0 || counts[protocol.AgentIdle] != 1 {
		t.Errorf("counts after sweep = %v, want the unhealthy agent replaced", counts)
	}
	gotReplaced := false
	for !gotReplaced {
		select {
		case ev := <-m.Events():
			if ev.Type == EventReplaced && ev.AgentID == id {
				gotReplaced = true
			}
		case <-time.After(time.Second):
			t.Fatal("no replacement event")
		}
	}
}

func TestReleaseSuccessResetsFailures(t *testing.T) {
	m := newTestManager(t, Config{FailureThreshold: 2})
	id := m.Register(nil)

	steps := []bool{false, true, false}
	for _, success := range steps {
		if _, ok := m.Acquire("t", nil); !ok {
			t.Fatal("acquire failed")
		}
		if err := m.Release(id, success); err != nil {
			t.Fatalf("release: %v", err)
		}
	}
	// failure, success (reset), failure: still below threshold.
	if _, ok := m.Acquire("t", nil); !ok {
		t.Error("agent unhealthy despite interleaved success")
	}
}

func TestHeartbeatSweep(t *testing.T) {
	m := newTestManager(t, Config{HeartbeatTimeout: time.Minute})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return now }

	m.Register([]string{"go"})
	m.Register([]string{"go"})
	stale, ok := m.Acquire("t1", nil)
	if !ok {
		t.Fatal("acquire failed")
	}
	fresh, ok := m.Acquire("t2", nil)
	if !ok {
		t.Fatal("acquire failed")
	}

	now = now.Add(2 * time.Minute)
	if err := m.Heartbeat(fresh); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	m.sweep()

	counts := m.Counts()
	if counts[protocol.AgentUnhealthy] != 1 || counts[protocol.AgentBusy] != 1 {
		t.Errorf("counts = %v, want one unhealthy and one busy", counts)
	}
	gotUnhealthy := false
	for !gotUnhealthy {
		select {
		case ev := <-m.Events():
			if ev.Type == EventUnhealthy && ev.AgentID == stale {
				gotUnhealthy = true
			}
		case <-time.After(time.Second):
			t.Fatal("no unhealthy event for stale agent")
		}
	}
}

func TestSweepLeavesIdleAgentsAlone(t *testing.T) {
	m := newTestManager(t, Config{HeartbeatTimeout: time.Minute})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return now }

	m.Register(nil)

	// An idle agent beats nothing for hours and must not be churned.
	now = now.Add(3 * time.Hour)
	m.sweep()

	if counts := m.Counts(); counts[protocol.AgentIdle] != 1 {
		t.Fatalf("counts = %v, want the idle agent untouched", counts)
	}
	select {
	case ev := <-m.Events():
		t.Errorf("unexpected event for idle agent: %+v", ev)
	default:
	}
}

func TestAcquireAndReleaseCountAsLiveness(t *testing.T) {
	m := newTestManager(t, Config{HeartbeatTimeout: time.Minute})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.nowFunc = func() time.Time { return now }

	m.Register(nil)

	// Binding work long after registration refreshes the beat; the agent is
	// not lapsed against its registration time.
	now = now.Add(10 * time.Minute)
	id, ok := m.Acquire("t1", nil)
	if !ok {
		t.Fatal("acquire failed")
	}
	m.sweep()
	if counts := m.Counts(); counts[protocol.AgentBusy] != 1 {
		t.Fatalf("counts = %v, freshly bound agent was lapsed", counts)
	}

	// Release also counts; rebinding within the window stays healthy.
	now = now.Add(30 * time.Second)
	if err := m.Release(id, true); err != nil {
		t.Fatalf("release: %v", err)
	}
	now = now.Add(45 * time.Second)
	if _, ok := m.Acquire("t2", nil); !ok {
		t.Fatal("reacquire failed")
	}
	m.sweep()
	if counts := m.Counts(); counts[protocol.AgentUnhealthy] != 0 {
		t.Errorf("counts = %v, active agent marked unhealthy", counts)
	}
}

func TestScaleUpAndDown(t *testing.T) {
	m := newTestManager(t, Config{DefaultCapabilities: []string{"go"}})

	m.Scale(3)
	if counts := m.Counts(); counts[protocol.AgentIdle] != 3 {
		t.Fatalf("counts after scale up = %v, want 3 idle", counts)
	}

	m.Scale(1)
	total := 0
	for _, n := range m.Counts() {
		total += n
	}
	if total != 1 {
		t.Errorf("%d agents after scale down, want 1", total)
	}
}

func TestScaleDownDefersBusyAgents(t *testing.T) {
	m := newTestManager(t, Config{})
	id := m.Register(nil)
	if _, ok := m.Acquire("t1", nil); !ok {
		t.Fatal("acquire failed")
	}

	m.Scale(0)
	// The busy agent survives, draining.
	if counts := m.Counts(); counts[protocol.AgentDraining] != 1 {
		t.Fatalf("counts = %v, want one draining agent", counts)
	}
	if task, ok := m.CurrentTask(id); !ok || task != "t1" {
		t.Errorf("current task = (%s, %v), scale down must not interrupt it", task, ok)
	}

	// Release completes the deferred removal.
	if err := m.Release(id, true); err != nil {
		t.Fatalf("release: %v", err)
	}
	total := 0
	for _, n := range m.Counts() {
		total += n
	}
	if total != 0 {
		t.Errorf("%d agents after release of draining agent, want 0", total)
	}
}

func TestDeregister(t *testing.T) {
	m := newTestManager(t, Config{})
	id := m.Register(nil)

	if err := m.Deregister(id); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if err := m.Deregister(id); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("second deregister = %v, want ErrNotFound", err)
	}
}

func TestDeregisterBusyDrains(t *testing.T) {
	m := newTestManager(t, Config{})
	id := m.Register(nil)
	if _, ok := m.Acquire("t1", nil); !ok {
		t.Fatal("acquire failed")
	}

	if err := m.Deregister(id); err != nil {
		t.Fatalf("deregister: %v", err)
	}
	if counts := m.Counts(); counts[protocol.AgentDraining] != 1 {
		t.Errorf("counts = %v, want the busy agent draining", counts)
	}
	_ = m.Release(id, true)
	if err := m.Heartbeat(id); !errors.Is(err, protocol.ErrNotFound) {
		t.Errorf("agent still present after drained removal: %v", err)
	}
}

func TestBacklogAndWorkStealing(t *testing.T) {
	m := newTestManager(t, Config{})
	loaded := m.Register([]string{"go"})
	idle := m.Register([]string{"go", "extra"})

	// Load one agent's backlog directly.
	m.mu.Lock()
	rec := m.agents[loaded]
	m.mu.Unlock()
	for _, task := range []string{"t1", "t2", "t3", "t4"} {
		if !rec.backlog.push(task) {
			t.Fatalf("push %s failed", task)
		}
	}

	// The idle agent covers the loaded agent's capabilities and steals.
	taskID, ok := m.Dequeue(idle)
	if !ok {
		t.Fatal("dequeue found no work to steal")
	}
	if taskID != "t3" {
		t.Errorf("stole %s first, want t3 (newest half, oldest first)", taskID)
	}
	// The victim keeps the oldest half in order.
	if next, ok := m.Dequeue(loaded); !ok || next != "t1" {
		t.Errorf("victim dequeued (%s, %v), want t1", next, ok)
	}
}

func TestDequeueRespectsCapabilities(t *testing.T) {
	m := newTestManager(t, Config{})
	goAgent := m.Register([]string{"go"})
	pyAgent := m.Register([]string{"python"})

	if !m.Enqueue("t1", []string{"go"}) {
		t.Fatal("enqueue failed")
	}

	// The python agent cannot cover the go agent's capabilities.
	if task, ok := m.Dequeue(pyAgent); ok {
		t.Errorf("python agent stole %s from an incompatible backlog", task)
	}
	if task, ok := m.Dequeue(goAgent); !ok || task != "t1" {
		t.Errorf("go agent dequeued (%s, %v), want t1", task, ok)
	}
}

func TestEnqueuePicksLeastLoaded(t *testing.T) {
	m := newTestManager(t, Config{BacklogCapacity: 2})
	a := m.Register(nil)
	b := m.Register(nil)

	if !m.Enqueue("t1", nil) || !m.Enqueue("t2", nil) {
		t.Fatal("enqueue failed")
	}

	// Balanced spread: one task per backlog.
	m.mu.Lock()
	la, lb := m.agents[a].backlog.len(), m.agents[b].backlog.len()
	m.mu.Unlock()
	if la != 1 || lb != 1 {
		t.Errorf("backlogs = %d/%d, want 1/1", la, lb)
	}
}
