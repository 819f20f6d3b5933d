package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"swarm/pkg/agent"
	"swarm/pkg/coordinator"
	"swarm/pkg/protocol"
)

func TestSpoolTaskYAML(t *testing.T) {
	doc := []byte(`
id: build-core
goal: build the core package
argv: ["make", "core"]
dependencies: [fetch-deps]
capabilities: [build]
priority: 5
max_retries: 2
timeout: 90s
tolerate_failure: true
`)
	var spec spoolTask
	if err := yaml.Unmarshal(doc, &spec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	task, err := spec.toTask()
	if err != nil {
		t.Fatalf("toTask: %v", err)
	}
	if task.ID != "build-core" || task.Goal != "build the core package" {
		t.Errorf("task identity = %q %q", task.ID, task.Goal)
	}
	if len(task.Argv) != 2 || task.Argv[0] != "make" {
		t.Errorf("argv = %v", task.Argv)
	}
	if len(task.Dependencies) != 1 || task.Dependencies[0] != "fetch-deps" {
		t.Errorf("dependencies = %v", task.Dependencies)
	}
	if task.Priority != 5 || task.MaxRetries != 2 || !task.TolerateFailure {
		t.Errorf("scheduling fields = %d %d %v", task.Priority, task.MaxRetries, task.TolerateFailure)
	}
	if task.Timeout != 90*time.Second {
		t.Errorf("timeout = %v, want 90s", task.Timeout)
	}
}

func TestSpoolTaskBadTimeout(t *testing.T) {
	spec := spoolTask{ID: "x", Goal: "g", Timeout: "soonish"}
	if _, err := spec.toTask(); err == nil {
		t.Fatal("expected error for unparseable timeout")
	}
}

// stubRunner completes every task immediately. The watcher tests never tick
// the coordinator, so it should not run at all.
type stubRunner struct{}

func (stubRunner) Run(_ context.Context, _ coordinator.Task, _ string) (string, error) {
	return "", nil
}

func newSpoolFixture(t *testing.T) (string, *coordinator.Coordinator, *spoolWatcher) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	mgr := agent.NewManager(agent.Config{SweepInterval: time.Hour}, logger)
	t.Cleanup(mgr.Close)
	coord := coordinator.New(coordinator.Config{
		TickInterval:    time.Hour,
		DetectInterval:  time.Hour,
		ArchiveInterval: time.Hour,
	}, mgr, nil, stubRunner{}, nil, logger)
	t.Cleanup(func() { _ = coord.Shutdown(time.Second) })

	w, err := startSpoolWatcher(dir, coord, logger)
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(w.Close)
	return dir, coord, w
}

func writeSpoolFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename %s: %v", name, err)
	}
	return path
}

func TestSpoolWatcherIngestsExistingFile(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	mgr := agent.NewManager(agent.Config{SweepInterval: time.Hour}, logger)
	t.Cleanup(mgr.Close)
	coord := coordinator.New(coordinator.Config{
		TickInterval:    time.Hour,
		DetectInterval:  time.Hour,
		ArchiveInterval: time.Hour,
	}, mgr, nil, stubRunner{}, nil, logger)
	t.Cleanup(func() { _ = coord.Shutdown(time.Second) })

	// Spooled before the daemon starts.
	path := writeSpoolFile(t, dir, "early.yaml", "id: early\ngoal: queued while down\n")

	w, err := startSpoolWatcher(dir, coord, logger)
	if err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	t.Cleanup(w.Close)

	task, err := coord.Status("early")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if task.State != protocol.TaskPending {
		t.Errorf("state = %s, want pending", task.State)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("ingested spool file not removed: %v", err)
	}
}

func TestSpoolWatcherIngestsAndCancels(t *testing.T) {
	dir, coord, _ := newSpoolFixture(t)

	writeSpoolFile(t, dir, "job.yaml", "id: job\ngoal: do something\n")
	waitForSpoolState(t, coord, "job", protocol.TaskPending)

	writeSpoolFile(t, dir, "job.cancel", "")
	waitForSpoolState(t, coord, "job", protocol.TaskCancelled)
}

func TestSpoolWatcherRejectsBadFile(t *testing.T) {
	dir, _, _ := newSpoolFixture(t)

	path := writeSpoolFile(t, dir, "broken.yaml", "id: broken\ngoal: g\ntimeout: soonish\n")

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path + ".rejected"); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("bad spool file was not moved aside")
}

func waitForSpoolState(t *testing.T, coord *coordinator.Coordinator, id string, want protocol.TaskState) {
	t.Helper()
	deadline := time.Now().Add(6 * time.Second)
	for time.Now().Before(deadline) {
		task, err := coord.Status(id)
		if err == nil && task.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	task, err := coord.Status(id)
	t.Fatalf("task %s never reached %s (now %+v, err %v)", id, want, task.State, err)
}
