package eventlog

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "runtime.db"))
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestAppendAndQuery(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	events := []struct {
		evType, source, taskID, agentID, payload string
	}{
		{"task_state", "coordinator", "t1", "", `{"state":"ready"}`},
		{"task_state", "coordinator", "t1", "a1", `{"state":"running"}`},
		{"agent_health", "agent_manager", "", "a1", `{"state":"unhealthy"}`},
		{"deadlock", "coordinator", "t2", "", `{"cycle":["t2","t3","t2"]}`},
	}
	for _, e := range events {
		if err := l.Append(ctx, e.evType, e.source, e.taskID, e.agentID, e.payload); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := l.Query(ctx, QueryOpts{TaskID: "t1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events for t1, want 2", len(got))
	}
	// Newest first.
	if got[0].AgentID != "a1" || got[1].AgentID != "" {
		t.Errorf("unexpected order: %+v", got)
	}

	got, err = l.Query(ctx, QueryOpts{EventType: "deadlock"})
	if err != nil {
		t.Fatalf("query by type: %v", err)
	}
	if len(got) != 1 || got[0].TaskID != "t2" {
		t.Errorf("deadlock query = %+v, want single t2 event", got)
	}
}

func TestQueryLimit(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := l.Append(ctx, "task_state", "coordinator", "t1", "", ""); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := l.Query(ctx, QueryOpts{Limit: 3})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 3 {
		t.Errorf("got %d events, want 3", len(got))
	}
}

func TestQueryEmpty(t *testing.T) {
	l := openTestLog(t)

	got, err := l.Query(context.Background(), QueryOpts{TaskID: "missing"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d events, want 0", len(got))
	}
}

func TestArchive(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	created := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	completed := created.Add(5 * time.Minute)
	if err := l.Archive(ctx, "t9", "failed", "timeout", 2, created, completed); err != nil {
		t.Fatalf("archive: %v", err)
	}

	// Re-archiving the same task replaces the row rather than failing.
	if err := l.Archive(ctx, "t9", "failed", "timeout", 2, created, completed); err != nil {
		t.Fatalf("re-archive: %v", err)
	}
}
