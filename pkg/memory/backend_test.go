package memory

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"swarm/pkg/protocol"
)

func testBackend(t *testing.T) (*FileBackend, string) {
	t.Helper()
	dir := t.TempDir()
	b, err := NewFileBackend(dir, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	if err != nil {
		t.Fatalf("new backend: %v", err)
	}
	return b, dir
}

func TestBackendRoundTrip(t *testing.T) {
	b, _ := testBackend(t)
	ctx := context.Background()

	entries := []protocol.MemoryEntry{
		{ID: "k1", Kind: protocol.KindKnowledge, Content: []byte(`"fact"`)},
		{ID: "r1", Kind: protocol.KindResult, Content: []byte(`{"ok":true}`)},
		{ID: "s1", Kind: protocol.KindState, Content: []byte(`1`)},
	}
	if err := b.Save(ctx, entries); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d entries, want 3", len(got))
	}
	byID := map[string]protocol.MemoryEntry{}
	for _, e := range got {
		byID[e.ID] = e
	}
	if byID["k1"].Kind != protocol.KindKnowledge {
		t.Errorf("k1 kind = %q, want knowledge", byID["k1"].Kind)
	}
}

func TestBackendSplitsKnowledgeDocument(t *testing.T) {
	b, dir := testBackend(t)
	ctx := context.Background()

	entries := []protocol.MemoryEntry{
		{ID: "k1", Kind: protocol.KindKnowledge, Content: []byte(`"fact"`)},
		{ID: "r1", Kind: protocol.KindResult, Content: []byte(`2`)},
	}
	if err := b.Save(ctx, entries); err != nil {
		t.Fatalf("save: %v", err)
	}

	kb, err := os.ReadFile(filepath.Join(dir, docKnowledge))
	if err != nil {
		t.Fatalf("read knowledge doc: %v", err)
	}
	if !bytes.Contains(kb, []byte("k1")) || bytes.Contains(kb, []byte("r1")) {
		t.Errorf("knowledge document should hold k1 only, got: %s", kb)
	}
}

func TestBackendLoadEmptyDir(t *testing.T) {
	b, _ := testBackend(t)

	got, err := b.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d entries from empty dir, want 0", len(got))
	}
}

func TestBackendRecoversFromBackup(t *testing.T) {
	b, dir := testBackend(t)
	ctx := context.Background()

	// Two saves so a .bak generation exists.
	if err := b.Save(ctx, []protocol.MemoryEntry{{ID: "old", Kind: protocol.KindResult, Content: []byte(`1`)}}); err != nil {
		t.Fatalf("save 1: %v", err)
	}
	if err := b.Save(ctx, []protocol.MemoryEntry{{ID: "new", Kind: protocol.KindResult, Content: []byte(`2`)}}); err != nil {
		t.Fatalf("save 2: %v", err)
	}

	// Corrupt the primary document, simulating a torn write.
	if err := os.WriteFile(filepath.Join(dir, docEntries), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].ID != "old" {
		t.Fatalf("got %+v, want the backup generation [old]", got)
	}
}

func TestBackendRecoversWhenPrimaryMissing(t *testing.T) {
	b, dir := testBackend(t)
	ctx := context.Background()

	if err := b.Save(ctx, []protocol.MemoryEntry{{ID: "gen1", Kind: protocol.KindResult, Content: []byte(`1`)}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	// Simulate a crash in the save window after the primary was rotated to
	// .bak but before the new generation was renamed into place.
	primary := filepath.Join(dir, docEntries)
	if err := os.Rename(primary, primary+".bak"); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != 1 || got[0].ID != "gen1" {
		t.Fatalf("load after crash window = %+v, want previous generation [gen1]", got)
	}
}

func TestBackendStartsEmptyWhenBackupAlsoCorrupt(t *testing.T) {
	b, dir := testBackend(t)
	ctx := context.Background()

	if err := os.WriteFile(filepath.Join(dir, docEntries), []byte("{"), 0o600); err != nil {
		t.Fatalf("write primary: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, docEntries+".bak"), []byte("["), 0o600); err != nil {
		t.Fatalf("write backup: %v", err)
	}

	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("load should not fail on unrecoverable documents: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d entries, want 0", len(got))
	}
}
