package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"swarm/pkg/protocol"
)

// Backend is the durable side of the store. Implementations must make Save
// atomic: a crash mid-write leaves either the previous generation or the
// completed new one on disk, never a torn state.
type Backend interface {
	// Load returns all persisted entries.
	Load(ctx context.Context) ([]protocol.MemoryEntry, error)
	// Save replaces the persisted snapshot with entries.
	Save(ctx context.Context, entries []protocol.MemoryEntry) error
}

// Document names for the two persisted collections.
const (
	docEntries   = "entries.json"
	docKnowledge = "knowledge.json"
)

// FileBackend persists entries as two JSON documents under a directory: the
// knowledge-base collection (kind=knowledge) and the general entry
// collection (everything else). Each document is written to a temporary file
// and renamed into place, with the previous version kept as a one-generation
// .bak so a corrupted write is recoverable on next load.
type FileBackend struct {
	dir    string
	logger *slog.Logger
}

// NewFileBackend creates a FileBackend rooted at dir, creating it if needed.
func NewFileBackend(dir string, logger *slog.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create memory dir %s: %w", dir, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FileBackend{dir: dir, logger: logger}, nil
}

// Load reads both documents. A document that fails to parse is recovered
// from its .bak backup; if the backup also fails, that collection starts
// empty with a warning rather than failing the whole store.
func (b *FileBackend) Load(_ context.Context) ([]protocol.MemoryEntry, error) {
	var all []protocol.MemoryEntry
	for _, doc := range []string{docEntries, docKnowledge} {
		entries, err := b.loadDocument(doc)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}
	return all, nil
}

// loadDocument reads one collection, falling back to the backup generation
// when the primary is corrupt.
func (b *FileBackend) loadDocument(doc string) ([]protocol.MemoryEntry, error) {
	path := filepath.Join(b.dir, doc)

	entries, err := readEntryFile(path)
	if err == nil {
		return entries, nil
	}
	if os.IsNotExist(err) {
		// A crash between the .bak rotation and the final rename leaves no
		// primary on disk; the backup still holds the previous generation.
		entries, bakErr := readEntryFile(path + ".bak")
		if bakErr == nil {
			b.logger.Warn("memory document missing, recovered from backup",
				"document", doc)
			return entries, nil
		}
		return nil, nil
	}

	// Primary unreadable or corrupt, try the one-generation backup.
	b.logger.Warn("memory document corrupt, recovering from backup",
		"document", doc, "error", err)
	entries, bakErr := readEntryFile(path + ".bak")
	if bakErr == nil {
		return entries, nil
	}
	if os.IsNotExist(bakErr) {
		b.logger.Warn("no backup for corrupt memory document, starting empty",
			"document", doc)
		return nil, nil
	}
	b.logger.Warn("memory backup also unreadable, starting empty",
		"document", doc, "error", bakErr)
	return nil, nil
}

func readEntryFile(path string) ([]protocol.MemoryEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []protocol.MemoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return entries, nil
}

// Save splits entries into the two collections and writes each atomically.
func (b *FileBackend) Save(_ context.Context, entries []protocol.MemoryEntry) error {
	var knowledge, general []protocol.MemoryEntry
	for _, e := range entries {
		if e.Kind == protocol.KindKnowledge {
			knowledge = append(knowledge, e)
		} else {
			general = append(general, e)
		}
	}

	if err := b.saveDocument(docEntries, general); err != nil {
		return err
	}
	return b.saveDocument(docKnowledge, knowledge)
}

// saveDocument writes one collection: marshal to a temp file in the same
// directory, fsync, rotate the current file to .bak, then rename the temp
// into place.
func (b *FileBackend) saveDocument(doc string, entries []protocol.MemoryEntry) error {
	if entries == nil {
		entries = []protocol.MemoryEntry{}
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return &protocol.StorageError{Op: "save", Document: doc, Err: err}
	}

	path := filepath.Join(b.dir, doc)
	tmp, err := os.CreateTemp(b.dir, doc+".tmp-*")
	if err != nil {
		return &protocol.StorageError{Op: "save", Document: doc, Err: err}
	}
	tmpName := tmp.Name()

	_, writeErr := tmp.Write(data)
	if writeErr == nil {
		writeErr = tmp.Sync()
	}
	closeErr := tmp.Close()
	if writeErr == nil {
		writeErr = closeErr
	}
	if writeErr != nil {
		_ = os.Remove(tmpName)
		return &protocol.StorageError{Op: "save", Document: doc, Err: writeErr}
	}

	// Keep the previous generation as the recovery backup.
	if _, err := os.Stat(path); err == nil {
		if err := os.Rename(path, path+".bak"); err != nil {
			_ = os.Remove(tmpName)
			return &protocol.StorageError{Op: "save", Document: doc, Err: err}
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return &protocol.StorageError{Op: "save", Document: doc, Err: err}
	}
	return nil
}
