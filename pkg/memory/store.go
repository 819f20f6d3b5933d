// Package memory implements the shared memory layer: a bounded LRU cache in
// front of a crash-safe durable backend. Entries are immutable once written;
// eviction only drops the cached copy, while explicit forget and TTL expiry
// are the destructive paths. Durable writes are asynchronous but never
// fire-and-forget: failures are retried with backoff and then surfaced as
// store-failed notifications.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"swarm/pkg/protocol"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("memory store closed")

// Config holds Store configuration.
type Config struct {
	MaxCacheEntries int           // cache entry bound (default 1024)
	MaxCacheBytes   int           // cache aggregate content bound (default 16 MiB)
	MaxContentBytes int           // per-entry content bound (default 256 KiB)
	WriteAttempts   int           // durable write attempts before store-failed (default 3)
	RetryBackoff    time.Duration // initial backoff between attempts, doubles (default 250ms)
	SweepInterval   time.Duration // TTL sweep interval (default 1m)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxCacheEntries == 0 {
		out.MaxCacheEntries = 1024
	}
	if out.MaxCacheBytes == 0 {
		out.MaxCacheBytes = 16 << 20
	}
	if out.MaxContentBytes == 0 {
		out.MaxContentBytes = 256 << 10
	}
	if out.WriteAttempts == 0 {
		out.WriteAttempts = 3
	}
	if out.RetryBackoff == 0 {
		out.RetryBackoff = 250 * time.Millisecond
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = time.Minute
	}
	return out
}

// NotificationType classifies a store notification.
type NotificationType string

// Notification type constants.
const (
	NoteEvicted     NotificationType = "evicted"      // cached copy dropped, durable data intact
	NoteExpired     NotificationType = "expired"      // TTL elapsed, entry scheduled for durable removal
	NoteStoreFailed NotificationType = "store_failed" // durable write failed after retries
)

// Notification is an observable store event.
type Notification struct {
	Type    NotificationType
	EntryID string
	Err     error
}

// Filter selects entries on Recall. Zero fields match everything.
type Filter struct {
	OwnerAgentID string
	Kind         protocol.MemoryKind
	ShareLevel   protocol.ShareLevel
	MinPriority  int
	Limit        int
	ByPriority   bool // order by priority (then recency) instead of recency
}

// Store is the shared memory layer. Safe for concurrent use.
type Store struct {
	cfg     Config
	backend Backend
	cache   *lruCache
	logger  *slog.Logger

	mu            sync.Mutex
	pending       map[string]protocol.MemoryEntry // written, not yet durably synced
	tombstones    map[string]struct{}             // forgotten or expired, pending durable removal
	cacheComplete bool                            // cache holds every live entry (no eviction since load)
	closed        bool

	sf       singleflight.Group
	notifyCh chan Notification
	flushCh  chan struct{}
	done     chan struct{}
	wg       sync.WaitGroup

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Store over backend, warms the cache from the durable
// snapshot, and starts the background flush and TTL sweep loops. Call Close
// to stop them and flush remaining writes.
func New(cfg Config, backend Backend, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		cfg:           cfg.withDefaults(),
		backend:       backend,
		logger:        logger,
		pending:       make(map[string]protocol.MemoryEntry),
		tombstones:    make(map[string]struct{}),
		cacheComplete: true,
		notifyCh:      make(chan Notification, 64),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
		nowFunc:       time.Now,
	}
	s.cache = newLRUCache(s.cfg.MaxCacheEntries, s.cfg.MaxCacheBytes, s.onEvict)

	entries, err := backend.Load(context.Background())
	if err != nil {
		return nil, fmt.Errorf("warm cache: %w", err)
	}
	for _, e := range entries {
		if e.Expired(s.nowFunc()) {
			continue
		}
		s.cache.Put(e)
	}

	s.wg.Add(2)
	go s.flushLoop()
	go s.sweepLoop()
	return s, nil
}

// onEvict records that the cache no longer holds the full entry set and
// emits an eviction notification. Durable data is never touched here.
func (s *Store) onEvict(entry protocol.MemoryEntry) {
	s.mu.Lock()
	s.cacheComplete = false
	s.mu.Unlock()
	s.notify(Notification{Type: NoteEvicted, EntryID: entry.ID})
	s.logger.Debug("cache eviction", "entry_id", entry.ID, "kind", string(entry.Kind))
}

// Notifications returns the store's event channel. Consumers should drain it
// promptly; the store logs and drops notifications if the channel backs up,
// except that every notification is also logged regardless.
func (s *Store) Notifications() <-chan Notification {
	return s.notifyCh
}

func (s *Store) notify(n Notification) {
	select {
	case s.notifyCh <- n:
	default:
		s.logger.Warn("notification channel full, dropping",
			"type", string(n.Type), "entry_id", n.EntryID)
	}
}

// Remember validates and stores a new entry, returning its id. The write
// lands in the cache immediately and is persisted asynchronously.
func (s *Store) Remember(ctx context.Context, entry protocol.MemoryEntry) (string, error) {
	if !entry.Kind.Valid() {
		return "", &protocol.ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown kind %q", entry.Kind)}
	}
	if entry.ShareLevel == "" {
		entry.ShareLevel = protocol.SharePrivate
	}
	if !entry.ShareLevel.Valid() {
		return "", &protocol.ValidationError{Field: "share_level", Reason: fmt.Sprintf("unknown share level %q", entry.ShareLevel)}
	}
	if entry.Size() > s.cfg.MaxContentBytes {
		return "", &protocol.ValidationError{
			Field:  "content",
			Reason: fmt.Sprintf("%d bytes exceeds maximum %d", entry.Size(), s.cfg.MaxContentBytes),
		}
	}
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.nowFunc()
	}
	// Entries are immutable once written: keep our own copy of the payload so
	// a caller reusing its buffer cannot tear a concurrent read.
	entry.Content = append([]byte(nil), entry.Content...)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", ErrClosed
	}
	s.pending[entry.ID] = entry
	delete(s.tombstones, entry.ID)
	s.mu.Unlock()

	s.cache.Put(entry)
	s.signalFlush()
	return entry.ID, nil
}

// Get returns a single entry by id, cache first, falling back to the
// durable backend on a miss.
func (s *Store) Get(ctx context.Context, id string) (protocol.MemoryEntry, error) {
	s.mu.Lock()
	if _, dead := s.tombstones[id]; dead {
		s.mu.Unlock()
		return protocol.MemoryEntry{}, protocol.ErrNotFound
	}
	s.mu.Unlock()

	if e, ok := s.cache.Get(id); ok {
		return e, nil
	}

	entries, err := s.backend.Load(ctx)
	if err != nil {
		return protocol.MemoryEntry{}, &protocol.StorageError{Op: "load", Document: "entries", Err: err}
	}
	for _, e := range entries {
		if e.ID == id && !e.Expired(s.nowFunc()) {
			s.cache.Put(e)
			return e, nil
		}
	}
	return protocol.MemoryEntry{}, protocol.ErrNotFound
}

// Recall returns entries matching the filter, ordered by recency unless the
// filter selects priority order. It serves from the cache when the cache
// still holds the full entry set and falls back to the durable backend
// otherwise, re-caching what it returns.
func (s *Store) Recall(ctx context.Context, f Filter) ([]protocol.MemoryEntry, error) {
	s.mu.Lock()
	complete := s.cacheComplete
	pending := make(map[string]protocol.MemoryEntry, len(s.pending))
	for id, e := range s.pending {
		pending[id] = e
	}
	dead := make(map[string]struct{}, len(s.tombstones))
	for id := range s.tombstones {
		dead[id] = struct{}{}
	}
	s.mu.Unlock()

	var base []protocol.MemoryEntry
	if complete {
		base = s.cache.Entries()
	} else {
		durable, err := s.backend.Load(ctx)
		if err != nil {
			return nil, &protocol.StorageError{Op: "load", Document: "entries", Err: err}
		}
		merged := make(map[string]protocol.MemoryEntry, len(durable)+len(pending))
		for _, e := range durable {
			merged[e.ID] = e
		}
		for id, e := range pending {
			merged[id] = e
		}
		base = make([]protocol.MemoryEntry, 0, len(merged))
		for _, e := range merged {
			base = append(base, e)
		}
	}

	now := s.nowFunc()
	out := make([]protocol.MemoryEntry, 0, len(base))
	for _, e := range base {
		if _, gone := dead[e.ID]; gone {
			continue
		}
		if e.Expired(now) {
			continue
		}
		if !f.matches(e) {
			continue
		}
		out = append(out, e)
	}

	if f.ByPriority {
		sort.SliceStable(out, func(i, j int) bool {
			if out[i].Priority != out[j].Priority {
				return out[i].Priority > out[j].Priority
			}
			return out[i].Timestamp.After(out[j].Timestamp)
		})
	} else {
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].Timestamp.After(out[j].Timestamp)
		})
	}

	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}

	if !complete {
		for _, e := range out {
			s.cache.Put(e)
		}
	}
	return out, nil
}

func (f Filter) matches(e protocol.MemoryEntry) bool {
	if f.OwnerAgentID != "" && e.OwnerAgentID != f.OwnerAgentID {
		return false
	}
	if f.Kind != "" && e.Kind != f.Kind {
		return false
	}
	if f.ShareLevel != "" && e.ShareLevel != f.ShareLevel {
		return false
	}
	if e.Priority < f.MinPriority {
		return false
	}
	return true
}

// Forget removes an entry from the cache and schedules its durable removal.
// Returns protocol.ErrNotFound for an unknown id.
func (s *Store) Forget(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	delete(s.pending, id)
	s.tombstones[id] = struct{}{}
	s.mu.Unlock()

	s.cache.Delete(id)
	s.signalFlush()
	return nil
}

// signalFlush wakes the flush loop without blocking.
func (s *Store) signalFlush() {
	select {
	case s.flushCh <- struct{}{}:
	default:
	}
}

// flushLoop persists pending writes as they arrive.
func (s *Store) flushLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case <-s.flushCh:
			if err := s.Sync(context.Background()); err != nil {
				s.logger.Error("background sync failed", "error", err)
			}
		}
	}
}

// sweepLoop expires TTL-elapsed entries on an interval.
func (s *Store) sweepLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.sweepExpired()
		}
	}
}

// sweepExpired tombstones entries whose TTL has elapsed. The destructive
// durable removal happens on the next sync.
func (s *Store) sweepExpired() {
	now := s.nowFunc()

	var expired []string
	for _, e := range s.cache.Entries() {
		if e.Expired(now) {
			expired = append(expired, e.ID)
		}
	}
	s.mu.Lock()
	for id, e := range s.pending {
		if e.Expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(s.pending, id)
		s.tombstones[id] = struct{}{}
	}
	s.mu.Unlock()

	for _, id := range expired {
		s.cache.Delete(id)
		s.notify(Notification{Type: NoteExpired, EntryID: id})
	}
	if len(expired) > 0 {
		s.logger.Info("ttl sweep expired entries", "count", len(expired))
		s.signalFlush()
	}
}

// Sync flushes all cache-pending writes to the durable backend. At most one
// sync runs at a time: a concurrent second call observes the completion of
// the in-flight pass instead of starting a redundant one.
func (s *Store) Sync(ctx context.Context) error {
	_, err, _ := s.sf.Do("sync", func() (any, error) {
		return nil, s.syncOnce(ctx)
	})
	return err
}

// syncOnce merges pending writes and tombstones over the durable snapshot
// and saves it with bounded retries. On exhausted retries the captured
// writes stay pending (a later sync retries them) and each is surfaced as a
// store-failed notification.
func (s *Store) syncOnce(ctx context.Context) error {
	s.mu.Lock()
	captured := make(map[string]protocol.MemoryEntry, len(s.pending))
	for id, e := range s.pending {
		captured[id] = e
	}
	deadCaptured := make(map[string]struct{}, len(s.tombstones))
	for id := range s.tombstones {
		deadCaptured[id] = struct{}{}
	}
	s.mu.Unlock()

	if len(captured) == 0 && len(deadCaptured) == 0 {
		return nil
	}

	durable, err := s.backend.Load(ctx)
	if err != nil {
		return &protocol.StorageError{Op: "load", Document: "entries", Err: err}
	}

	now := s.nowFunc()
	merged := make(map[string]protocol.MemoryEntry, len(durable)+len(captured))
	for _, e := range durable {
		if e.Expired(now) {
			continue
		}
		merged[e.ID] = e
	}
	for id, e := range captured {
		merged[id] = e
	}
	for id := range deadCaptured {
		delete(merged, id)
	}

	snapshot := make([]protocol.MemoryEntry, 0, len(merged))
	for _, e := range merged {
		snapshot = append(snapshot, e)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].ID < snapshot[j].ID })

	saveErr := s.saveWithRetry(ctx, snapshot)
	if saveErr != nil {
		for id := range captured {
			s.notify(Notification{Type: NoteStoreFailed, EntryID: id, Err: saveErr})
		}
		s.logger.Error("durable write failed after retries",
			"attempts", s.cfg.WriteAttempts, "error", saveErr)
		return saveErr
	}

	// Only clear what this pass captured; writes that raced in stay pending.
	s.mu.Lock()
	for id, e := range captured {
		if cur, ok := s.pending[id]; ok && cur.Timestamp.Equal(e.Timestamp) {
			delete(s.pending, id)
		}
	}
	for id := range deadCaptured {
		delete(s.tombstones, id)
	}
	s.mu.Unlock()
	return nil
}

// saveWithRetry attempts the durable save with exponential backoff.
func (s *Store) saveWithRetry(ctx context.Context, snapshot []protocol.MemoryEntry) error {
	backoff := s.cfg.RetryBackoff
	var lastErr error
	for attempt := 0; attempt < s.cfg.WriteAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		if lastErr = s.backend.Save(ctx, snapshot); lastErr == nil {
			return nil
		}
		s.logger.Warn("durable write attempt failed",
			"attempt", attempt+1, "error", lastErr)
	}
	return lastErr
}

// CacheLen returns the current cache cardinality.
func (s *Store) CacheLen() int { return s.cache.Len() }

// Close stops the background loops, flushes remaining writes, and closes the
// notification channel.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.done)
	s.wg.Wait()

	err := s.Sync(context.Background())
	close(s.notifyCh)
	return err
}
