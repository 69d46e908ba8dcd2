package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// schemaVersion is bumped whenever the on-disk entry shape changes
// incompatibly; Map discards (rather than attempts to migrate) a document
// whose version doesn't match, per spec §4.6: a version mismatch is treated
// the same as absence, not as corruption.
const schemaVersion = 1

// record is one entry's on-disk representation: the caller's value plus
// the bookkeeping Map needs for TTL expiry and task-version invalidation.
type record[V any] struct {
	Value       V         `json:"value"`
	SavedAt     time.Time `json:"saved_at"`
	TaskVersion string    `json:"task_version,omitempty"`
}

type document[V any] struct {
	Version int                   `json:"version"`
	SavedAt time.Time             `json:"saved_at"`
	Entries map[string]record[V] `json:"entries"`
}

// Map is a bounded, TTL-aware, optionally task-version-invalidated cache of
// values keyed by string id, persisted through a Backend. It is the shared
// engine behind every named cache in spec §4.6's table (MergedBranch,
// RecoverySkip, StaleStrike, NoAttemptLog, ConflictCooldown, EpicMerge,
// MergedTaskId): each wraps a Map[V] with its own TTL/size/key shape.
type Map[V any] struct {
	backend Backend
	key     string // the cache's name, e.g. "recovery-skip"
	ttl     time.Duration
	maxSize int
	log     *zap.Logger

	mu      sync.Mutex
	entries map[string]record[V]
	loaded  bool
}

// NewMap creates a Map. ttl of 0 means entries never expire by age alone
// (EpicMergeCache and MergedBranchCache are permanent until explicitly
// invalidated). maxSize of 0 means unbounded.
func NewMap[V any](backend Backend, key string, ttl time.Duration, maxSize int, log *zap.Logger) *Map[V] {
	return &Map[V]{
		backend: backend,
		key:     key,
		ttl:     ttl,
		maxSize: maxSize,
		log:     log,
		entries: make(map[string]record[V]),
	}
}

// ensureLoaded lazily loads from the backend on first use, so construction
// never needs a context or can fail.
func (m *Map[V]) ensureLoaded(ctx context.Context) {
	if m.loaded {
		return
	}
	m.loaded = true

	data, err := m.backend.Load(ctx, m.key)
	if err != nil {
		if m.log != nil {
			m.log.Warn("cache: load failed, starting empty", zap.String("cache", m.key), zap.Error(err))
		}
		return
	}
	if data == nil {
		return
	}

	var doc document[V]
	if err := json.Unmarshal(data, &doc); err != nil {
		if m.log != nil {
			m.log.Warn("cache: corrupt document, starting empty", zap.String("cache", m.key), zap.Error(err))
		}
		if fb, ok := m.backend.(*FileBackend); ok {
			fb.Quarantine(m.key)
		}
		return
	}
	if doc.Version != schemaVersion {
		if m.log != nil {
			m.log.Info("cache: schema version mismatch, starting empty",
				zap.String("cache", m.key), zap.Int("found", doc.Version), zap.Int("want", schemaVersion))
		}
		return
	}
	m.entries = doc.Entries
	if m.entries == nil {
		m.entries = make(map[string]record[V])
	}
}

func (m *Map[V]) isExpiredLocked(r record[V], now time.Time) bool {
	return m.ttl > 0 && now.Sub(r.SavedAt) > m.ttl
}

// Get returns the value stored for id along with whether it was present
// and unexpired. A TaskVersion mismatch (when wantVersion is non-empty) is
// treated as a miss, implementing the recovery/stale-strike caches'
// invalidate-on-task-change rule (spec §4.6).
func (m *Map[V]) Get(ctx context.Context, id, wantVersion string) (V, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoaded(ctx)

	var zero V
	r, ok := m.entries[id]
	if !ok {
		return zero, false
	}
	if m.isExpiredLocked(r, time.Now()) {
		delete(m.entries, id)
		return zero, false
	}
	if wantVersion != "" && r.TaskVersion != "" && r.TaskVersion != wantVersion {
		delete(m.entries, id)
		return zero, false
	}
	return r.Value, true
}

// Put stores value for id, stamping the current time and an optional task
// version, then persists. It evicts the oldest entry first if maxSize would
// be exceeded (spec §4.6's size-bounded caches: "insert evicts the oldest
// entry by SavedAt once the cap is reached").
func (m *Map[V]) Put(ctx context.Context, id string, value V, taskVersion string) {
	m.mu.Lock()
	m.ensureLoaded(ctx)

	m.entries[id] = record[V]{Value: value, SavedAt: time.Now(), TaskVersion: taskVersion}
	m.evictIfOverCapLocked()
	m.mu.Unlock()

	m.persist(ctx)
}

// Delete removes id's entry, if any, and persists the change.
func (m *Map[V]) Delete(ctx context.Context, id string) {
	m.mu.Lock()
	m.ensureLoaded(ctx)
	delete(m.entries, id)
	m.mu.Unlock()

	m.persist(ctx)
}

// Len reports the current entry count, including not-yet-expired-checked
// stale entries.
func (m *Map[V]) Len(ctx context.Context) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensureLoaded(ctx)
	return len(m.entries)
}

func (m *Map[V]) evictIfOverCapLocked() {
	if m.maxSize <= 0 || len(m.entries) <= m.maxSize {
		return
	}
	var oldestID string
	var oldestAt time.Time
	first := true
	for id, r := range m.entries {
		if first || r.SavedAt.Before(oldestAt) {
			oldestID, oldestAt, first = id, r.SavedAt, false
		}
	}
	if oldestID != "" {
		delete(m.entries, oldestID)
	}
}

func (m *Map[V]) persist(ctx context.Context) {
	m.mu.Lock()
	doc := document[V]{Version: schemaVersion, SavedAt: time.Now(), Entries: m.entries}
	data, err := json.Marshal(doc)
	m.mu.Unlock()
	if err != nil {
		if m.log != nil {
			m.log.Error("cache: marshal failed", zap.String("cache", m.key), zap.Error(err))
		}
		return
	}
	if err := m.backend.Save(ctx, m.key, data); err != nil {
		if m.log != nil {
			m.log.Warn("cache: save failed", zap.String("cache", m.key), zap.Error(err))
		}
	}
}

// Sweep removes every expired entry and persists if anything changed. The
// reconciler calls this once per sweep pass on the size-bounded caches to
// keep memory proportional to live tasks rather than lifetime task count.
func (m *Map[V]) Sweep(ctx context.Context) int {
	m.mu.Lock()
	m.ensureLoaded(ctx)
	now := time.Now()
	removed := 0
	for id, r := range m.entries {
		if m.isExpiredLocked(r, now) {
			delete(m.entries, id)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.persist(ctx)
	}
	return removed
}
