package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// quarantineKeep is how many corrupt snapshots of a given cache file are
// kept around for postmortem before the oldest are pruned.
const quarantineKeep = 5

// QuarantineKeep reports how many corrupt snapshots of a cache file are
// retained before older ones are pruned.
func QuarantineKeep() int { return quarantineKeep }

// debounceDelay is how long FileBackend coalesces rapid successive Save
// calls for the same key before it actually hits disk (spec §4.6: "writes
// are debounced, roughly once per second, rather than on every mutation").
const debounceDelay = time.Second

// FileBackend stores each key as its own JSON file under dir, named
// "<key>.json". Writes are debounced and land via write-to-tmp+rename so a
// crash mid-write never leaves a half-written file in place. A read that
// fails to parse quarantines the offending file (renamed alongside a
// timestamp) instead of blocking startup, per spec §4.6's "corrupt cache
// files are moved aside, never fatal" guarantee.
type FileBackend struct {
	dir string
	log *zap.Logger

	mu      sync.Mutex
	timers  map[string]*time.Timer
	pending map[string][]byte
}

// NewFileBackend creates (if needed) dir and returns a FileBackend rooted
// there.
func NewFileBackend(dir string, log *zap.Logger) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cache: create dir %s: %w", dir, err)
	}
	return &FileBackend{
		dir:     dir,
		log:     log,
		timers:  make(map[string]*time.Timer),
		pending: make(map[string][]byte),
	}, nil
}

func (b *FileBackend) path(key string) string {
	return filepath.Join(b.dir, key+".json")
}

// Load reads key's file, returning (nil, nil) if it doesn't exist. Load
// does not parse the bytes, so it never detects or quarantines a corrupt
// file itself; the typed caches (Map, Single) unmarshal what it returns and
// call Quarantine on a parse failure, treating the entry as absent,
// mirroring spec §4.6's lenient-startup contract.
func (b *FileBackend) Load(ctx context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(b.path(key))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: read %s: %w", key, err)
	}
	return data, nil
}

// Quarantine moves key's on-disk file aside (appending a timestamp suffix)
// after a caller determines its contents are corrupt, then prunes old
// quarantined snapshots beyond quarantineKeep.
func (b *FileBackend) Quarantine(key string) {
	src := b.path(key)
	dst := fmt.Sprintf("%s.corrupt-%d", src, time.Now().UnixNano())
	if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
		if b.log != nil {
			b.log.Warn("cache: failed to quarantine corrupt file", zap.String("key", key), zap.Error(err))
		}
		return
	}
	if b.log != nil {
		b.log.Warn("cache: quarantined corrupt cache file", zap.String("key", key), zap.String("moved_to", dst))
	}
	b.pruneQuarantine(key)
}

func (b *FileBackend) pruneQuarantine(key string) {
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return
	}
	prefix := key + ".json.corrupt-"
	var matches []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), prefix) {
			matches = append(matches, e.Name())
		}
	}
	if len(matches) <= quarantineKeep {
		return
	}
	sort.Strings(matches) // timestamp suffix sorts chronologically
	for _, name := range matches[:len(matches)-quarantineKeep] {
		_ = os.Remove(filepath.Join(b.dir, name))
	}
}

// Save debounces the write for key: the bytes are buffered and a timer is
// (re)armed for debounceDelay; only the last Save before the timer fires
// actually hits disk. Callers that need a synchronous write (e.g. shutdown)
// should call Flush afterward.
func (b *FileBackend) Save(ctx context.Context, key string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pending[key] = data
	if t, ok := b.timers[key]; ok {
		t.Stop()
	}
	b.timers[key] = time.AfterFunc(debounceDelay, func() {
		b.flushKey(key)
	})
	return nil
}

// Flush forces any pending debounced write for key to disk immediately. It
// is a no-op if there is nothing pending.
func (b *FileBackend) Flush(key string) error {
	b.mu.Lock()
	if t, ok := b.timers[key]; ok {
		t.Stop()
		delete(b.timers, key)
	}
	data, ok := b.pending[key]
	delete(b.pending, key)
	b.mu.Unlock()
	if !ok {
		return nil
	}
	return b.writeNow(key, data)
}

// FlushAll forces every pending debounced write to disk, used on
// supervisor shutdown so no cache mutation from the final seconds of
// runtime is lost (spec §4.1 graceful shutdown).
func (b *FileBackend) FlushAll() error {
	b.mu.Lock()
	keys := make([]string, 0, len(b.pending))
	for k := range b.pending {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	var firstErr error
	for _, k := range keys {
		if err := b.Flush(k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (b *FileBackend) flushKey(key string) {
	b.mu.Lock()
	data, ok := b.pending[key]
	delete(b.pending, key)
	delete(b.timers, key)
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := b.writeNow(key, data); err != nil && b.log != nil {
		b.log.Warn("cache: debounced write failed", zap.String("key", key), zap.Error(err))
	}
}

func (b *FileBackend) writeNow(key string, data []byte) error {
	dst := b.path(key)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("cache: write temp file for %s: %w", key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("cache: rename temp file for %s: %w", key, err)
	}
	return nil
}
