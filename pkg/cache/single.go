package cache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

type singleDocument[V any] struct {
	Version int       `json:"version"`
	SavedAt time.Time `json:"saved_at"`
	Value   V         `json:"value"`
}

// Single persists exactly one value under one backend key, used by
// RestartState (spec §4.2), which is a single record rather than a
// map keyed by task or branch.
type Single[V any] struct {
	backend Backend
	key     string
	log     *zap.Logger

	mu      sync.Mutex
	loaded  bool
	present bool
	value   V
}

// NewSingle creates a Single bound to key.
func NewSingle[V any](backend Backend, key string, log *zap.Logger) *Single[V] {
	return &Single[V]{backend: backend, key: key, log: log}
}

func (s *Single[V]) ensureLoaded(ctx context.Context) {
	if s.loaded {
		return
	}
	s.loaded = true

	data, err := s.backend.Load(ctx, s.key)
	if err != nil {
		if s.log != nil {
			s.log.Warn("cache: load failed, starting empty", zap.String("cache", s.key), zap.Error(err))
		}
		return
	}
	if data == nil {
		return
	}

	var doc singleDocument[V]
	if err := json.Unmarshal(data, &doc); err != nil {
		if s.log != nil {
			s.log.Warn("cache: corrupt document, starting empty", zap.String("cache", s.key), zap.Error(err))
		}
		if fb, ok := s.backend.(*FileBackend); ok {
			fb.Quarantine(s.key)
		}
		return
	}
	if doc.Version != schemaVersion {
		return
	}
	s.value = doc.Value
	s.present = true
}

// Get returns the stored value and whether one has ever been set.
func (s *Single[V]) Get(ctx context.Context) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureLoaded(ctx)
	return s.value, s.present
}

// Set stores value and persists it immediately (restart state changes are
// rare enough that debouncing would only risk losing a crash-adjacent
// write; FileBackend's own write-to-tmp+rename still applies).
func (s *Single[V]) Set(ctx context.Context, value V) {
	s.mu.Lock()
	s.value = value
	s.present = true
	s.loaded = true
	s.mu.Unlock()

	doc := singleDocument[V]{Version: schemaVersion, SavedAt: time.Now(), Value: value}
	data, err := json.Marshal(doc)
	if err != nil {
		if s.log != nil {
			s.log.Error("cache: marshal failed", zap.String("cache", s.key), zap.Error(err))
		}
		return
	}
	if err := s.backend.Save(ctx, s.key, data); err != nil {
		if s.log != nil {
			s.log.Warn("cache: save failed", zap.String("cache", s.key), zap.Error(err))
		}
	}
}

// Clear removes any stored value.
func (s *Single[V]) Clear(ctx context.Context) {
	s.mu.Lock()
	var zero V
	s.value = zero
	s.present = false
	s.mu.Unlock()

	if err := s.backend.Save(ctx, s.key, []byte("null")); err != nil && s.log != nil {
		s.log.Warn("cache: clear failed", zap.String("cache", s.key), zap.Error(err))
	}
}
