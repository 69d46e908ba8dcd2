// Package cache implements spec §4.6's Cache Layer: persistent, bounded,
// TTL-aware caches sharing one on-disk shape, with task-version invalidation
// for the recovery-adjacent ones. All persistent caches share a common disk
// schema: JSON, {version, savedAt, <mapName>: {id -> entry}}. Saves are
// debounced (~1s) and use write-to-tmp+rename; reads are lenient, moving
// corrupt files aside rather than blocking startup (spec §4.6, §9).
package cache

import "context"

// Backend is where a cache's bytes live. FileBackend (the spec-mandated
// default) and RedisBackend (an optional distributed tier, spec's "domain
// stack" enrichment for multi-host deployments) both implement it.
type Backend interface {
	// Load reads the raw document for key, returning (nil, nil) if absent.
	Load(ctx context.Context, key string) ([]byte, error)
	// Save writes the raw document for key, replacing any prior value.
	Save(ctx context.Context, key string, data []byte) error
}
