package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	staleStrikeTTL     = 30 * time.Minute
	staleStrikeMaxSize = 2000
)

// StaleStrikeEntry counts consecutive sweeps a task has been observed
// stale (no activity past the configured age threshold), so the
// reconciler only acts after repeated confirmation rather than on a single
// possibly-transient observation.
type StaleStrikeEntry struct {
	Strikes     int       `json:"strikes"`
	LastCheckAt time.Time `json:"last_check_at"`
}

// StaleStrikeCache is spec §4.6's stale-strike cache: TTL 30 minutes, cap
// 2000 entries, invalidated on task version change (a task that changes
// state resets its strike count implicitly, since it will no longer read
// back as a hit at the new version).
type StaleStrikeCache struct {
	m *Map[StaleStrikeEntry]
}

// NewStaleStrikeCache builds the cache over backend.
func NewStaleStrikeCache(backend Backend, log *zap.Logger) *StaleStrikeCache {
	return &StaleStrikeCache{m: NewMap[StaleStrikeEntry](backend, "stale-strike", staleStrikeTTL, staleStrikeMaxSize, log)}
}

// Increment bumps taskID's strike count by one and returns the new total.
// A version mismatch or expiry resets the count to 1.
func (c *StaleStrikeCache) Increment(ctx context.Context, taskID, taskVersion string) int {
	entry, ok := c.m.Get(ctx, taskID, taskVersion)
	if !ok {
		entry = StaleStrikeEntry{}
	}
	entry.Strikes++
	entry.LastCheckAt = time.Now()
	c.m.Put(ctx, taskID, entry, taskVersion)
	return entry.Strikes
}

// Reset clears taskID's strike count, used once the reconciler acts on or
// dismisses a stale observation.
func (c *StaleStrikeCache) Reset(ctx context.Context, taskID string) {
	c.m.Delete(ctx, taskID)
}

// Sweep drops expired entries.
func (c *StaleStrikeCache) Sweep(ctx context.Context) int {
	return c.m.Sweep(ctx)
}
