package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	recoverySkipTTL     = 30 * time.Minute
	recoverySkipMaxSize = 2000
)

// RecoverySkipEntry records the outcome the reconciler reached the last
// time it considered recovering a task, so a repeated sweep within the TTL
// window doesn't retry a recovery it already decided against.
type RecoverySkipEntry struct {
	ResolvedStatus string `json:"resolved_status"`
	Reason         string `json:"reason"`
}

// RecoverySkipCache is spec §4.6's recovery-skip cache: TTL 30 minutes, cap
// 2000 entries, invalidated early whenever the task's version (an opaque
// fingerprint of its mutable fields) changes underneath it.
type RecoverySkipCache struct {
	m *Map[RecoverySkipEntry]
}

// NewRecoverySkipCache builds the cache over backend.
func NewRecoverySkipCache(backend Backend, log *zap.Logger) *RecoverySkipCache {
	return &RecoverySkipCache{m: NewMap[RecoverySkipEntry](backend, "recovery-skip", recoverySkipTTL, recoverySkipMaxSize, log)}
}

// Get returns the cached skip decision for taskID, provided taskVersion
// still matches what was recorded.
func (c *RecoverySkipCache) Get(ctx context.Context, taskID, taskVersion string) (RecoverySkipEntry, bool) {
	return c.m.Get(ctx, taskID, taskVersion)
}

// Put records a skip decision for taskID at the given task version.
func (c *RecoverySkipCache) Put(ctx context.Context, taskID, taskVersion string, entry RecoverySkipEntry) {
	c.m.Put(ctx, taskID, entry, taskVersion)
}

// Clear removes taskID's skip entry, used once safeRecoverTask actually
// issues the transition (spec §4.4: "clear the skip cache for this id").
func (c *RecoverySkipCache) Clear(ctx context.Context, taskID string) {
	c.m.Delete(ctx, taskID)
}

// Sweep drops expired entries; the reconciler calls this once per pass.
func (c *RecoverySkipCache) Sweep(ctx context.Context) int {
	return c.m.Sweep(ctx)
}
