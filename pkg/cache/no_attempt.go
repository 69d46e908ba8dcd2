package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

const (
	noAttemptLogTTL     = 30 * time.Minute
	noAttemptLogMaxSize = 2000
)

// NoAttemptLogCache remembers that the reconciler already logged "no
// attempt found for task X" for a given task, suppressing repeat log spam
// across sweeps within the TTL window (spec §4.6).
type NoAttemptLogCache struct {
	m *Map[string]
}

// NewNoAttemptLogCache builds the cache over backend.
func NewNoAttemptLogCache(backend Backend, log *zap.Logger) *NoAttemptLogCache {
	return &NoAttemptLogCache{m: NewMap[string](backend, "no-attempt-log", noAttemptLogTTL, noAttemptLogMaxSize, log)}
}

// AlreadyLogged reports whether taskID's missing-attempt reason was
// already logged at the current task version.
func (c *NoAttemptLogCache) AlreadyLogged(ctx context.Context, taskID, taskVersion string) bool {
	_, ok := c.m.Get(ctx, taskID, taskVersion)
	return ok
}

// MarkLogged records that taskID's missing-attempt reason has been logged.
func (c *NoAttemptLogCache) MarkLogged(ctx context.Context, taskID, taskVersion, reason string) {
	c.m.Put(ctx, taskID, reason, taskVersion)
}

// Sweep drops expired entries.
func (c *NoAttemptLogCache) Sweep(ctx context.Context) int {
	return c.m.Sweep(ctx)
}
