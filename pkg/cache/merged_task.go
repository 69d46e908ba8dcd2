package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// MergedTaskIDCache remembers which task IDs the reconciler has already
// transitioned to done via a detected merge, keyed by task ID, storing the
// time the merge was first observed. Like MergedBranchCache, entries are
// permanent: a task only merges once in its lifetime.
type MergedTaskIDCache struct {
	m *Map[time.Time]
}

// NewMergedTaskIDCache builds the cache over backend.
func NewMergedTaskIDCache(backend Backend, log *zap.Logger) *MergedTaskIDCache {
	return &MergedTaskIDCache{m: NewMap[time.Time](backend, "merged-task-id", 0, 0, log)}
}

// SeenAt returns when taskID was first recorded as merged, if ever.
func (c *MergedTaskIDCache) SeenAt(ctx context.Context, taskID string) (time.Time, bool) {
	return c.m.Get(ctx, taskID, "")
}

// MarkMerged records taskID as merged at the current time, unless it is
// already present (first-seen time is preserved).
func (c *MergedTaskIDCache) MarkMerged(ctx context.Context, taskID string) {
	if _, ok := c.m.Get(ctx, taskID, ""); ok {
		return
	}
	c.m.Put(ctx, taskID, time.Now(), "")
}
