package cache

import (
	"context"

	"go.uber.org/zap"
)

// EpicMergeCache remembers, for a given head/base branch pair, whether the
// merge has already been detected and acted on — preventing an epic branch
// whose base keeps moving from being re-flagged as newly merged on every
// sweep. Entries are permanent, like MergedBranchCache.
type EpicMergeCache struct {
	m *Map[bool]
}

// NewEpicMergeCache builds the cache over backend.
func NewEpicMergeCache(backend Backend, log *zap.Logger) *EpicMergeCache {
	return &EpicMergeCache{m: NewMap[bool](backend, "epic-merge", 0, 0, log)}
}

func epicMergeKey(head, base string) string {
	return normalizeBranch(head) + "::" + normalizeBranch(base)
}

// IsMerged reports whether the head/base pair has already been recorded.
func (c *EpicMergeCache) IsMerged(ctx context.Context, head, base string) bool {
	_, ok := c.m.Get(ctx, epicMergeKey(head, base), "")
	return ok
}

// MarkMerged records the head/base pair as merged.
func (c *EpicMergeCache) MarkMerged(ctx context.Context, head, base string) {
	c.m.Put(ctx, epicMergeKey(head, base), true, "")
}
