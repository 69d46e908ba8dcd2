package cache

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// MergedBranchCache remembers branches bosun has already seen merged, so a
// reconciler sweep never re-announces or re-processes the same merge twice.
// Entries never expire: once a branch is known merged it stays known merged
// for the life of the cache file (spec §4.6).
type MergedBranchCache struct {
	m *Map[bool]
}

// NewMergedBranchCache builds the cache over backend.
func NewMergedBranchCache(backend Backend, log *zap.Logger) *MergedBranchCache {
	return &MergedBranchCache{m: NewMap[bool](backend, "merged-branch", 0, 0, log)}
}

func normalizeBranch(branch string) string {
	return strings.ToLower(strings.TrimSpace(branch))
}

// IsMerged reports whether branch has been recorded as merged.
func (c *MergedBranchCache) IsMerged(ctx context.Context, branch string) bool {
	_, ok := c.m.Get(ctx, normalizeBranch(branch), "")
	return ok
}

// MarkMerged records branch as merged.
func (c *MergedBranchCache) MarkMerged(ctx context.Context, branch string) {
	c.m.Put(ctx, normalizeBranch(branch), true, "")
}

// Evict drops branch's merged record, used when a revalidation (spec §4.4
// step 5) finds the PR host no longer agrees the branch is merged — a rare
// case (a force-push replacing a merge commit) but one the cache must not
// keep asserting forever.
func (c *MergedBranchCache) Evict(ctx context.Context, branch string) {
	c.m.Delete(ctx, normalizeBranch(branch))
}
