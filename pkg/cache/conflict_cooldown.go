package cache

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

func normalizeKey(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}

const (
	conflictCooldownTTL     = 30 * time.Minute
	conflictCooldownMaxSize = 2000

	conflictCooldownBase = 2 * time.Minute
	conflictCooldownMax  = 30 * time.Minute
)

// ConflictCooldownEntry tracks repeated rebase-conflict attempts for a
// task: how many times it's happened and the time before which the
// reconciler should not retry the rebase again.
type ConflictCooldownEntry struct {
	Attempts int       `json:"attempts"`
	Until    time.Time `json:"until"`
}

// ConflictCooldownCache is the conflict-cooldown cache: a task whose
// candidate branch keeps failing to rebase cleanly backs off exponentially
// (base 2 minutes, doubling per attempt, capped at 30 minutes) rather than
// being retried on every sweep. Keyed by task id, not branch, so abandoning
// a conflicted branch for a freshly force-pushed one doesn't reset the
// attempt count.
type ConflictCooldownCache struct {
	m *Map[ConflictCooldownEntry]
}

// NewConflictCooldownCache builds the cache over backend.
func NewConflictCooldownCache(backend Backend, log *zap.Logger) *ConflictCooldownCache {
	return &ConflictCooldownCache{m: NewMap[ConflictCooldownEntry](backend, "conflict-cooldown", conflictCooldownTTL, conflictCooldownMaxSize, log)}
}

// InCooldown reports whether taskID is still within its backoff window.
func (c *ConflictCooldownCache) InCooldown(ctx context.Context, taskID string) bool {
	entry, ok := c.m.Get(ctx, normalizeKey(taskID), "")
	if !ok {
		return false
	}
	return time.Now().Before(entry.Until)
}

// RegisterConflict records another failed rebase attempt for taskID and
// (re)arms its backoff window, returning the new entry.
func (c *ConflictCooldownCache) RegisterConflict(ctx context.Context, taskID string) ConflictCooldownEntry {
	key := normalizeKey(taskID)
	entry, ok := c.m.Get(ctx, key, "")
	if !ok {
		entry = ConflictCooldownEntry{}
	}
	entry.Attempts++
	backoff := conflictCooldownBase << (entry.Attempts - 1)
	if backoff > conflictCooldownMax || backoff <= 0 {
		backoff = conflictCooldownMax
	}
	entry.Until = time.Now().Add(backoff)
	c.m.Put(ctx, key, entry, "")
	return entry
}

// Clear removes taskID's cooldown state, used once a rebase finally
// succeeds.
func (c *ConflictCooldownCache) Clear(ctx context.Context, taskID string) {
	c.m.Delete(ctx, normalizeKey(taskID))
}

// Sweep drops expired entries.
func (c *ConflictCooldownCache) Sweep(ctx context.Context) int {
	return c.m.Sweep(ctx)
}
