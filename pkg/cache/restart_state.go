package cache

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RestartState is the Restart Controller's persisted view of its own
// backoff progression, surviving a supervisor process restart so a
// crash-looping child doesn't get a fresh mutex-backoff budget just
// because bosun itself happened to restart too.
type RestartState struct {
	ConsecutiveQuickExits int           `json:"consecutive_quick_exits"`
	CurrentBackoff        time.Duration `json:"current_backoff"`
	LastExitAt            time.Time     `json:"last_exit_at"`
	PausedUntil           time.Time     `json:"paused_until"`
}

// RestartStateCache persists a single RestartState record (spec §4.6's
// "restart state" row, the one non-map entry in the table).
type RestartStateCache struct {
	s *Single[RestartState]
}

// NewRestartStateCache builds the cache over backend.
func NewRestartStateCache(backend Backend, log *zap.Logger) *RestartStateCache {
	return &RestartStateCache{s: NewSingle[RestartState](backend, "restart-state", log)}
}

// Get returns the persisted state, or a zero-value RestartState if none has
// been recorded yet.
func (c *RestartStateCache) Get(ctx context.Context) RestartState {
	v, _ := c.s.Get(ctx)
	return v
}

// Set persists state.
func (c *RestartStateCache) Set(ctx context.Context, state RestartState) {
	c.s.Set(ctx, state)
}

// Reset clears all recorded backoff progression, used once the child has
// run cleanly for long enough that the restart controller forgives past
// crash-looping (spec §4.2).
func (c *RestartStateCache) Reset(ctx context.Context) {
	c.s.Set(ctx, RestartState{})
}
