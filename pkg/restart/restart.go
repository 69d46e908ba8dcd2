// Package restart implements the Restart Controller of spec §4.2:
// quick-exit crash-loop detection with doubling backoff, a hard minimum
// interval between restarts, and suppression when a restart was already
// triggered by another mechanism (e.g. the source-change watcher).
//
// Grounded on the teacher's engine.RunnerLoop self-retiring loop
// (internal/engine/runner.go): the teacher re-derives "should I keep
// going" from trigger-file mtimes each cycle rather than tracking
// crash-loop state explicitly, because its child is cooperative (its own
// binary, on a fixed grace period). bosun's child is an arbitrary
// long-running agent process, so the same "decide based on observed
// history, never just retry blindly" posture needs actual backoff state.
package restart

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-run/bosun/pkg/cache"
)

const (
	// QuickExitThreshold is how soon after start an exit counts as a
	// crash rather than a normal lifecycle end.
	QuickExitThreshold = 20 * time.Second
	// MinRestartInterval is the floor on the wait Decide recommends,
	// regardless of backoff state, so consecutive spawns are never
	// closer together than this.
	MinRestartInterval = 15 * time.Second
	// BaseBackoff is the starting pause after the first mutex-held quick
	// exit.
	BaseBackoff = 2 * time.Second
	// MaxBackoff is the pause ceiling; backoff doubles per consecutive
	// mutex-held quick exit up to this cap.
	MaxBackoff = 5 * time.Minute
)

// SuppressReason names a source of an already-handled restart, so the
// controller doesn't pile a second restart decision on top of one that's
// already in flight for an unrelated reason.
type SuppressReason string

// FileChange is used by the source-change watcher: it owns self-restart
// decisions when a config/source file changes, so the restart controller
// must not treat that exit as a crash.
const FileChange SuppressReason = "file-change"

// Controller tracks a single child's crash-loop backoff state, persisting
// it through Cache so state survives a bosun-level restart.
type Controller struct {
	cache *cache.RestartStateCache
	log   *zap.Logger

	mu         sync.Mutex
	startedAt  time.Time
	suppressed map[SuppressReason]bool
}

// New builds a Controller backed by the given RestartStateCache, which may
// already hold state from a prior bosun process.
func New(c *cache.RestartStateCache, log *zap.Logger) *Controller {
	return &Controller{cache: c, log: log, suppressed: make(map[SuppressReason]bool)}
}

// NoteStart records that the child was (re)started now.
func (c *Controller) NoteStart() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startedAt = time.Now()
}

// SuppressNextExit marks that the next child exit was deliberately caused
// by reason and should not be scored as a crash. It is consumed (cleared)
// by the next call to ConsumeSuppressedReason.
func (c *Controller) SuppressNextExit(reason SuppressReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressed[reason] = true
}

// ConsumeSuppressedReason reports and clears whichever suppression reason
// is pending, if any. The supervisor calls this before scoring an exit so
// a restart it itself requested (e.g. the source-change watcher's
// self-restart) is recognized as deliberate rather than as a crash, no
// matter which reason string triggered it.
func (c *Controller) ConsumeSuppressedReason() (SuppressReason, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for reason := range c.suppressed {
		delete(c.suppressed, reason)
		return reason, true
	}
	return "", false
}

// MinWait returns the remaining time before another spawn may occur,
// enforcing the "never spawn within 15s of the previous spawn" floor
// regardless of which restart-decision branch a caller takes.
func (c *Controller) MinWait() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startedAt.IsZero() {
		return 0
	}
	remaining := MinRestartInterval - time.Since(c.startedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Decision is what the controller recommends after a child exit.
type Decision struct {
	// Restart is false only when the caller should stop spawning
	// entirely (the supervisor's max-restart cap).
	Restart bool
	// Wait is how long to wait before spawning again.
	Wait time.Duration
	// QuickExit reports whether this exit was scored as a crash (ran
	// under QuickExitThreshold).
	QuickExit bool
}

// Decide evaluates a child exit that happened now and returns what the
// caller should do next, updating and persisting backoff state as a side
// effect.
//
// mutexHeld reports whether the exiting run logged the "another instance
// is already running" marker. A quick exit with that marker doubles the
// backoff (capped at MaxBackoff); a quick exit without it leaves the
// backoff untouched; a run that lasted at least QuickExitThreshold resets
// the backoff to zero. This mirrors spec §4.2 exactly: only a held mutex
// is evidence of a genuine retry storm, a quick exit for any other reason
// is left for the supervisor's own abnormal-exit handling to score.
func (c *Controller) Decide(mutexHeld bool) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	quick := !c.startedAt.IsZero() && time.Since(c.startedAt) < QuickExitThreshold

	state := c.cache.Get(context.Background())
	switch {
	case quick && mutexHeld:
		state.ConsecutiveQuickExits++
		state.CurrentBackoff = nextBackoff(state.CurrentBackoff)
	case quick && !mutexHeld:
		// Leave backoff state untouched: this is not the failure mode
		// the mutex backoff exists to dampen.
	default:
		state.ConsecutiveQuickExits = 0
		state.CurrentBackoff = 0
	}
	state.LastExitAt = time.Now()
	if state.CurrentBackoff > 0 {
		state.PausedUntil = state.LastExitAt.Add(state.CurrentBackoff)
	} else {
		state.PausedUntil = time.Time{}
	}
	c.cache.Set(context.Background(), state)

	wait := MinRestartInterval
	if state.CurrentBackoff > wait {
		wait = state.CurrentBackoff
	}

	return Decision{Restart: true, Wait: wait, QuickExit: quick}
}

func nextBackoff(current time.Duration) time.Duration {
	if current <= 0 {
		return BaseBackoff
	}
	next := current * 2
	if next > MaxBackoff {
		return MaxBackoff
	}
	return next
}

// Forgive resets backoff state entirely, used once the controller's owner
// decides the child has been stable for long enough to forgive past
// crash-looping (spec §4.2: stability over a sustained run clears strikes).
func (c *Controller) Forgive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache.Reset(context.Background())
}
