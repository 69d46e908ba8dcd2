// Package monitormonitor implements spec §4.9's Secondary Supervisor Loop:
// an independent periodic self-heal cycle that packages recent activity
// into a prompt, runs it through the SDK slot rotation, and reports its
// own health on a much slower interval. It is deliberately decoupled from
// the primary Supervisor (pkg/supervisor) — a control plane wedged enough
// to need self-healing can't be trusted to also notice it needs healing.
//
// Grounded on the teacher's engine.RunnerLoop cadence (internal/engine
// drives its own cycle independent of the CLI that launched it) for the
// "independent ticking loop with a watchdog" shape, and on
// pkg/restart.Controller for guarding shared mutable state behind one
// mutex per cache/state group.
package monitormonitor

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-run/bosun/pkg/events"
	"github.com/bosun-run/bosun/pkg/safetimer"
	"github.com/bosun-run/bosun/pkg/sdkslot"
)

const (
	// DefaultCycleInterval is how often the self-heal cycle runs once
	// started.
	DefaultCycleInterval = 5 * time.Minute
	// DefaultStatusInterval is how often a health status event is
	// published, independent of the cycle cadence.
	DefaultStatusInterval = 30 * time.Minute
	// DefaultCycleTimeout bounds how long a single cycle is expected to
	// take; the watchdog allows CycleTimeout+watchdogGrace before
	// aborting it.
	DefaultCycleTimeout = 2 * time.Minute

	watchdogGrace   = 60 * time.Second
	maxWatchdogAborts = 2

	startupCycleDelay  = 15 * time.Second
	startupStatusDelay = 20 * time.Second
	// statusCycleGap is the minimum gap enforced between the first
	// status publish and the first cycle, if jitter would otherwise let
	// status land first.
	statusCycleGap = 2 * time.Second
)

// DigestSource supplies the recent-activity summary the loop folds into
// its self-heal prompt — the notification ring, recent log tails,
// whatever the caller's corestate wiring has on hand.
type DigestSource func(ctx context.Context) (string, error)

// Config tunes the loop's timing. Zero values are replaced by their
// Default* constants in New. CycleStartupDelay/StatusStartupDelay default
// to spec §4.9's 15s/20s staggering and exist as fields (rather than bare
// constants) so tests can drive the loop without waiting on them.
type Config struct {
	CycleInterval      time.Duration
	StatusInterval     time.Duration
	CycleTimeout       time.Duration
	CycleStartupDelay  time.Duration
	StatusStartupDelay time.Duration
	// WatchdogGrace is added to CycleTimeout to get the watchdog
	// deadline. Defaults to spec §4.9's 60s; exposed so tests can shrink
	// it instead of waiting out the real grace period.
	WatchdogGrace time.Duration
}

// DefaultConfig returns spec §4.9's stated defaults.
func DefaultConfig() Config {
	return Config{
		CycleInterval:      DefaultCycleInterval,
		StatusInterval:     DefaultStatusInterval,
		CycleTimeout:       DefaultCycleTimeout,
		CycleStartupDelay:  startupCycleDelay,
		StatusStartupDelay: startupStatusDelay,
		WatchdogGrace:      watchdogGrace,
	}
}

// Loop is the secondary supervisor: a slow, independent cycle that talks
// to the SDK rotation on bosun's own behalf and periodically reports that
// it is still alive.
type Loop struct {
	cfg     Config
	rotator *sdkslot.Rotator
	digest  DigestSource
	disp    *events.Dispatcher
	log     *zap.Logger

	mu             sync.Mutex
	running        bool
	generation     int
	watchdogAborts int

	onCycleObserved func(time.Duration)
}

// SetMetricsHook wires a callback invoked with each cycle's wall-clock
// duration, whether it finished normally or was watchdog-aborted, so a
// caller (corestate) can feed a metrics registry without this package
// importing prometheus itself.
func (l *Loop) SetMetricsHook(onCycleObserved func(time.Duration)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onCycleObserved = onCycleObserved
}

// New builds a Loop. rotator and digest may be nil in tests that only
// exercise the status-publish path; disp may be nil to skip status
// publication entirely.
func New(cfg Config, rotator *sdkslot.Rotator, digest DigestSource, disp *events.Dispatcher, log *zap.Logger) *Loop {
	if cfg.CycleInterval <= 0 {
		cfg.CycleInterval = DefaultCycleInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = DefaultStatusInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = DefaultCycleTimeout
	}
	if cfg.CycleStartupDelay <= 0 {
		cfg.CycleStartupDelay = startupCycleDelay
	}
	if cfg.StatusStartupDelay <= 0 {
		cfg.StatusStartupDelay = startupStatusDelay
	}
	if cfg.WatchdogGrace <= 0 {
		cfg.WatchdogGrace = watchdogGrace
	}
	return &Loop{cfg: cfg, rotator: rotator, digest: digest, disp: disp, log: log}
}

// Run drives the cycle and status timers until ctx is cancelled. Startup
// is staggered per spec §4.9: the first cycle fires after a jittered
// ~15s, the first status publish after a jittered ~20s — and if jitter
// would let status land before (or too close after) the first cycle, the
// status delay is pushed out to follow it by at least statusCycleGap.
func (l *Loop) Run(ctx context.Context) {
	cycleDelay := jitter(l.cfg.CycleStartupDelay)
	statusDelay := jitter(l.cfg.StatusStartupDelay)
	if statusDelay < cycleDelay+statusCycleGap {
		statusDelay = cycleDelay + statusCycleGap
	}

	cycleTimer := time.NewTimer(safetimer.Clamp(l.log, "monitor-monitor-cycle-startup", cycleDelay))
	statusTimer := time.NewTimer(safetimer.Clamp(l.log, "monitor-monitor-status-startup", statusDelay))
	defer cycleTimer.Stop()
	defer statusTimer.Stop()

	var cycleTicker, statusTicker *time.Ticker
	defer func() {
		if cycleTicker != nil {
			cycleTicker.Stop()
		}
		if statusTicker != nil {
			statusTicker.Stop()
		}
	}()

	cycleC := cycleTimer.C
	statusC := statusTimer.C

	for {
		select {
		case <-ctx.Done():
			return

		case <-cycleC:
			l.runCycle(ctx)
			if cycleTicker == nil {
				cycleTicker = safetimer.NewTicker(l.log, "monitor-monitor-cycle", l.cfg.CycleInterval)
				cycleC = cycleTicker.C
			}

		case <-statusC:
			l.publishStatus(ctx)
			if statusTicker == nil {
				statusTicker = safetimer.NewTicker(l.log, "monitor-monitor-status", l.cfg.StatusInterval)
				statusC = statusTicker.C
			}
		}
	}
}

// runCycle enforces the at-most-one-cycle-at-a-time guard and the
// watchdog: a cycle exceeding CycleTimeout+60s is aborted via context
// cancellation, and after two consecutive aborts without a clean stop the
// running flag is force-reset so the loop doesn't wedge itself forever
// over one stuck cycle.
func (l *Loop) runCycle(parent context.Context) {
	l.mu.Lock()
	if l.running {
		if l.log != nil {
			l.log.Warn("monitor-monitor: previous cycle still running, skipping")
		}
		l.mu.Unlock()
		return
	}
	l.running = true
	l.generation++
	gen := l.generation
	l.mu.Unlock()

	start := time.Now()
	cycleCtx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.doCycle(cycleCtx)
		l.observeCycle(time.Since(start))
	}()

	watchdog := time.NewTimer(l.cfg.CycleTimeout + l.cfg.WatchdogGrace)
	defer watchdog.Stop()

	select {
	case <-done:
		cancel()
		l.clearRunning(gen, true)

	case <-watchdog.C:
		cancel()
		forced := l.noteWatchdogAbort()
		if l.log != nil {
			l.log.Warn("monitor-monitor: cycle exceeded watchdog deadline", zap.Bool("forced_reset", forced))
		}
		if forced {
			l.clearRunning(gen, false)
		}
		// The abandoned goroutine may still finish cleanly after
		// cancellation propagates; when it does, clear the flag too
		// unless a later cycle (higher generation) already owns it.
		go func() {
			<-done
			l.clearRunning(gen, true)
		}()
	}
}

func (l *Loop) clearRunning(gen int, resetAborts bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.generation != gen {
		return
	}
	l.running = false
	if resetAborts {
		l.watchdogAborts = 0
	}
}

func (l *Loop) observeCycle(d time.Duration) {
	l.mu.Lock()
	hook := l.onCycleObserved
	l.mu.Unlock()
	if hook != nil {
		hook(d)
	}
}

func (l *Loop) noteWatchdogAbort() (forced bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.watchdogAborts++
	forced = l.watchdogAborts >= maxWatchdogAborts
	if forced {
		l.watchdogAborts = 0
	}
	return forced
}

func (l *Loop) doCycle(ctx context.Context) {
	var digestText string
	if l.digest != nil {
		d, err := l.digest(ctx)
		if err != nil {
			if l.log != nil {
				l.log.Warn("monitor-monitor: digest source failed", zap.Error(err))
			}
		} else {
			digestText = d
		}
	}

	if l.rotator == nil {
		return
	}
	resp, slot, err := l.rotator.Call(ctx, buildPrompt(digestText))
	if err != nil {
		if l.log != nil {
			l.log.Warn("monitor-monitor: self-heal cycle failed", zap.Error(err))
		}
		return
	}
	if l.log != nil {
		l.log.Info("monitor-monitor: self-heal cycle completed",
			zap.String("slot", slot), zap.Int("response_len", len(resp)))
	}
}

const selfHealPreamble = "You are bosun's secondary supervisor. Review the recent activity below " +
	"and report anything that looks like the control plane itself misbehaving."

func buildPrompt(digest string) string {
	if digest == "" {
		return selfHealPreamble
	}
	return selfHealPreamble + "\n\nRecent activity:\n" + digest
}

// publishStatus emits a routine health event, deduped on "reason:sdk" by
// the shared event Dispatcher so an unexpectedly tight status cadence
// never floods notifications.
func (l *Loop) publishStatus(ctx context.Context) {
	if l.disp == nil {
		return
	}
	active := ""
	if l.rotator != nil {
		active = l.rotator.Active()
	}
	l.disp.Dispatch(ctx, events.Event{
		Kind:     "monitor-monitor-status",
		Subject:  "reason:sdk",
		Message:  fmt.Sprintf("secondary supervisor alive, last active slot=%q", active),
		Priority: events.Priority3,
	})
}

// jitter returns base plus or minus up to 20% at random, so multiple
// bosun instances started at the same time don't all hit the SDK in
// lockstep.
func jitter(base time.Duration) time.Duration {
	spread := base / 5
	if spread <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2*spread))) - spread
	return base + offset
}
