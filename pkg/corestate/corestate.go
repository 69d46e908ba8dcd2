// Package corestate implements spec §9's design note for "globals for
// cache state": rather than package-level mutable state, every long-lived
// store the control plane needs is a named field on one value,
// constructed exactly once and passed by reference. The supervisor holds
// the one and only instance.
//
// Grounded on pkg/cache.Registry's own doc comment (which already quotes
// the same design note for its narrower job of bundling caches) and on
// the teacher's internal/config.Config, whose job — one struct gathering
// everything a run needs instead of scattered package globals — is the
// same shape one level up. CoreState is where the independently-testable
// packages (cache, restart, breaker, events, notify, reconciler, sdkslot,
// monitormonitor, metrics, tracing) actually get wired to each other.
package corestate

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-run/bosun/internal/config"
	"github.com/bosun-run/bosun/pkg/breaker"
	"github.com/bosun-run/bosun/pkg/cache"
	"github.com/bosun-run/bosun/pkg/events"
	"github.com/bosun-run/bosun/pkg/metrics"
	"github.com/bosun-run/bosun/pkg/monitormonitor"
	"github.com/bosun-run/bosun/pkg/notify"
	"github.com/bosun-run/bosun/pkg/reconciler"
	"github.com/bosun-run/bosun/pkg/restart"
	"github.com/bosun-run/bosun/pkg/sdkslot"
	"github.com/bosun-run/bosun/pkg/taskboard"
	"github.com/bosun-run/bosun/pkg/tracing"
	"github.com/bosun-run/bosun/pkg/workgroup"
)

// digestInterval is how often the notify router flushes batched,
// non-urgent notifications. Not one of spec §6's named environment
// variables, so it's a package constant rather than a config field.
const digestInterval = 15 * time.Minute

// Dependencies are the collaborators spec §1 calls out as "deliberately
// out of scope" for this core to implement: the external task-board API,
// the PR-host API, the chat transport, and the configured SDK slots.
// CoreState wires them into the components that consume them but does
// not construct them. The run command passes an empty Dependencies, so the
// components that need them (reconciler, SDK rotator, secondary loop) stay
// nil there.
type Dependencies struct {
	TaskStore taskboard.TaskStore
	Board     taskboard.ExternalBoard
	PRHost    taskboard.PRHost
	Live      reconciler.LiveAttemptLister
	Slots     []sdkslot.Slot
	Transport notify.Transport
	Tracing   tracing.Config
}

// CoreState is the single composed value every other component reads
// from or is constructed against. Each field owns its own concurrency
// safety internally (cache.Registry's maps, restart.Controller's mutex,
// breaker's gobreaker instance, events.Dispatcher's listener list); this
// struct itself holds no mutable state beyond the references, so it needs
// no mutex of its own.
type CoreState struct {
	Config *config.Config
	Log    *zap.Logger

	Cache          *cache.Registry
	Restart        *restart.Controller
	ChildBreaker   *breaker.Breaker
	TaskBoard      *breaker.Breaker
	Events         *events.Dispatcher
	Notify         *notify.Router
	Reconciler     *reconciler.Reconciler
	Rotator        *sdkslot.Rotator
	MonitorMonitor *monitormonitor.Loop
	Metrics        *metrics.Registry
	Tracing        *tracing.Provider
	Work           *workgroup.Group
}

// New constructs every named sub-store over repoRoot's cache directory
// and wires the cross-cutting plumbing: breaker trips and sdk slot
// exclusions feed the metrics registry, accepted and deduped events feed
// it too, and the notify router is registered as an events listener so a
// dispatched event actually reaches a human. Called once, at process
// startup.
func New(ctx context.Context, cfg *config.Config, repoRoot string, deps Dependencies, log *zap.Logger) (*CoreState, error) {
	cacheDir := filepath.Join(repoRoot, ".bosun", ".cache")
	backend, err := cache.NewFileBackend(cacheDir, log)
	if err != nil {
		return nil, fmt.Errorf("corestate: build cache backend: %w", err)
	}
	reg := cache.NewRegistry(backend, log)

	metricsReg := metrics.New()

	tracer, err := tracing.NewProvider(deps.Tracing)
	if err != nil {
		return nil, fmt.Errorf("corestate: build tracing provider: %w", err)
	}

	disp := events.New(log)
	disp.SetMetricsHooks(
		func(e events.Event) { metricsReg.EventsDispatched.WithLabelValues(e.Kind).Inc() },
		func(e events.Event) { metricsReg.EventsDeduped.Inc() },
	)

	router := notify.New(deps.Transport, digestInterval, log)
	disp.Register(router.Listener())

	restartCtl := restart.New(reg.RestartState, log)

	childBreaker := breaker.New("task-agent", breaker.DefaultConfig(), log)
	wireBreakerMetrics(childBreaker, "task-agent", disp, metricsReg)

	boardBreaker := breaker.New("task-board", breaker.DefaultConfig(), log)
	wireBreakerMetrics(boardBreaker, "task-board", disp, metricsReg)

	var rotator *sdkslot.Rotator
	if len(deps.Slots) > 0 {
		rotator = sdkslot.New(deps.Slots, log)
		rotator.SetMetricsHooks(
			func(slot string, ok bool) {
				result := "ok"
				if !ok {
					result = "error"
				}
				metricsReg.SDKSlotCalls.WithLabelValues(slot, result).Inc()
			},
			func(slot string) { metricsReg.SDKSlotExclusions.WithLabelValues(slot).Inc() },
		)
	}

	var recon *reconciler.Reconciler
	if deps.TaskStore != nil {
		rcCfg := reconciler.Config{}
		if cfg != nil {
			rcCfg.StaleTaskAge = cfg.Reconciler.StaleTaskAge
			rcCfg.DryRun = cfg.Reconciler.DryRun
		}
		recon = reconciler.New(rcCfg, deps.TaskStore, deps.Board, deps.PRHost, deps.Live, reg, disp, log)
		recon.SetMetricsHook(func(outcome string) { metricsReg.ReconcilerOutcomes.WithLabelValues(outcome).Inc() })
	}

	var mm *monitormonitor.Loop
	if cfg != nil && cfg.MonitorMonitor.Enabled && rotator != nil {
		mmCfg := monitormonitor.Config{
			CycleInterval:      cfg.MonitorMonitor.CycleInterval,
			StatusInterval:     cfg.MonitorMonitor.StatusInterval,
			CycleTimeout:       cfg.MonitorMonitor.CycleTimeout,
			CycleStartupDelay:  cfg.MonitorMonitor.CycleStartupDelay,
			StatusStartupDelay: cfg.MonitorMonitor.StatusStartupDelay,
			WatchdogGrace:      cfg.MonitorMonitor.WatchdogGrace,
		}
		mm = monitormonitor.New(mmCfg, rotator, nil, disp, log)
		mm.SetMetricsHook(func(d time.Duration) { metricsReg.MonitorCycleSeconds.Observe(d.Seconds()) })
	}

	return &CoreState{
		Config:         cfg,
		Log:            log,
		Cache:          reg,
		Restart:        restartCtl,
		ChildBreaker:   childBreaker,
		TaskBoard:      boardBreaker,
		Events:         disp,
		Notify:         router,
		Reconciler:     recon,
		Rotator:        rotator,
		MonitorMonitor: mm,
		Metrics:        metricsReg,
		Tracing:        tracer,
		Work:           workgroup.New(ctx, log),
	}, nil
}

// wireBreakerMetrics registers OnTrip/OnReset hooks that feed the shared
// metrics registry and raise a priority-1, dedup-skipping event — spec
// §4.3's "exactly one notification per trip" — through disp.
func wireBreakerMetrics(b *breaker.Breaker, name string, disp *events.Dispatcher, reg *metrics.Registry) {
	b.OnTrip(func() {
		reg.BreakerTrips.WithLabelValues(name).Inc()
		disp.Dispatch(context.Background(), events.Event{
			Kind:      "breaker-trip",
			Subject:   "breaker:" + name,
			Message:   fmt.Sprintf("circuit breaker %q tripped", name),
			Priority:  events.Priority1,
			SkipDedup: true,
		})
	})
	b.OnReset(func() {
		disp.Dispatch(context.Background(), events.Event{
			Kind:     "breaker-reset",
			Subject:  "breaker:" + name,
			Message:  fmt.Sprintf("circuit breaker %q reset", name),
			Priority: events.Priority2,
		})
	})
}

// RecordRestart increments the restart metric for reason and is the one
// piece of Supervisor-facing bookkeeping CoreState exposes directly
// rather than through a Hooks closure, since every supervisor regardless
// of which child it runs shares the same metrics registry.
func (cs *CoreState) RecordRestart(reason string) {
	cs.Metrics.ChildRestarts.WithLabelValues(reason).Inc()
}

// RunReconcilerSweep runs one reconciler sweep (if a Reconciler is wired)
// and records its outcome in the metrics registry, isolating callers
// (the periodic ticker, an on-demand trigger from a child log line) from
// having to remember the bookkeeping step themselves.
func (cs *CoreState) RunReconcilerSweep(ctx context.Context) error {
	if cs.Reconciler == nil {
		return nil
	}
	err := cs.Reconciler.Sweep(ctx)
	cs.Metrics.ReconcilerSweeps.Inc()
	return err
}

// Shutdown drains background work and flushes the tracing provider. It
// does not close the cache backend's debounce goroutine; callers that
// need a flushed cache file on exit should call Cache's Sweep and allow
// the debounce window to elapse, or force a synchronous write before
// calling Shutdown.
func (cs *CoreState) Shutdown(ctx context.Context) error {
	_ = cs.Work.Wait()
	return cs.Tracing.Shutdown(ctx)
}
