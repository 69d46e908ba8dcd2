// Package metrics exposes bosun's operational counters and gauges through
// a prometheus registry: Supervisor restarts, breaker trips, reconciler
// sweep outcomes, and SDK slot health, all scrapeable without needing a
// log-parsing pipeline. None of spec.md's modules name metrics
// explicitly, but §1's ambient-concerns list ("Supporting glue") and this
// project's sibling repos (jordigilh-kubernaut, hashicorp-nomad) both
// carry a Prometheus registry as a baseline for a long-lived control
// plane; an operations daemon with no scrapeable health surface at all
// would be the outlier, not the norm.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry bundles every metric bosun emits behind one prometheus
// registerer, so a single /metrics handler can serve all of them and
// tests can construct an isolated instance instead of fighting the
// global default registry.
type Registry struct {
	reg *prometheus.Registry

	ChildRestarts       *prometheus.CounterVec
	BreakerTrips        *prometheus.CounterVec
	ReconcilerSweeps    prometheus.Counter
	ReconcilerOutcomes  *prometheus.CounterVec
	SDKSlotCalls        *prometheus.CounterVec
	SDKSlotExclusions   *prometheus.CounterVec
	EventsDispatched    *prometheus.CounterVec
	EventsDeduped       prometheus.Counter
	ActiveChildren      prometheus.Gauge
	MonitorCycleSeconds prometheus.Histogram
}

// New builds a Registry with every metric registered against a fresh,
// isolated prometheus.Registry (not the global DefaultRegisterer), so
// multiple bosun instances in one test binary don't collide.
func New() *Registry {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		reg: reg,

		ChildRestarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bosun",
			Name:      "child_restarts_total",
			Help:      "Child process restarts, labeled by the reason the restart controller recorded.",
		}, []string{"reason"}),

		BreakerTrips: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bosun",
			Name:      "breaker_trips_total",
			Help:      "Circuit breaker trips, labeled by breaker name.",
		}, []string{"breaker"}),

		ReconcilerSweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bosun",
			Name:      "reconciler_sweeps_total",
			Help:      "Reconciler sweep passes completed.",
		}),

		ReconcilerOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bosun",
			Name:      "reconciler_task_outcomes_total",
			Help:      "Per-task reconciliation outcomes, labeled by outcome (merged, recovered, conflict, idle).",
		}, []string{"outcome"}),

		SDKSlotCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bosun",
			Name:      "sdk_slot_calls_total",
			Help:      "SDK slot call attempts, labeled by slot name and result (ok, error).",
		}, []string{"slot", "result"}),

		SDKSlotExclusions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bosun",
			Name:      "sdk_slot_exclusions_total",
			Help:      "SDK slot temporary exclusions, labeled by slot name.",
		}, []string{"slot"}),

		EventsDispatched: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "bosun",
			Name:      "events_dispatched_total",
			Help:      "Events dispatched to listeners, labeled by kind.",
		}, []string{"kind"}),

		EventsDeduped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "bosun",
			Name:      "events_deduped_total",
			Help:      "Events suppressed by dedup within the dispatcher's window.",
		}),

		ActiveChildren: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "bosun",
			Name:      "active_children",
			Help:      "Whether the supervised child process is currently running (0 or 1).",
		}),

		MonitorCycleSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "bosun",
			Name:      "monitor_monitor_cycle_seconds",
			Help:      "Duration of each secondary supervisor self-heal cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Gatherer exposes the underlying prometheus.Gatherer for wiring into an
// HTTP handler (promhttp.HandlerFor) without leaking the concrete
// *prometheus.Registry type to callers that only need to serve it.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
