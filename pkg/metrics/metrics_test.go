package metrics_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	dto "github.com/prometheus/client_model/go"

	"github.com/bosun-run/bosun/pkg/metrics"
)

func TestMetrics(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Metrics Suite")
}

var _ = Describe("Registry", func() {
	It("gathers every registered metric without error", func() {
		reg := metrics.New()

		reg.ChildRestarts.WithLabelValues("crash-loop").Inc()
		reg.BreakerTrips.WithLabelValues("task-board").Inc()
		reg.ReconcilerSweeps.Inc()
		reg.ReconcilerOutcomes.WithLabelValues("merged").Inc()
		reg.SDKSlotCalls.WithLabelValues("anthropic", "ok").Inc()
		reg.SDKSlotExclusions.WithLabelValues("anthropic").Inc()
		reg.EventsDispatched.WithLabelValues("breaker-trip").Inc()
		reg.EventsDeduped.Inc()
		reg.ActiveChildren.Set(1)
		reg.MonitorCycleSeconds.Observe(1.5)

		families, err := reg.Gatherer().Gather()
		Expect(err).NotTo(HaveOccurred())
		Expect(families).NotTo(BeEmpty())

		names := make(map[string]bool, len(families))
		for _, f := range families {
			names[f.GetName()] = true
		}
		Expect(names).To(HaveKey("bosun_child_restarts_total"))
		Expect(names).To(HaveKey("bosun_reconciler_sweeps_total"))
		Expect(names).To(HaveKey("bosun_active_children"))
	})

	It("isolates metrics across independent registries", func() {
		a := metrics.New()
		b := metrics.New()

		a.ReconcilerSweeps.Inc()
		a.ReconcilerSweeps.Inc()
		b.ReconcilerSweeps.Inc()

		famA, err := a.Gatherer().Gather()
		Expect(err).NotTo(HaveOccurred())
		famB, err := b.Gatherer().Gather()
		Expect(err).NotTo(HaveOccurred())

		Expect(findCounterValue(famA, "bosun_reconciler_sweeps_total")).To(Equal(2.0))
		Expect(findCounterValue(famB, "bosun_reconciler_sweeps_total")).To(Equal(1.0))
	})
})

func findCounterValue(families []*dto.MetricFamily, name string) float64 {
	for _, f := range families {
		if f.GetName() == name {
			return f.GetMetric()[0].GetCounter().GetValue()
		}
	}
	return -1
}
