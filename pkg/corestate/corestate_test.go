package corestate_test

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/bosun-run/bosun/internal/config"
	"github.com/bosun-run/bosun/pkg/corestate"
	"github.com/bosun-run/bosun/pkg/domain"
	"github.com/bosun-run/bosun/pkg/events"
)

func TestCorestate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Corestate Suite")
}

type fakeTaskStore struct{ tasks []domain.Task }

func (f *fakeTaskStore) ListTasks(ctx context.Context) ([]domain.Task, error) { return f.tasks, nil }
func (f *fakeTaskStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	for _, t := range f.tasks {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Task{}, nil
}
func (f *fakeTaskStore) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	return nil
}

var _ = Describe("New", func() {
	It("builds every named sub-store, including the notify router and the dispatcher", func() {
		cfg := config.Load()
		dir := GinkgoT().TempDir()

		cs, err := corestate.New(context.Background(), cfg, dir, corestate.Dependencies{
			TaskStore: &fakeTaskStore{},
		}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		Expect(cs.Cache).NotTo(BeNil())
		Expect(cs.Restart).NotTo(BeNil())
		Expect(cs.ChildBreaker).NotTo(BeNil())
		Expect(cs.TaskBoard).NotTo(BeNil())
		Expect(cs.Events).NotTo(BeNil())
		Expect(cs.Notify).NotTo(BeNil())
		Expect(cs.Reconciler).NotTo(BeNil())
		Expect(cs.Metrics).NotTo(BeNil())
		Expect(cs.Tracing).NotTo(BeNil())
		Expect(cs.Tracing.Enabled()).To(BeFalse())

		Expect(cs.Shutdown(context.Background())).To(Succeed())
	})

	It("leaves the reconciler and sdk rotator nil when their dependencies are absent", func() {
		cfg := config.Load()
		dir := GinkgoT().TempDir()

		cs, err := corestate.New(context.Background(), cfg, dir, corestate.Dependencies{}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		Expect(cs.Reconciler).To(BeNil())
		Expect(cs.Rotator).To(BeNil())
		Expect(cs.MonitorMonitor).To(BeNil())
	})

	It("increments the breaker-trip metric and dispatches a priority-1 event on trip", func() {
		cfg := config.Load()
		dir := GinkgoT().TempDir()

		cs, err := corestate.New(context.Background(), cfg, dir, corestate.Dependencies{}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		var got events.Event
		cs.Events.Register(events.Listener{
			Name:      "capture",
			Verbosity: events.VerbosityDetailed,
			Handle: func(ctx context.Context, e events.Event) error {
				if e.Kind == "breaker-trip" {
					got = e
				}
				return nil
			},
		})

		ctx := context.Background()
		for i := 0; i < 5; i++ {
			_ = cs.ChildBreaker.Call(ctx, func(ctx context.Context) error {
				return context.DeadlineExceeded
			})
		}

		Expect(cs.ChildBreaker.IsOpen()).To(BeTrue())
		Expect(got.Kind).To(Equal("breaker-trip"))
		Expect(got.Priority).To(Equal(events.Priority1))
		Expect(got.SkipDedup).To(BeTrue())

		families, err := cs.Metrics.Gatherer().Gather()
		Expect(err).NotTo(HaveOccurred())
		found := false
		for _, f := range families {
			if f.GetName() == "bosun_breaker_trips_total" {
				found = true
				Expect(f.GetMetric()[0].GetCounter().GetValue()).To(Equal(1.0))
			}
		}
		Expect(found).To(BeTrue())
	})

	It("records a reconciler sweep in the metrics registry", func() {
		cfg := config.Load()
		dir := GinkgoT().TempDir()

		cs, err := corestate.New(context.Background(), cfg, dir, corestate.Dependencies{
			TaskStore: &fakeTaskStore{},
		}, zap.NewNop())
		Expect(err).NotTo(HaveOccurred())

		Expect(cs.RunReconcilerSweep(context.Background())).To(Succeed())

		families, err := cs.Metrics.Gatherer().Gather()
		Expect(err).NotTo(HaveOccurred())
		found := false
		for _, f := range families {
			if f.GetName() == "bosun_reconciler_sweeps_total" {
				found = true
				Expect(f.GetMetric()[0].GetCounter().GetValue()).To(Equal(1.0))
			}
		}
		Expect(found).To(BeTrue())
	})
})
