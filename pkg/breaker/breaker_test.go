package breaker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/bosun-run/bosun/pkg/breaker"
)

func TestBreaker(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Breaker Suite")
}

func fastConfig() breaker.Config {
	return breaker.Config{
		FailureThreshold: 3,
		Window:           time.Minute,
		PauseDuration:    50 * time.Millisecond,
	}
}

var _ = Describe("Breaker", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	It("stays closed under the failure threshold", func() {
		b := breaker.New("t1", fastConfig(), zap.NewNop())
		for i := 0; i < 2; i++ {
			_ = b.Call(ctx, func(ctx context.Context) error { return errors.New("boom") })
		}
		Expect(b.State()).To(Equal("closed"))
	})

	It("trips after reaching the consecutive failure threshold", func() {
		b := breaker.New("t2", fastConfig(), zap.NewNop())
		for i := 0; i < 3; i++ {
			_ = b.Call(ctx, func(ctx context.Context) error { return errors.New("boom") })
		}
		Expect(b.IsOpen()).To(BeTrue())
	})

	It("invokes OnTrip exactly once across repeated failed calls while open", func() {
		b := breaker.New("t3", fastConfig(), zap.NewNop())
		trips := 0
		b.OnTrip(func() { trips++ })

		for i := 0; i < 3; i++ {
			_ = b.Call(ctx, func(ctx context.Context) error { return errors.New("boom") })
		}
		Expect(trips).To(Equal(1))

		for i := 0; i < 5; i++ {
			_ = b.Call(ctx, func(ctx context.Context) error { return nil })
		}
		Expect(trips).To(Equal(1))
	})

	It("rejects calls immediately while open", func() {
		b := breaker.New("t4", fastConfig(), zap.NewNop())
		for i := 0; i < 3; i++ {
			_ = b.Call(ctx, func(ctx context.Context) error { return errors.New("boom") })
		}

		called := false
		err := b.Call(ctx, func(ctx context.Context) error { called = true; return nil })
		Expect(err).To(HaveOccurred())
		Expect(called).To(BeFalse())
	})

	It("recovers to closed once the pause elapses and a probe succeeds", func() {
		b := breaker.New("t5", fastConfig(), zap.NewNop())
		resets := 0
		b.OnReset(func() { resets++ })

		for i := 0; i < 3; i++ {
			_ = b.Call(ctx, func(ctx context.Context) error { return errors.New("boom") })
		}
		Expect(b.IsOpen()).To(BeTrue())

		Eventually(func() error {
			return b.Call(ctx, func(ctx context.Context) error { return nil })
		}, time.Second, 10*time.Millisecond).Should(Succeed())

		Expect(b.State()).To(Equal("closed"))
		Expect(resets).To(Equal(1))
	})

	It("Reset forces closed and fires OnReset when previously tripped", func() {
		b := breaker.New("t6", fastConfig(), zap.NewNop())
		resets := 0
		b.OnReset(func() { resets++ })

		for i := 0; i < 3; i++ {
			_ = b.Call(ctx, func(ctx context.Context) error { return errors.New("boom") })
		}
		Expect(b.IsOpen()).To(BeTrue())

		b.Reset()
		Expect(b.State()).To(Equal("closed"))
		Expect(resets).To(Equal(1))
	})

	It("PausedUntil is zero before any trip", func() {
		b := breaker.New("t7", fastConfig(), zap.NewNop())
		Expect(b.PausedUntil()).To(BeZero())
	})
})
