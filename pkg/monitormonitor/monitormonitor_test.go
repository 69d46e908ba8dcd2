package monitormonitor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/bosun-run/bosun/pkg/events"
	"github.com/bosun-run/bosun/pkg/monitormonitor"
	"github.com/bosun-run/bosun/pkg/sdkslot"
)

func TestMonitormonitor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Monitormonitor Suite")
}

// fakeSlot is a minimal sdkslot.Slot whose behavior per call is supplied
// by fn, with a goroutine-safe call counter for assertions.
type fakeSlot struct {
	name string
	fn   func(ctx context.Context, n int) (string, error)

	mu    sync.Mutex
	calls int
}

func (f *fakeSlot) Name() string { return f.name }

func (f *fakeSlot) Call(ctx context.Context, prompt string) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	return f.fn(ctx, n)
}

func (f *fakeSlot) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// promptCapture is an sdkslot.Slot that records the prompt it was last
// called with, for assertions on how the loop builds its self-heal prompt.
type promptCapture struct {
	mu         sync.Mutex
	lastPrompt string
}

func (p *promptCapture) Name() string { return "primary" }

func (p *promptCapture) Call(_ context.Context, prompt string) (string, error) {
	p.mu.Lock()
	p.lastPrompt = prompt
	p.mu.Unlock()
	return "ok", nil
}

func (p *promptCapture) last() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPrompt
}

// quietConfig disables whichever timer a test isn't exercising by pushing
// it out past the test's own timeout.
func quietConfig() monitormonitor.Config {
	return monitormonitor.Config{
		CycleInterval:      time.Hour,
		CycleStartupDelay:  time.Hour,
		StatusInterval:     time.Hour,
		StatusStartupDelay: time.Hour,
		CycleTimeout:       time.Hour,
		WatchdogGrace:      time.Hour,
	}
}

var _ = Describe("Loop", func() {
	It("runs a cycle on startup and then on the configured interval", func() {
		slot := &fakeSlot{name: "primary", fn: func(context.Context, int) (string, error) { return "ok", nil }}
		rotator := sdkslot.New([]sdkslot.Slot{slot}, zap.NewNop())

		cfg := quietConfig()
		cfg.CycleInterval = 15 * time.Millisecond
		cfg.CycleStartupDelay = time.Millisecond
		loop := monitormonitor.New(cfg, rotator, nil, nil, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		go loop.Run(ctx)
		defer cancel()

		Eventually(slot.callCount, time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 2))
	})

	It("publishes a status event keyed on reason:sdk", func() {
		disp := events.New(zap.NewNop())

		var mu sync.Mutex
		var received []events.Event
		disp.Register(events.Listener{
			Name:      "capture",
			Verbosity: events.VerbosityDetailed,
			Handle: func(_ context.Context, e events.Event) error {
				mu.Lock()
				received = append(received, e)
				mu.Unlock()
				return nil
			},
		})

		cfg := quietConfig()
		cfg.StatusInterval = 15 * time.Millisecond
		cfg.StatusStartupDelay = time.Millisecond
		// The cycle startup delay still gates status (status never
		// precedes cycle), so keep it small too even though this loop has
		// no rotator to actually do anything on a cycle tick.
		cfg.CycleStartupDelay = time.Millisecond
		loop := monitormonitor.New(cfg, nil, nil, disp, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		go loop.Run(ctx)
		defer cancel()

		Eventually(func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(received)
		}, time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 1))

		mu.Lock()
		defer mu.Unlock()
		Expect(received[0].Kind).To(Equal("monitor-monitor-status"))
		Expect(received[0].Subject).To(Equal("reason:sdk"))
	})

	It("feeds the digest source into the cycle prompt", func() {
		prompts := &promptCapture{}
		rotator := sdkslot.New([]sdkslot.Slot{prompts}, zap.NewNop())

		digest := func(context.Context) (string, error) { return "breaker tripped twice in the last hour", nil }

		cfg := quietConfig()
		cfg.CycleInterval = time.Hour
		cfg.CycleStartupDelay = time.Millisecond
		loop := monitormonitor.New(cfg, rotator, digest, nil, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		go loop.Run(ctx)
		defer cancel()

		Eventually(prompts.last, time.Second, 5*time.Millisecond).Should(ContainSubstring("breaker tripped twice"))
	})

	It("does not start a second cycle while one is still in flight", func() {
		release := make(chan struct{})
		entered := make(chan struct{}, 10)
		slot := &fakeSlot{name: "primary", fn: func(ctx context.Context, n int) (string, error) {
			entered <- struct{}{}
			<-release
			return "ok", nil
		}}
		rotator := sdkslot.New([]sdkslot.Slot{slot}, zap.NewNop())

		cfg := quietConfig()
		cfg.CycleInterval = 10 * time.Millisecond
		cfg.CycleStartupDelay = time.Millisecond
		loop := monitormonitor.New(cfg, rotator, nil, nil, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		go loop.Run(ctx)
		defer cancel()

		Eventually(entered, time.Second).Should(Receive())
		// Several more ticks fire while the first call blocks; none should
		// start a second concurrent cycle.
		time.Sleep(80 * time.Millisecond)
		Expect(slot.callCount()).To(Equal(1))

		close(release)
		Eventually(slot.callCount, time.Second, 5*time.Millisecond).Should(BeNumerically(">=", 2))
	})

	It("aborts a cycle exceeding its watchdog deadline and cancels its context", func() {
		ctxCanceled := make(chan struct{})
		var once sync.Once
		slot := &fakeSlot{name: "primary", fn: func(ctx context.Context, n int) (string, error) {
			<-ctx.Done()
			once.Do(func() { close(ctxCanceled) })
			return "", ctx.Err()
		}}
		rotator := sdkslot.New([]sdkslot.Slot{slot}, zap.NewNop())

		cfg := quietConfig()
		cfg.CycleInterval = time.Hour
		cfg.CycleStartupDelay = time.Millisecond
		cfg.CycleTimeout = time.Millisecond
		cfg.WatchdogGrace = 5 * time.Millisecond
		loop := monitormonitor.New(cfg, rotator, nil, nil, zap.NewNop())

		ctx, cancel := context.WithCancel(context.Background())
		go loop.Run(ctx)
		defer cancel()

		Eventually(func() bool {
			select {
			case <-ctxCanceled:
				return true
			default:
				return false
			}
		}, time.Second, 5*time.Millisecond).Should(BeTrue())
	})
})
