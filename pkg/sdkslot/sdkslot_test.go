package sdkslot_test

import (
	"context"
	"errors"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/bosun-run/bosun/pkg/sdkslot"
)

func TestSdkslot(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Sdkslot Suite")
}

type fakeSlot struct {
	name  string
	calls int
	fn    func(calls int) (string, error)
}

func (f *fakeSlot) Name() string { return f.name }
func (f *fakeSlot) Call(ctx context.Context, prompt string) (string, error) {
	f.calls++
	return f.fn(f.calls)
}

var _ = Describe("Rotator", func() {
	It("returns the primary's response on success", func() {
		primary := &fakeSlot{name: "primary", fn: func(int) (string, error) { return "ok", nil }}
		r := sdkslot.New([]sdkslot.Slot{primary}, zap.NewNop())

		resp, used, err := r.Call(context.Background(), "hello")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp).To(Equal("ok"))
		Expect(used).To(Equal("primary"))
	})

	It("rotates to the backup on a rate-limit error and retries once", func() {
		primary := &fakeSlot{name: "primary", fn: func(int) (string, error) { return "", errors.New("429 rate limit exceeded") }}
		backup := &fakeSlot{name: "backup", fn: func(int) (string, error) { return "from backup", nil }}
		r := sdkslot.New([]sdkslot.Slot{primary, backup}, zap.NewNop())

		resp, used, err := r.Call(context.Background(), "hello")
		Expect(err).NotTo(HaveOccurred())
		Expect(resp).To(Equal("from backup"))
		Expect(used).To(Equal("backup"))
		Expect(primary.calls).To(Equal(1))
		Expect(backup.calls).To(Equal(1))
	})

	It("does not rotate past one retry within a single call", func() {
		calls := 0
		failing := &fakeSlot{name: "a", fn: func(int) (string, error) { calls++; return "", errors.New("rate limit") }}
		alsoFailing := &fakeSlot{name: "b", fn: func(int) (string, error) { calls++; return "", errors.New("rate limit") }}
		third := &fakeSlot{name: "c", fn: func(int) (string, error) { calls++; return "should not be reached", nil }}
		r := sdkslot.New([]sdkslot.Slot{failing, alsoFailing, third}, zap.NewNop())

		_, _, err := r.Call(context.Background(), "hello")
		Expect(err).To(HaveOccurred())
		Expect(calls).To(Equal(2), "at most two attempts per call")
	})

	It("stops rotating on a non-rotatable error", func() {
		primary := &fakeSlot{name: "primary", fn: func(int) (string, error) { return "", errors.New("invalid request: malformed prompt") }}
		backup := &fakeSlot{name: "backup", fn: func(int) (string, error) { return "from backup", nil }}
		r := sdkslot.New([]sdkslot.Slot{primary, backup}, zap.NewNop())

		_, _, err := r.Call(context.Background(), "hello")
		Expect(err).To(HaveOccurred())
		Expect(backup.calls).To(Equal(0))
	})

	It("excludes a slot after 5 cumulative failures", func() {
		primary := &fakeSlot{name: "primary", fn: func(int) (string, error) { return "", errors.New("rate limit") }}
		backup := &fakeSlot{name: "backup", fn: func(int) (string, error) { return "from backup", nil }}
		r := sdkslot.New([]sdkslot.Slot{primary, backup}, zap.NewNop())

		// Each call: primary fails, backup succeeds, so primary accumulates
		// one failure per call while staying first in priority order.
		for i := 0; i < 5; i++ {
			_, _, err := r.Call(context.Background(), "hello")
			Expect(err).NotTo(HaveOccurred())
		}
		Expect(primary.calls).To(Equal(5))

		// A sixth call should skip the now-excluded primary entirely and go
		// straight to backup.
		primaryCallsBefore := primary.calls
		_, used, err := r.Call(context.Background(), "hello")
		Expect(err).NotTo(HaveOccurred())
		Expect(used).To(Equal("backup"))
		Expect(primary.calls).To(Equal(primaryCallsBefore), "excluded slot should not be tried")
	})

	It("forces the primary back in when every slot is excluded", func() {
		always := func(int) (string, error) { return "", errors.New("rate limit") }
		primary := &fakeSlot{name: "primary", fn: always}
		backup := &fakeSlot{name: "backup", fn: always}
		r := sdkslot.New([]sdkslot.Slot{primary, backup}, zap.NewNop())

		// Drive both slots past their exclusion threshold. Each call makes
		// at most 2 attempts, alternating which slot absorbs the failure.
		for i := 0; i < 10; i++ {
			_, _, _ = r.Call(context.Background(), "hello")
		}

		_, used, err := r.Call(context.Background(), "hello")
		Expect(err).To(HaveOccurred())
		Expect(used).To(Equal(""))
		Expect(primary.calls).To(BeNumerically(">", 0))
	})
})
