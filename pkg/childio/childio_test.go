package childio_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/bosun-run/bosun/pkg/childio"
)

func TestChildIO(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "ChildIO Suite")
}

var _ = Describe("Classifier", func() {
	c := childio.DefaultClassifier()

	It("classifies blank lines as noise", func() {
		Expect(c.Classify("   ").Kind).To(Equal(childio.KindNoise))
	})

	It("classifies panics as errors", func() {
		Expect(c.Classify("panic: runtime error").Kind).To(Equal(childio.KindError))
	})

	It("classifies the mutex-held marker", func() {
		got := c.Classify("2026-08-01 Another orchestrator instance is already running, exiting")
		Expect(got.Kind).To(Equal(childio.KindMarker))
		Expect(got.MarkerName).To(Equal(childio.MarkerMutexHeld))
	})

	It("classifies the all-tasks-complete marker", func() {
		got := c.Classify("ALL TASKS COMPLETE")
		Expect(got.Kind).To(Equal(childio.KindMarker))
		Expect(got.MarkerName).To(Equal(childio.MarkerAllTasksComplete))
	})

	It("classifies backlog empty case-insensitively", func() {
		got := c.Classify("planner: Backlog Empty, nothing to schedule")
		Expect(got.Kind).To(Equal(childio.KindMarker))
		Expect(got.MarkerName).To(Equal(childio.MarkerBacklogEmpty))
	})

	It("captures shortId and branch from the attempt-tracked marker", func() {
		got := c.Classify("Tracking new attempt: abc123 → ve/abc-feat")
		Expect(got.Kind).To(Equal(childio.KindMarker))
		Expect(got.MarkerName).To(Equal(childio.MarkerAttemptTracked))
		Expect(got.Fields).To(Equal(map[string]string{"shortId": "abc123", "branch": "ve/abc-feat"}))
	})

	It("captures shortId and result from the attempt-finished marker", func() {
		got := c.Classify("Attempt abc123 finished (completed)")
		Expect(got.Kind).To(Equal(childio.KindMarker))
		Expect(got.MarkerName).To(Equal(childio.MarkerAttemptFinished))
		Expect(got.Fields).To(Equal(map[string]string{"shortId": "abc123", "result": "completed"}))
	})

	It("captures the branch from the no-remote-branch marker", func() {
		got := c.Classify("No remote branch for ve/abc-feat")
		Expect(got.Kind).To(Equal(childio.KindMarker))
		Expect(got.MarkerName).To(Equal(childio.MarkerNoRemoteBranch))
		Expect(got.Fields).To(Equal(map[string]string{"branch": "ve/abc-feat"}))
	})

	It("captures the PR number from the merged-PR marker", func() {
		got := c.Classify("Merged PR #42")
		Expect(got.Kind).To(Equal(childio.KindMarker))
		Expect(got.MarkerName).To(Equal(childio.MarkerPRMerged))
		Expect(got.Fields).To(Equal(map[string]string{"prNumber": "42"}))
	})

	It("captures the PR number and stage from the merge-notify marker", func() {
		got := c.Classify("Merge notify: PR #42 stage=rebase")
		Expect(got.Kind).To(Equal(childio.KindMarker))
		Expect(got.MarkerName).To(Equal(childio.MarkerMergeNotify))
		Expect(got.Fields).To(Equal(map[string]string{"prNumber": "42", "stage": "rebase"}))
	})

	It("classifies context-window-exhaustion phrasing", func() {
		got := c.Classify("error: context length exceeded for this request")
		Expect(got.Kind).To(Equal(childio.KindMarker))
		Expect(got.MarkerName).To(Equal(childio.MarkerContextWindow))
	})

	It("prefers noise over error when both match", func() {
		got := c.Classify("panic: upstream busy, retrying in 5s")
		Expect(got.Kind).To(Equal(childio.KindNoise))
	})

	It("classifies ordinary output as normal", func() {
		Expect(c.Classify("doing some work").Kind).To(Equal(childio.KindNormal))
	})
})

var _ = Describe("Pipeline", func() {
	It("tees every line including noise, and classifies each", func() {
		input := strings.NewReader("hello\nheartbeat\npanic: boom\nALL TASKS COMPLETE\n")
		var tee bytes.Buffer
		var seen []childio.LineKind

		p := childio.New(childio.DefaultClassifier(), &tee, func(c childio.Classified) {
			seen = append(seen, c.Kind)
		}, zap.NewNop())

		Expect(p.Run(context.Background(), input)).To(Succeed())
		Expect(seen).To(Equal([]childio.LineKind{childio.KindNormal, childio.KindNoise, childio.KindError, childio.KindMarker}))
		Expect(tee.String()).To(Equal("hello\nheartbeat\npanic: boom\nALL TASKS COMPLETE\n"))
	})

	It("stops early when the context is cancelled", func() {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		input := strings.NewReader("one\ntwo\n")
		p := childio.New(childio.DefaultClassifier(), nil, nil, zap.NewNop())
		err := p.Run(ctx, input)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("OpenAttemptLog", func() {
	It("creates the directory and appends across opens", func() {
		dir := filepath.Join(GinkgoT().TempDir(), "logs")
		f, err := childio.OpenAttemptLog(dir, "attempt-1")
		Expect(err).NotTo(HaveOccurred())
		_, err = f.WriteString("line1\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(f.Close()).To(Succeed())

		f2, err := childio.OpenAttemptLog(dir, "attempt-1")
		Expect(err).NotTo(HaveOccurred())
		_, err = f2.WriteString("line2\n")
		Expect(err).NotTo(HaveOccurred())
		Expect(f2.Close()).To(Succeed())

		data, err := os.ReadFile(filepath.Join(dir, "attempt-1.log"))
		Expect(err).NotTo(HaveOccurred())
		Expect(string(data)).To(Equal("line1\nline2\n"))
	})
})

var _ = Describe("LoopDetector", func() {
	It("does not fire before the threshold", func() {
		d := childio.NewLoopDetector()
		for i := 0; i < childio.LoopThreshold-1; i++ {
			Expect(d.Observe("sig-a")).To(BeFalse())
		}
	})

	It("fires on reaching the threshold and then cools down", func() {
		d := childio.NewLoopDetector()
		var fired bool
		for i := 0; i < childio.LoopThreshold; i++ {
			fired = d.Observe("sig-b")
		}
		Expect(fired).To(BeTrue())

		// Further occurrences immediately after firing stay quiet during
		// the cooldown window.
		Expect(d.Observe("sig-b")).To(BeFalse())
	})

	It("tracks signatures independently", func() {
		d := childio.NewLoopDetector()
		for i := 0; i < childio.LoopThreshold; i++ {
			d.Observe("sig-c")
		}
		Expect(d.Observe("sig-d")).To(BeFalse())
	})

	It("Reset clears state so the next occurrence starts a fresh count", func() {
		d := childio.NewLoopDetector()
		for i := 0; i < childio.LoopThreshold; i++ {
			d.Observe("sig-e")
		}
		d.Reset("sig-e")
		for i := 0; i < childio.LoopThreshold-1; i++ {
			Expect(d.Observe("sig-e")).To(BeFalse())
		}
	})
})
