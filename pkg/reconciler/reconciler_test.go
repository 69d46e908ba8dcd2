package reconciler_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/bosun-run/bosun/pkg/cache"
	"github.com/bosun-run/bosun/pkg/domain"
	"github.com/bosun-run/bosun/pkg/events"
	"github.com/bosun-run/bosun/pkg/reconciler"
	"github.com/bosun-run/bosun/pkg/taskboard"
)

func TestReconciler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Reconciler Suite")
}

type fakeStore struct {
	mu        sync.Mutex
	tasks     map[string]domain.Task
	updateErr error
}

func newFakeStore(tasks ...domain.Task) *fakeStore {
	s := &fakeStore{tasks: make(map[string]domain.Task)}
	for _, t := range tasks {
		s.tasks[t.ID] = t
	}
	return s
}

func (s *fakeStore) ListTasks(ctx context.Context) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	return out, nil
}

func (s *fakeStore) GetTask(ctx context.Context, id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, errors.New("not found")
	}
	return t, nil
}

func (s *fakeStore) UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tasks[id]
	t.Status = status
	s.tasks[id] = t
	return nil
}

func (s *fakeStore) statusOf(id string) domain.TaskStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tasks[id].Status
}

type fakeBoard struct {
	candidates []domain.Candidate
	err        error
}

func (b *fakeBoard) ListCandidates(ctx context.Context) ([]domain.Candidate, error) {
	return b.candidates, b.err
}

type fakePRHost struct {
	byNumber     map[int]taskboard.PRState
	byBranch     map[string]int
	mergedBranch map[string]bool
}

func newFakePRHost() *fakePRHost {
	return &fakePRHost{
		byNumber:     make(map[int]taskboard.PRState),
		byBranch:     make(map[string]int),
		mergedBranch: make(map[string]bool),
	}
}

func (h *fakePRHost) FindPR(ctx context.Context, branch string) (int, bool, bool, error) {
	n, ok := h.byBranch[branch]
	if !ok {
		return 0, false, false, nil
	}
	state := h.byNumber[n]
	return n, state.Merged, true, nil
}

func (h *fakePRHost) GetPR(ctx context.Context, number int) (taskboard.PRState, error) {
	return h.byNumber[number], nil
}

func (h *fakePRHost) IsBranchMergedInto(ctx context.Context, branch, base string) (bool, error) {
	return h.mergedBranch[branch], nil
}

func newRegistry() *cache.Registry {
	backend, err := cache.NewFileBackend(GinkgoT().TempDir(), zap.NewNop())
	Expect(err).NotTo(HaveOccurred())
	return cache.NewRegistry(backend, zap.NewNop())
}

var _ = Describe("Reconciler.Sweep", func() {
	var (
		store *fakeStore
		board *fakeBoard
		prs   *fakePRHost
		reg   *cache.Registry
		disp  *events.Dispatcher
	)

	BeforeEach(func() {
		board = &fakeBoard{}
		prs = newFakePRHost()
		reg = newRegistry()
		disp = events.New(zap.NewNop())
	})

	It("marks a task done when its PR is merged", func() {
		task := domain.Task{ID: "t1", Status: domain.TaskInProgress, Branch: "feature/a", BaseBranch: "main", PRNumber: 7, UpdatedAt: time.Now()}
		store = newFakeStore(task)
		prs.byNumber[7] = taskboard.PRState{Merged: true}

		r := reconciler.New(reconciler.Config{}, store, board, prs, nil, reg, disp, zap.NewNop())
		Expect(r.Sweep(context.Background())).To(Succeed())

		Expect(store.statusOf("t1")).To(Equal(domain.TaskDone))
		Expect(reg.MergedBranch.IsMerged(context.Background(), "feature/a")).To(BeTrue())
	})

	It("moves a task to inreview when its PR is open", func() {
		task := domain.Task{ID: "t1", Status: domain.TaskInProgress, Branch: "feature/a", BaseBranch: "main", PRNumber: 7, UpdatedAt: time.Now()}
		store = newFakeStore(task)
		prs.byNumber[7] = taskboard.PRState{Open: true}

		r := reconciler.New(reconciler.Config{}, store, board, prs, nil, reg, disp, zap.NewNop())
		Expect(r.Sweep(context.Background())).To(Succeed())

		Expect(store.statusOf("t1")).To(Equal(domain.TaskInReview))
	})

	It("recycles a stale idle task straight to todo", func() {
		old := time.Now().Add(-4 * time.Hour)
		task := domain.Task{ID: "t1", Status: domain.TaskInProgress, UpdatedAt: old}
		store = newFakeStore(task)

		r := reconciler.New(reconciler.Config{}, store, board, prs, nil, reg, disp, zap.NewNop())
		Expect(r.Sweep(context.Background())).To(Succeed())

		Expect(store.statusOf("t1")).To(Equal(domain.TaskTodo))
	})

	It("gives a young idle task strikes before recovering it", func() {
		task := domain.Task{ID: "t1", Status: domain.TaskInProgress, UpdatedAt: time.Now()}
		store = newFakeStore(task)

		r := reconciler.New(reconciler.Config{StaleMaxStrikes: 2}, store, board, prs, nil, reg, disp, zap.NewNop())
		Expect(r.Sweep(context.Background())).To(Succeed())
		Expect(store.statusOf("t1")).To(Equal(domain.TaskInProgress), "first strike should not yet recover")

		Expect(r.Sweep(context.Background())).To(Succeed())
		Expect(store.statusOf("t1")).To(Equal(domain.TaskTodo), "second strike should recover")
	})

	It("does not reprocess a task already recorded merged", func() {
		task := domain.Task{ID: "t1", Status: domain.TaskInProgress, Branch: "feature/a", PRNumber: 7, UpdatedAt: time.Now()}
		store = newFakeStore(task)
		prs.byNumber[7] = taskboard.PRState{Merged: true}

		r := reconciler.New(reconciler.Config{}, store, board, prs, nil, reg, disp, zap.NewNop())
		Expect(r.Sweep(context.Background())).To(Succeed())
		Expect(store.statusOf("t1")).To(Equal(domain.TaskDone))

		// flip the task back to inprogress, as if a user force-reopened it;
		// a sweep should not re-touch it since it's cached as merged.
		store.mu.Lock()
		t := store.tasks["t1"]
		t.Status = domain.TaskInProgress
		store.tasks["t1"] = t
		store.mu.Unlock()

		Expect(r.Sweep(context.Background())).To(Succeed())
		Expect(store.statusOf("t1")).To(Equal(domain.TaskInProgress))
	})

	It("enters a conflicted branch into cooldown instead of acting on it", func() {
		task := domain.Task{ID: "t1", Status: domain.TaskInProgress, Branch: "feature/a", PRNumber: 7, UpdatedAt: time.Now()}
		store = newFakeStore(task)
		prs.byNumber[7] = taskboard.PRState{Open: true, HasConflicts: true}

		r := reconciler.New(reconciler.Config{}, store, board, prs, nil, reg, disp, zap.NewNop())
		Expect(r.Sweep(context.Background())).To(Succeed())

		Expect(reg.ConflictCooldown.InCooldown(context.Background(), "t1")).To(BeTrue())
		Expect(store.statusOf("t1")).To(Equal(domain.TaskInProgress), "conflict candidates are deferred, not acted on")
	})

	It("does nothing in dry-run mode", func() {
		task := domain.Task{ID: "t1", Status: domain.TaskInProgress, Branch: "feature/a", PRNumber: 7, UpdatedAt: time.Now()}
		store = newFakeStore(task)
		prs.byNumber[7] = taskboard.PRState{Merged: true}

		r := reconciler.New(reconciler.Config{DryRun: true}, store, board, prs, nil, reg, disp, zap.NewNop())
		Expect(r.Sweep(context.Background())).To(Succeed())

		Expect(store.statusOf("t1")).To(Equal(domain.TaskInProgress))
	})

	It("prefers the local live attempt's branch over the task's own field", func() {
		task := domain.Task{ID: "t1", Status: domain.TaskInProgress, Branch: "stale-branch", UpdatedAt: time.Now()}
		store = newFakeStore(task)
		prs.byNumber[9] = taskboard.PRState{Open: true}
		prs.byBranch["live-branch"] = 9

		live := liveAttemptsFunc(func(taskID string) []domain.Attempt {
			if taskID != "t1" {
				return nil
			}
			return []domain.Attempt{{ID: "a1", TaskID: "t1", Branch: "live-branch"}}
		})

		r := reconciler.New(reconciler.Config{}, store, board, prs, live, reg, disp, zap.NewNop())
		Expect(r.Sweep(context.Background())).To(Succeed())

		Expect(store.statusOf("t1")).To(Equal(domain.TaskInReview))
	})
})

type liveAttemptsFunc func(taskID string) []domain.Attempt

func (f liveAttemptsFunc) LiveAttempts(taskID string) []domain.Attempt { return f(taskID) }
