// Package taskboard defines the external collaborators the reconciler
// reads from: the task store of record, the external task board (e.g. a
// kanban tool), and the PR host. Concrete clients are HTTP-based, built
// over a shared throttled/retrying transport (see httpclient.go).
package taskboard

import (
	"context"

	"github.com/bosun-run/bosun/pkg/domain"
)

// TaskStore is the system of record for tasks: status, branch, PR number.
type TaskStore interface {
	ListTasks(ctx context.Context) ([]domain.Task, error)
	GetTask(ctx context.Context, id string) (domain.Task, error)
	UpdateStatus(ctx context.Context, id string, status domain.TaskStatus) error
}

// ExternalBoard is a secondary source of task state (spec §3's
// CandidateSource "external board"), consulted when the task store alone
// doesn't resolve a reconciliation decision.
type ExternalBoard interface {
	ListCandidates(ctx context.Context) ([]domain.Candidate, error)
}

// PRState is a pull request's state as the reconciler needs it: whether
// it merged, whether it's still open, and whether it currently has merge
// conflicts against its base (spec §4.4 step 5).
type PRState struct {
	Merged       bool
	Open         bool
	HasConflicts bool
}

// PRHost answers whether a branch has an open or merged pull request, and
// resolves PR state both by number (the reconciler's cheapest check) and
// by branch-into-base history for hosts where the PR record itself has
// gone stale or was never created.
type PRHost interface {
	// FindPR returns the PR number for branch and whether it is merged.
	// ok is false if no PR exists for branch at all.
	FindPR(ctx context.Context, branch string) (number int, merged bool, ok bool, err error)

	// GetPR resolves a PR's current state by number.
	GetPR(ctx context.Context, number int) (PRState, error)

	// IsBranchMergedInto reports whether branch has been merged into base,
	// independent of any PR record (e.g. a squash-merge that closed the PR
	// without the host's merged flag ever flipping).
	IsBranchMergedInto(ctx context.Context, branch, base string) (bool, error)
}
