// Package domain holds the shapes bosun observes but does not own: tasks,
// attempts, and the small value types the rest of the control plane passes
// around. Identity and lifecycle for a Task belong to the injected task
// store; bosun only ever reads and requests transitions.
package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// TaskStatus is the lifecycle stage of a Task as tracked by the external
// task store.
type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "inprogress"
	TaskInReview   TaskStatus = "inreview"
	TaskDone       TaskStatus = "done"
	TaskCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether a task in this status may never be moved back to
// todo by the reconciler (spec §3 invariants).
func (s TaskStatus) Terminal() bool {
	return s == TaskDone || s == TaskCancelled
}

// Task is the reconciler's view of a unit of work. Identity is ID; every
// other field may be stale by the time it's acted upon, which is why
// mutating operations re-fetch live status before committing (safeRecoverTask).
type Task struct {
	ID          string
	Title       string
	Status      TaskStatus
	Branch      string
	BaseBranch  string
	PRNumber    int
	UpdatedAt   time.Time
	Description string
	Labels      []string
	Meta        map[string]any
}

// Version fingerprints the task's mutable fields, giving the cache layer
// something cheap to compare against to detect that a task changed
// underneath a cached decision (spec §4.6's "taskVersion" invalidation
// key) without needing the task store to expose its own revision field.
func (t Task) Version() string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%s\x00%d\x00%s",
		t.Status, t.Branch, t.BaseBranch, t.PRNumber, t.UpdatedAt.UTC().Format(time.RFC3339Nano))))
	return hex.EncodeToString(sum[:8])
}

// AttemptStatus is the lifecycle stage of one execution of a Task.
type AttemptStatus string

const (
	AttemptRunning      AttemptStatus = "running"
	AttemptReview       AttemptStatus = "review"
	AttemptManualReview AttemptStatus = "manual_review"
	AttemptError        AttemptStatus = "error"
	AttemptArchived     AttemptStatus = "archived"
)

// Attempt is one concrete execution of a Task, bound to a worktree, branch,
// and optional agent session. Multiple attempts may exist per task; the
// newest wins for sync-session purposes, but an older attempt may still own
// the merged PR (spec §3).
type Attempt struct {
	ID           string
	TaskID       string
	Branch       string
	Status       AttemptStatus
	WorktreePath string
	SessionID    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Candidate is a deduplicated {branch, PR, attempt, base} tuple assembled by
// the reconciler from every source it consults for one task (spec §4.4
// step 4). Source records which input produced it, used to preserve
// source-preference order (local status, then external board, then task
// fields).
type Candidate struct {
	Branch     string
	PRNumber   int
	AttemptID  string
	BaseBranch string
	Source     CandidateSource
}

// CandidateSource identifies which of the three joined views produced a
// Candidate, in the reconciler's source-preference order.
type CandidateSource int

const (
	SourceLocalStatus CandidateSource = iota
	SourceExternalBoard
	SourceTaskFields
)

func (s CandidateSource) String() string {
	switch s {
	case SourceLocalStatus:
		return "local-status"
	case SourceExternalBoard:
		return "external-board"
	case SourceTaskFields:
		return "task-fields"
	default:
		return "unknown"
	}
}
