package cache

import (
	"context"

	"go.uber.org/zap"
)

// Registry bundles every named cache the reconciler and restart controller
// need, constructed once over a shared backend (spec §9's corestate design
// note: "named sub-stores, each behind its own mutex, constructed once").
type Registry struct {
	MergedBranch     *MergedBranchCache
	MergedTaskID     *MergedTaskIDCache
	RecoverySkip     *RecoverySkipCache
	StaleStrike      *StaleStrikeCache
	NoAttemptLog     *NoAttemptLogCache
	ConflictCooldown *ConflictCooldownCache
	EpicMerge        *EpicMergeCache
	RestartState     *RestartStateCache
}

// NewRegistry builds every cache over the same backend.
func NewRegistry(backend Backend, log *zap.Logger) *Registry {
	return &Registry{
		MergedBranch:     NewMergedBranchCache(backend, log),
		MergedTaskID:     NewMergedTaskIDCache(backend, log),
		RecoverySkip:     NewRecoverySkipCache(backend, log),
		StaleStrike:      NewStaleStrikeCache(backend, log),
		NoAttemptLog:     NewNoAttemptLogCache(backend, log),
		ConflictCooldown: NewConflictCooldownCache(backend, log),
		EpicMerge:        NewEpicMergeCache(backend, log),
		RestartState:     NewRestartStateCache(backend, log),
	}
}

// Sweep runs the periodic expiry pass across every size-bounded cache,
// called once per reconciler sweep (spec §4.4, §4.6). The permanent caches
// (MergedBranch, MergedTaskID, EpicMerge) have nothing to sweep.
func (r *Registry) Sweep(ctx context.Context) {
	r.RecoverySkip.Sweep(ctx)
	r.StaleStrike.Sweep(ctx)
	r.NoAttemptLog.Sweep(ctx)
	r.ConflictCooldown.Sweep(ctx)
}
