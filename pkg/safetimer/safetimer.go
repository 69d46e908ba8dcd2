// Package safetimer clamps and validates timer durations before they reach
// time.AfterFunc/time.NewTimer, per spec §9: "setTimeout/setInterval callers
// pass a positive integer <= 2^31-1; the safe-timer wrapper clamps and logs
// out-of-range values." Go's time.Duration is a 64-bit nanosecond count, so
// the overflow bosun guards against is a caller accidentally passing a
// negative or zero duration (e.g. a miscomputed deadline), not the 32-bit
// millisecond ceiling the spec inherited from its origin runtime — but the
// contract (clamp, log, never panic or hang forever) is preserved exactly.
package safetimer

import (
	"time"

	"go.uber.org/zap"
)

// MaxDelay is the largest delay bosun will ever actually wait on a single
// timer; anything requested beyond this is clamped down to it. Chosen well
// above any real spec interval (the longest named delay is the 5-minute
// Supervisor hard cap) while still bounding pathological inputs.
const MaxDelay = 24 * time.Hour

// Clamp returns a duration in [0, MaxDelay], substituting 0 for negative or
// zero input and MaxDelay for anything larger, logging when it had to
// adjust.
func Clamp(log *zap.Logger, label string, d time.Duration) time.Duration {
	switch {
	case d <= 0:
		if log != nil {
			log.Warn("safetimer: clamped non-positive delay to 0", zap.String("label", label), zap.Duration("requested", d))
		}
		return 0
	case d > MaxDelay:
		if log != nil {
			log.Warn("safetimer: clamped delay to max", zap.String("label", label), zap.Duration("requested", d), zap.Duration("max", MaxDelay))
		}
		return MaxDelay
	default:
		return d
	}
}

// AfterFunc is a clamped time.AfterFunc.
func AfterFunc(log *zap.Logger, label string, d time.Duration, f func()) *time.Timer {
	return time.AfterFunc(Clamp(log, label, d), f)
}

// NewTicker is a clamped time.NewTicker. Tickers additionally reject a
// clamped-to-zero interval (NewTicker panics on <= 0), substituting 1ns,
// the smallest legal interval, rather than panicking the caller.
func NewTicker(log *zap.Logger, label string, d time.Duration) *time.Ticker {
	clamped := Clamp(log, label, d)
	if clamped <= 0 {
		clamped = time.Nanosecond
	}
	return time.NewTicker(clamped)
}
