package childio

import (
	"sync"
	"time"
)

const (
	// LoopWindow is how far back occurrences are considered when deciding
	// whether a signature is looping (spec §4.8).
	LoopWindow = 10 * time.Minute
	// LoopThreshold is how many occurrences inside LoopWindow constitute
	// a loop.
	LoopThreshold = 4
	// LoopCooldown is how long after firing the detector suppresses a
	// repeat trigger for the same signature, so a confirmed loop doesn't
	// re-notify on every subsequent occurrence while it continues.
	LoopCooldown = 15 * time.Minute
)

// LoopDetector tracks how often each error signature (e.g. a normalized
// error-line fingerprint) has recently occurred, firing once a signature
// crosses LoopThreshold within LoopWindow, then staying quiet about that
// signature for LoopCooldown even if it keeps recurring.
type LoopDetector struct {
	mu          sync.Mutex
	occurrences map[string][]time.Time
	lastFired   map[string]time.Time
}

// NewLoopDetector builds an empty detector.
func NewLoopDetector() *LoopDetector {
	return &LoopDetector{
		occurrences: make(map[string][]time.Time),
		lastFired:   make(map[string]time.Time),
	}
}

// Observe records one occurrence of signature now and reports whether this
// observation should trigger a loop notification.
func (d *LoopDetector) Observe(signature string) bool {
	return d.observeAt(signature, time.Now())
}

func (d *LoopDetector) observeAt(signature string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if last, ok := d.lastFired[signature]; ok && now.Sub(last) < LoopCooldown {
		// Still within cooldown: keep recording for window bookkeeping,
		// but never re-fire until the cooldown elapses.
		d.occurrences[signature] = append(prune(d.occurrences[signature], now), now)
		return false
	}

	times := append(prune(d.occurrences[signature], now), now)
	d.occurrences[signature] = times

	if len(times) >= LoopThreshold {
		d.lastFired[signature] = now
		d.occurrences[signature] = nil
		return true
	}
	return false
}

func prune(times []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-LoopWindow)
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

// Reset clears all tracked state for signature, used once the underlying
// condition is confirmed resolved (e.g. a successful restart following a
// loop notification).
func (d *LoopDetector) Reset(signature string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.occurrences, signature)
	delete(d.lastFired, signature)
}
