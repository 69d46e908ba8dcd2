// Package sdkslot implements spec §4.9's SDK slot rotation: the Secondary
// Supervisor Loop talks to an ordered list of LLM backends — a primary and
// configured backups — and rotates away from one that's failing instead of
// stalling the self-heal cycle on a single provider outage.
package sdkslot

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-run/bosun/internal/apperror"
)

// Slot is one callable LLM backend.
type Slot interface {
	Name() string
	Call(ctx context.Context, prompt string) (string, error)
}

const (
	shortExclusionThreshold = 5
	shortExclusion          = 15 * time.Minute
	longExclusionThreshold  = 10
	longExclusion           = 60 * time.Minute
)

type slotState struct {
	failures      int
	excludedUntil time.Time
}

// Rotator calls slots in order, skipping ones currently excluded for
// accumulated failures, and forces the primary (slots[0]) back in if every
// slot is excluded at once — a stalled self-heal cycle is worse than a
// primary that's still struggling.
type Rotator struct {
	log *zap.Logger

	mu     sync.Mutex
	slots  []Slot
	state  map[string]*slotState
	active string // name of the slot that answered the last successful call

	onCall      func(slot string, ok bool)
	onExclusion func(slot string)
}

// New builds a Rotator over slots in priority order; slots[0] is the
// primary.
func New(slots []Slot, log *zap.Logger) *Rotator {
	state := make(map[string]*slotState, len(slots))
	for _, s := range slots {
		state[s.Name()] = &slotState{}
	}
	return &Rotator{log: log, slots: slots, state: state}
}

// SetMetricsHooks wires callbacks for every slot call attempt and every
// exclusion, so a caller (corestate) can feed a metrics registry without
// this package importing prometheus itself. Either hook may be nil.
func (r *Rotator) SetMetricsHooks(onCall func(slot string, ok bool), onExclusion func(slot string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCall = onCall
	r.onExclusion = onExclusion
}

// Call tries slots in rotation order, retrying once more on a different
// slot if the first attempt fails with a rotatable error (spec §4.9:
// "rotates to the next SDK and retries once per cycle" — at most two
// attempts total).
func (r *Rotator) Call(ctx context.Context, prompt string) (response, usedSlot string, err error) {
	order := r.candidateOrder()
	if len(order) == 0 {
		return "", "", errors.New("sdkslot: no slots configured")
	}

	var lastErr error
	attempts := 0
	for _, idx := range order {
		if attempts >= 2 {
			break
		}
		attempts++
		slot := r.slots[idx]
		resp, callErr := slot.Call(ctx, prompt)
		if callErr == nil {
			r.recordSuccess(slot.Name())
			r.noteCall(slot.Name(), true)
			return resp, slot.Name(), nil
		}
		lastErr = callErr
		r.noteCall(slot.Name(), false)
		r.recordFailure(idx)
		if r.log != nil {
			r.log.Warn("sdkslot: slot call failed", zap.String("slot", slot.Name()), zap.Error(callErr))
		}
		if !isRotatable(callErr) {
			break
		}
	}
	return "", "", lastErr
}

// candidateOrder returns slot indices to try, in the configured priority
// order, skipping ones currently excluded. If every slot is excluded, the
// primary is force-included as the sole candidate.
func (r *Rotator) candidateOrder() []int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var order []int
	for idx, s := range r.slots {
		st := r.state[s.Name()]
		if st == nil || now.After(st.excludedUntil) {
			order = append(order, idx)
		}
	}
	if len(order) == 0 && len(r.slots) > 0 {
		if r.log != nil {
			r.log.Warn("sdkslot: every slot excluded, forcing primary back in")
		}
		return []int{0}
	}
	return order
}

func (r *Rotator) recordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = name
}

func (r *Rotator) recordFailure(idx int) {
	r.mu.Lock()
	name := r.slots[idx].Name()
	st := r.state[name]
	if st == nil {
		st = &slotState{}
		r.state[name] = st
	}
	st.failures++
	excluded := false
	switch {
	case st.failures >= longExclusionThreshold:
		st.excludedUntil = time.Now().Add(longExclusion)
		excluded = true
	case st.failures >= shortExclusionThreshold:
		st.excludedUntil = time.Now().Add(shortExclusion)
		excluded = true
	}
	onExclusion := r.onExclusion
	r.mu.Unlock()
	if excluded && onExclusion != nil {
		onExclusion(name)
	}
}

func (r *Rotator) noteCall(slot string, ok bool) {
	r.mu.Lock()
	onCall := r.onCall
	r.mu.Unlock()
	if onCall != nil {
		onCall(slot, ok)
	}
}

// Active returns the name of the slot that served the last successful
// call, or "" if none has succeeded yet.
func (r *Rotator) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// isRotatable reports whether a slot failure should trigger a rotation to
// the next slot rather than being treated as fatal for this cycle: rate
// limits, timeouts, 5xx, and context-length overruns (spec §4.9).
func isRotatable(err error) bool {
	if err == nil {
		return false
	}
	if apperror.IsRetryable(err) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range []string{
		"rate limit", "429", "too many requests",
		"context length", "context_length_exceeded", "maximum context",
		"overloaded", "503", "502", "500", "timeout",
	} {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}
