// Package breaker wraps sony/gobreaker with the specific trip/reset
// semantics spec §4.3 requires: a 60-second rolling failure window, a trip
// at 5 consecutive failures, and exactly one notification per trip rather
// than one per subsequent failed call while already open.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Config controls trip sensitivity and the child-facing pause duration.
type Config struct {
	// FailureThreshold is the number of consecutive failures inside Window
	// that trips the breaker. Spec default: 5.
	FailureThreshold uint32
	// Window is the rolling interval gobreaker resets its failure counts
	// on while closed. Spec default: 60s.
	Window time.Duration
	// PauseDuration is how long the breaker stays open (and, at this
	// layer, how long the supervisor should treat the child as globally
	// paused) once tripped. Spec default: 5 minutes.
	PauseDuration time.Duration
}

// DefaultConfig returns spec §4.3's defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
		PauseDuration:    5 * time.Minute,
	}
}

// Breaker wraps gobreaker with bosun's trip/reset hooks. OnTrip fires
// exactly once per open transition — not once per rejected call while
// already open — so the SIGTERM-child-and-notify side effect never
// double-fires. OnReset fires once when the breaker returns to closed.
type Breaker struct {
	name     string
	settings gobreaker.Settings
	cfg      Config
	log      *zap.Logger

	cbMu sync.RWMutex
	cb   *gobreaker.CircuitBreaker

	mu         sync.Mutex
	onTrip     func()
	onReset    func()
	pausedAt   time.Time
	hasTripped bool
}

// New builds a Breaker named name (used in logs and in gobreaker's own
// OnStateChange callback).
func New(name string, cfg Config, log *zap.Logger) *Breaker {
	b := &Breaker{name: name, cfg: cfg, log: log}

	b.settings = gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // one probe request allowed in half-open
		Interval:    cfg.Window,
		Timeout:     cfg.PauseDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.handleStateChange(from, to)
		},
	}
	b.cb = gobreaker.NewCircuitBreaker(b.settings)
	return b
}

// OnTrip registers the callback invoked when the breaker opens. Typically
// wired to send the child SIGTERM and fire the single skip-dedup,
// priority-1 notification spec §4.3 requires.
func (b *Breaker) OnTrip(fn func()) {
	b.mu.Lock()
	b.onTrip = fn
	b.mu.Unlock()
}

// OnReset registers the callback invoked when the breaker closes again,
// either via the half-open probe succeeding or an explicit Reset call.
func (b *Breaker) OnReset(fn func()) {
	b.mu.Lock()
	b.onReset = fn
	b.mu.Unlock()
}

func (b *Breaker) handleStateChange(from, to gobreaker.State) {
	b.mu.Lock()
	switch to {
	case gobreaker.StateOpen:
		tripped := !b.hasTripped
		b.hasTripped = true
		b.pausedAt = time.Now()
		cb := b.onTrip
		b.mu.Unlock()
		if b.log != nil {
			b.log.Warn("breaker tripped", zap.String("breaker", b.name), zap.String("from", from.String()))
		}
		if tripped && cb != nil {
			cb()
		}
		return
	case gobreaker.StateClosed:
		wasTripped := b.hasTripped
		b.hasTripped = false
		cb := b.onReset
		b.mu.Unlock()
		if b.log != nil {
			b.log.Info("breaker reset to closed", zap.String("breaker", b.name))
		}
		if wasTripped && cb != nil {
			cb()
		}
		return
	default:
		b.mu.Unlock()
	}
}

// Call executes fn through the breaker. When the breaker is open, it
// returns gobreaker's own ErrOpenState without invoking fn at all — the
// caller (restart controller) treats that identically to any other
// failure for its own purposes, but should not count it again toward
// ReadyToTrip (gobreaker already excludes rejected calls from counts).
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	b.cbMu.RLock()
	cb := b.cb
	b.cbMu.RUnlock()

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		return fmt.Errorf("breaker %s: %w", b.name, err)
	}
	return nil
}

// State reports the current breaker state as a string ("closed",
// "half-open", "open").
func (b *Breaker) State() string {
	b.cbMu.RLock()
	defer b.cbMu.RUnlock()
	return b.cb.State().String()
}

// IsOpen reports whether calls are currently being rejected outright.
func (b *Breaker) IsOpen() bool {
	b.cbMu.RLock()
	defer b.cbMu.RUnlock()
	return b.cb.State() == gobreaker.StateOpen
}

// PausedUntil returns the time the most recent open period ends (last trip
// plus PauseDuration), or the zero time if the breaker has not tripped
// since it last closed. It stays non-zero while the breaker is half-open.
func (b *Breaker) PausedUntil() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.hasTripped {
		return time.Time{}
	}
	return b.pausedAt.Add(b.cfg.PauseDuration)
}

// Reset forces the breaker back to closed immediately, bypassing the
// normal half-open probe. gobreaker exposes no direct "force closed" call,
// so this replaces the underlying breaker with a fresh one built from the
// same settings — equivalent to closed with zeroed counts. Used when an
// operator manually clears a trip.
func (b *Breaker) Reset() {
	b.cbMu.Lock()
	b.cb = gobreaker.NewCircuitBreaker(b.settings)
	b.cbMu.Unlock()

	b.mu.Lock()
	wasTripped := b.hasTripped
	b.hasTripped = false
	cb := b.onReset
	b.mu.Unlock()

	if wasTripped && cb != nil {
		cb()
	}
}
