// Package events implements spec §4.5's event dispatcher: fingerprint-based
// deduplication with volatile-segment normalization, text-pattern priority
// classification, verbosity filtering, and ordered fan-out to registered
// listeners with per-listener failure isolation (one listener's panic or
// error never blocks the others).
package events

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Priority orders events for notification routing; lower values are more
// urgent, matching the scale an operator already reads log levels in.
// Zero is not a valid priority: it marks an Event whose Priority field was
// left unset, so Dispatch classifies one from Message instead of treating
// it as maximally urgent by accident.
type Priority int

const (
	// Priority1 is critical/fatal: a breaker trip, a loop detection, a
	// crash-loop halt.
	Priority1 Priority = 1
	// Priority2 is an error/failure: a failed attempt, a merge conflict.
	Priority2 Priority = 2
	// Priority3 is a warning or routine but noteworthy transition: a PR
	// opened, a downstream rebase queued.
	Priority3 Priority = 3
	// Priority4 is informational: most lifecycle chatter lands here.
	Priority4 Priority = 4
	// Priority5 is trace/debug detail, shown only at full verbosity.
	Priority5 Priority = 5
)

var (
	criticalPattern = regexp.MustCompile(`(?i)\b(critical|fatal)\b`)
	errorPattern    = regexp.MustCompile(`(?i)\b(error|errored|failed|failure)\b`)
	warningPattern  = regexp.MustCompile(`(?i)\b(warn|warning)\b`)
	tracePattern    = regexp.MustCompile(`(?i)\b(trace|debug)\b`)
	// positivePattern suppresses the critical/error classification when a
	// message pairs a negative-sounding token with an outcome token, e.g.
	// "previously failed attempt completed" should read as routine, not
	// as a fresh error.
	positivePattern = regexp.MustCompile(`(?i)\b(completed|merged|succeeded|success|done)\b`)
)

// classifyPriority derives a Priority from message text per spec §4.5:
// critical/fatal language is most urgent, then error/failed language,
// then warnings, with trace/debug language least urgent and everything
// else defaulting to informational. A positive-outcome token anywhere in
// the message suppresses the critical/error branches.
func classifyPriority(message string) Priority {
	positive := positivePattern.MatchString(message)
	switch {
	case !positive && criticalPattern.MatchString(message):
		return Priority1
	case !positive && errorPattern.MatchString(message):
		return Priority2
	case warningPattern.MatchString(message):
		return Priority3
	case tracePattern.MatchString(message):
		return Priority5
	default:
		return Priority4
	}
}

// Verbosity is how much of the priority range a listener wants delivered.
type Verbosity int

const (
	// VerbosityMinimal delivers only Priority1 and Priority2.
	VerbosityMinimal Verbosity = iota
	// VerbositySummary delivers Priority1 through Priority4, excluding
	// trace-level detail.
	VerbositySummary
	// VerbosityDetailed delivers every priority.
	VerbosityDetailed
)

func (v Verbosity) allows(p Priority) bool {
	switch v {
	case VerbosityMinimal:
		return p >= Priority1 && p <= Priority2
	case VerbositySummary:
		return p >= Priority1 && p <= Priority4
	default:
		return true
	}
}

// Event is one dispatched occurrence. Fingerprint, if empty, is derived
// automatically from Kind+Subject by Dispatcher.Dispatch. Priority, if
// left zero, is classified from Message by Dispatch rather than assumed.
type Event struct {
	Kind        string
	Subject     string
	Message     string
	Priority    Priority
	Fingerprint string
	// ExactDedupKey skips volatile-segment normalization on Fingerprint,
	// for a caller that has already computed a stable dedup key and needs
	// it compared byte-for-byte rather than fuzzily.
	ExactDedupKey bool
	SkipDedup     bool
	OccurredAt    time.Time
	Fields        map[string]string
}

// volatileDigits matches any run of digits: numeric ids, epoch or
// date-shaped timestamps, and the numeric tail of a generated path
// component all take this shape, so stripping digit runs collapses all
// three into the same normalized key.
var volatileDigits = regexp.MustCompile(`\d+`)

// normalizeDedupKey strips the volatile substrings spec §4.5 calls out
// (numeric ids, timestamps, numeric path tails) from a dedup key so two
// events that differ only in an embedded id or timestamp fingerprint
// identically. "err-abc123-42" and "err-abc456-42" both normalize to
// "err-abc-".
func normalizeDedupKey(key string) string {
	stripped := volatileDigits.ReplaceAllString(key, "")
	return strings.ToLower(strings.TrimSpace(stripped))
}

func fingerprintKey(material string, exact bool) string {
	if !exact {
		material = normalizeDedupKey(material)
	}
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:8])
}

func fingerprint(e Event) string {
	material := e.Fingerprint
	if material == "" {
		material = e.Kind + "\x00" + NormalizeSubject(e.Subject)
	}
	return fingerprintKey(material, e.ExactDedupKey)
}

// Listener receives dispatched events. Name is used in logs to attribute
// a failing listener.
type Listener struct {
	Name      string
	Verbosity Verbosity
	Handle    func(ctx context.Context, e Event) error
}

// DedupWindow is how long an identical fingerprint is suppressed after
// its first dispatch, unless the event opts out via SkipDedup (spec
// §4.3's breaker-trip notification and the crash-loop halt notification
// both set SkipDedup so they're never accidentally swallowed).
const DedupWindow = 5 * time.Minute

// Dispatcher fans a stream of events out to registered listeners in
// registration order, deduping by fingerprint and filtering by each
// listener's configured verbosity.
type Dispatcher struct {
	log *zap.Logger

	mu        sync.Mutex
	listeners []Listener
	seen      map[string]time.Time

	onDispatched func(e Event)
	onDeduped    func(e Event)
}

// New builds an empty Dispatcher.
func New(log *zap.Logger) *Dispatcher {
	return &Dispatcher{log: log, seen: make(map[string]time.Time)}
}

// Register adds l to the fan-out list. Listeners are invoked in the order
// they were registered.
func (d *Dispatcher) Register(l Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
}

// SetMetricsHooks wires callbacks for every accepted dispatch and every
// dedup-suppressed one, so a caller (corestate) can feed a metrics
// registry without this package importing prometheus itself. Either hook
// may be nil.
func (d *Dispatcher) SetMetricsHooks(onDispatched, onDeduped func(e Event)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onDispatched = onDispatched
	d.onDeduped = onDeduped
}

// Dispatch normalizes e's fingerprint, classifies its priority if unset,
// checks dedup, and — if not suppressed — invokes every listener whose
// verbosity allows e's priority. A panic or error from one listener is
// logged and does not prevent the remaining listeners from running.
func (d *Dispatcher) Dispatch(ctx context.Context, e Event) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	if e.Priority == 0 {
		e.Priority = classifyPriority(e.Message)
	}
	fp := fingerprint(e)
	e.Fingerprint = fp

	d.mu.Lock()
	if !e.SkipDedup {
		if last, ok := d.seen[fp]; ok && time.Since(last) < DedupWindow {
			onDeduped := d.onDeduped
			d.mu.Unlock()
			if onDeduped != nil {
				onDeduped(e)
			}
			return
		}
	}
	d.seen[fp] = e.OccurredAt
	listeners := make([]Listener, len(d.listeners))
	copy(listeners, d.listeners)
	onDispatched := d.onDispatched
	d.mu.Unlock()

	if onDispatched != nil {
		onDispatched(e)
	}

	for _, l := range listeners {
		if !l.Verbosity.allows(e.Priority) {
			continue
		}
		d.invoke(ctx, l, e)
	}
}

// IsDedupedSoon reports whether a dispatch built from the same raw key
// material Dispatch would fingerprint is currently inside its dedup
// window, without recording a new "seen" entry itself. Useful for a
// caller that wants to check before doing expensive work to build an
// event it may end up discarding anyway.
func (d *Dispatcher) IsDedupedSoon(key string, window time.Duration) bool {
	fp := fingerprintKey(key, false)
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.seen[fp]
	if !ok {
		return false
	}
	return time.Since(last) < window
}

func (d *Dispatcher) invoke(ctx context.Context, l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			if d.log != nil {
				d.log.Error("events: listener panicked", zap.String("listener", l.Name), zap.Any("panic", r))
			}
		}
	}()
	if err := l.Handle(ctx, e); err != nil && d.log != nil {
		d.log.Warn("events: listener failed", zap.String("listener", l.Name), zap.Error(fmt.Errorf("%s: %w", l.Name, err)))
	}
}

// Sweep drops dedup entries older than DedupWindow, bounding memory growth
// across a long-running process.
func (d *Dispatcher) Sweep() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	cutoff := time.Now().Add(-DedupWindow)
	removed := 0
	for fp, at := range d.seen {
		if at.Before(cutoff) {
			delete(d.seen, fp)
			removed++
		}
	}
	return removed
}

// NormalizeSubject collapses whitespace and lowercases subject, so two
// events referring to the same underlying thing with cosmetic formatting
// differences (e.g. a branch name with trailing whitespace from a flaky
// API) fingerprint identically. Listeners that build Subject should run
// it through this before constructing an Event.
func NormalizeSubject(subject string) string {
	fields := strings.Fields(subject)
	sort.Strings(fields) // order-insensitive: "a b" and "b a" normalize the same
	return strings.ToLower(strings.Join(fields, " "))
}
