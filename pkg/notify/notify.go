// Package notify implements spec's notification router: direct delivery
// for urgent events, a periodic digest for routine ones, and a bounded
// ring buffer of recent notifications for introspection, read through
// Recent.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-run/bosun/pkg/events"
)

// RingSize is how many recent notifications the router keeps in memory
// for introspection, independent of whatever a Transport does with them.
const RingSize = 25

// Notification is one routed message, carrying enough of the originating
// event to render either immediately or inside a digest.
type Notification struct {
	Event  events.Event
	SentAt time.Time
	Direct bool // true if sent immediately rather than queued for digest
}

// Transport delivers a rendered message somewhere (Slack, email, a log
// sink). Send should be fast and non-blocking-ish; the router does not
// retry on a Transport failure, it only logs.
type Transport interface {
	Send(ctx context.Context, n Notification) error
}

// Router subscribes to a Dispatcher and routes Priority1 events directly
// through Transport while batching everything else into a digest flushed
// on DigestInterval.
type Router struct {
	transport      Transport
	digestInterval time.Duration
	log            *zap.Logger

	mu      sync.Mutex
	ring    []Notification
	pending []Notification
}

// New builds a Router. digestInterval of 0 disables digest batching — every
// notification is sent directly, useful for tests and for a
// single-operator deployment that wants everything immediately.
func New(transport Transport, digestInterval time.Duration, log *zap.Logger) *Router {
	return &Router{transport: transport, digestInterval: digestInterval, log: log}
}

// Listener returns an events.Listener the caller registers with a
// Dispatcher to feed this router.
func (r *Router) Listener() events.Listener {
	return events.Listener{
		Name:      "notify-router",
		Verbosity: events.VerbosityDetailed,
		Handle: func(ctx context.Context, e events.Event) error {
			r.route(ctx, e)
			return nil
		},
	}
}

func (r *Router) route(ctx context.Context, e events.Event) {
	n := Notification{Event: e, SentAt: time.Now(), Direct: e.Priority == events.Priority1 || r.digestInterval == 0}

	r.mu.Lock()
	r.ring = append(r.ring, n)
	if len(r.ring) > RingSize {
		r.ring = r.ring[len(r.ring)-RingSize:]
	}
	if !n.Direct {
		r.pending = append(r.pending, n)
	}
	r.mu.Unlock()

	if n.Direct {
		r.send(ctx, n)
	}
}

func (r *Router) send(ctx context.Context, n Notification) {
	if r.transport == nil {
		return
	}
	if err := r.transport.Send(ctx, n); err != nil && r.log != nil {
		r.log.Warn("notify: transport send failed", zap.String("kind", n.Event.Kind), zap.Error(err))
	}
}

// RunDigest flushes pending (non-direct) notifications every
// digestInterval until ctx is cancelled. It is a no-op loop if
// digestInterval is 0.
func (r *Router) RunDigest(ctx context.Context) {
	if r.digestInterval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(r.digestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.flush(ctx)
		}
	}
}

func (r *Router) flush(ctx context.Context) {
	r.mu.Lock()
	batch := r.pending
	r.pending = nil
	r.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	digest := Notification{
		Event: events.Event{
			Kind:      "digest",
			Subject:   fmt.Sprintf("%d events", len(batch)),
			Message:   renderDigest(batch),
			Priority:  events.Priority3,
			SkipDedup: true,
		},
		SentAt: time.Now(),
	}
	r.send(ctx, digest)
}

func renderDigest(batch []Notification) string {
	out := ""
	for _, n := range batch {
		out += fmt.Sprintf("- [%s] %s: %s\n", n.SentAt.Format(time.Kitchen), n.Event.Kind, n.Event.Message)
	}
	return out
}

// Recent returns up to RingSize most recent notifications, oldest first.
func (r *Router) Recent() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Notification, len(r.ring))
	copy(out, r.ring)
	return out
}
