// Package workgroup is bosun's answer to spec §9's "async chains for
// fire-and-forget background work": rather than an uncaught-promise-style
// global, every piece of background work is spawned onto a work group with
// contextual cancellation, and a panic or error is routed to a structured
// logger under a caller-supplied label — never to an uncaught-exception
// global, never crashing the supervisor (spec §7 discipline 1).
package workgroup

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Group runs labeled background tasks, recovering panics and logging
// failures rather than propagating them. It never errors itself; Wait only
// blocks until in-flight work drains.
type Group struct {
	log *zap.Logger
	eg  *errgroup.Group
	ctx context.Context
}

// New creates a Group bound to ctx. When ctx is cancelled, Detached
// callbacks already running are not interrupted (they own their own
// cancellation); only new work declines to start.
func New(ctx context.Context, log *zap.Logger) *Group {
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{log: log, eg: eg, ctx: ctx}
}

// Detached spawns fn in the background under label. A panic in fn is
// recovered and logged with the label and a stack-free message; an error
// return is logged the same way. Detached never blocks the caller and
// never causes Wait to return an error.
func (g *Group) Detached(label string, fn func(ctx context.Context) error) {
	if g.ctx.Err() != nil {
		g.log.Warn("detached task not started, group context cancelled", zap.String("label", label))
		return
	}
	g.eg.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				g.log.Error("panic in detached task",
					zap.String("label", label),
					zap.Any("panic", r),
				)
			}
		}()
		if err := fn(g.ctx); err != nil {
			g.log.Warn("detached task failed",
				zap.String("label", label),
				zap.Error(err),
			)
		}
		return nil
	})
}

// Wait blocks until every spawned task has returned. Since Detached never
// propagates an error, Wait's return is always nil; it exists for shutdown
// sequencing (spec §4.1 graceful shutdown waits for active task-agents).
func (g *Group) Wait() error {
	return g.eg.Wait()
}

// Detached is a package-level convenience for call sites that don't hold a
// Group (e.g. a one-off background call from an event listener). It uses
// context.Background and logs through the supplied logger directly.
func Detached(log *zap.Logger, label string, fn func(ctx context.Context) error) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic in detached task", zap.String("label", label), zap.Any("panic", r))
			}
		}()
		if err := fn(context.Background()); err != nil {
			log.Warn("detached task failed", zap.String("label", label), zap.Error(fmt.Errorf("%s: %w", label, err)))
		}
	}()
}
