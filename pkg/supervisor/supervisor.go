// Package supervisor implements spec §4.1's process lifecycle manager: it
// spawns the task-agent child, pipes its output through the child I/O
// pipeline, asks the restart controller and circuit breaker what to do
// after every exit, and enforces a bounded graceful shutdown.
//
// Grounded on the teacher's engine.processConcern/invokeAgent
// (internal/engine/engine.go), which spawns an agent binary, tees its
// output, and decides success/failure from its exit code and commit
// state. bosun's child is long-running rather than one-shot, so the
// teacher's single invoke-then-commit step becomes a restart loop around
// the same spawn-and-observe core.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-run/bosun/pkg/breaker"
	"github.com/bosun-run/bosun/pkg/childio"
	"github.com/bosun-run/bosun/pkg/restart"
)

const (
	// ShutdownHardCap is the absolute ceiling on how long graceful
	// shutdown waits for the child to exit on its own before it is
	// force-killed.
	ShutdownHardCap = 5 * time.Minute
	// RestartDelay is the nominal pause before a benign restart
	// (spec's restartDelayMs), subject to the restart controller's
	// own 15s minimum-interval floor.
	RestartDelay = 2 * time.Second
	// PreflightRetryDelay is how long a failed Preflight call waits
	// before the supervisor tries again (spec's preflightRetryMs).
	PreflightRetryDelay = 15 * time.Second
	// PlannerGracePeriod is how long the supervisor waits before
	// restarting after a clean exit whose log reported an empty
	// backlog, giving the planner trigger time to queue new work.
	PlannerGracePeriod = 2 * time.Minute
	// CrashLoopWindow and CrashLoopThreshold define the
	// orchestrator-level crash-loop counter: CrashLoopThreshold
	// abnormal exits inside CrashLoopWindow trips a CrashLoopHalt
	// pause. This is independent of the circuit breaker (pkg/breaker),
	// which trips on any failure regardless of exit shape and pauses
	// for its own, shorter window.
	CrashLoopWindow    = 5 * time.Minute
	CrashLoopThreshold = 8
	// CrashLoopHalt is how long restarts pause once the crash-loop
	// counter trips.
	CrashLoopHalt = 10 * time.Minute
	// MaxRestarts is the lifetime cap on restarts for one Supervisor.
	// It exists as a last-resort backstop behind the crash-loop halt,
	// for the case where an exit pattern never trips CrashLoopWindow
	// (e.g. a scripted exit just under threshold, forever).
	MaxRestarts = 1000
)

// Config describes the child process to supervise.
type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// Hooks are optional callbacks the caller wires to connect the supervisor
// to the rest of bosun (notification router, event dispatcher) without
// this package importing them directly.
type Hooks struct {
	// Preflight runs before every spawn attempt; a non-nil error aborts
	// the attempt and is retried after PreflightRetryDelay.
	Preflight func(ctx context.Context) error
	// OnChildExit is called after every child exit with its error (nil on
	// a clean exit) and the restart decision made in response.
	OnChildExit func(exitErr error, decision restart.Decision)
	// OnLoopDetected is called when the loop detector fires for an error
	// signature, intended to drive the skip-dedup priority-1 notification
	// spec §4.3/§4.5 describe for breaker trips and repeated failures.
	OnLoopDetected func(signature string)
	// OnLogLine is called for every classified line of child output,
	// letting the caller feed events into the dispatcher independent of
	// the supervisor's own restart/loop bookkeeping.
	OnLogLine func(childio.Classified)
	// OnPlannerTrigger fires when a clean exit's log reported an empty
	// backlog, before the PlannerGracePeriod restart wait begins.
	OnPlannerTrigger func()
	// OnFreshSessionRetry fires in the background when an abnormal
	// exit's log shows a context-window-exhaustion pattern.
	OnFreshSessionRetry func()
	// OnAutofix fires in the background on every abnormal exit, carrying
	// the exit error and the last classified error line seen (if any)
	// for autofix/analysis to act on. It never blocks the restart path.
	OnAutofix func(exitErr error, lastErrorLine string)
	// OnCrashLoopHalt fires once when the orchestrator-level crash-loop
	// counter trips, with the time restarts resume.
	OnCrashLoopHalt func(resumeAt time.Time)
	// OnChildStart fires right after the child process starts, letting
	// the caller mark it active for an "is a child currently running"
	// gauge.
	OnChildStart func()
	// OnChildStop fires once the child has exited and been reaped,
	// paired with OnChildStart.
	OnChildStop func()
}

// Supervisor owns one child process's full lifecycle.
type Supervisor struct {
	cfg        Config
	hooks      Hooks
	log        *zap.Logger
	restart    *restart.Controller
	breaker    *breaker.Breaker
	classifier childio.Classifier
	loops      *childio.LoopDetector
	crashLoop  *crashLoopTracker
	logDir     string

	mu           sync.Mutex
	cmd          *exec.Cmd
	running      bool
	restartCount int
}

// New builds a Supervisor. logDir, if non-empty, is passed to
// childio.OpenAttemptLog for each spawn, keyed by the spawn's start time.
func New(cfg Config, rc *restart.Controller, cb *breaker.Breaker, logDir string, hooks Hooks, log *zap.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		hooks:      hooks,
		log:        log,
		restart:    rc,
		breaker:    cb,
		classifier: childio.DefaultClassifier(),
		loops:      childio.NewLoopDetector(),
		crashLoop:  newCrashLoopTracker(),
		logDir:     logDir,
	}
}

// Run spawns and re-spawns the child until ctx is cancelled, honoring
// restart-controller backoff and circuit-breaker pauses between attempts.
// It returns nil on a clean shutdown via ctx cancellation, or an error if
// the maximum-restart cap is exceeded.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if s.breaker.IsOpen() {
			if err := s.sleep(ctx, time.Until(s.breaker.PausedUntil())); err != nil {
				return nil
			}
			continue
		}

		if s.hooks.Preflight != nil {
			if err := s.hooks.Preflight(ctx); err != nil {
				if s.log != nil {
					s.log.Warn("supervisor: preflight failed, retrying", zap.Error(err))
				}
				if err := s.sleep(ctx, PreflightRetryDelay); err != nil {
					return nil
				}
				continue
			}
		}

		res := s.spawnAndWait(ctx)
		if ctx.Err() != nil {
			return nil
		}

		// The breaker's own state transition (and OnTrip callback) is what
		// matters here; its returned error mirrors res.err and is discarded.
		_ = s.breaker.Call(ctx, func(ctx context.Context) error { return res.err })

		decision := s.decide(res)

		s.mu.Lock()
		s.restartCount++
		exceeded := s.restartCount > MaxRestarts
		s.mu.Unlock()
		if exceeded {
			decision = restart.Decision{Restart: false}
		}

		if s.hooks.OnChildExit != nil {
			s.hooks.OnChildExit(res.err, decision)
		}

		if !decision.Restart {
			return fmt.Errorf("supervisor: maximum restart cap (%d) exceeded", MaxRestarts)
		}

		if err := s.sleep(ctx, decision.Wait); err != nil {
			return nil
		}
	}
}

// decide implements spec §4.1's restart decision tree, steps 2 through 8
// (step 1, shutdown-in-progress, is handled by Run's ctx.Err() checks;
// step 9, the max-restart cap, is applied by Run once decide returns).
func (s *Supervisor) decide(res *runResult) restart.Decision {
	// Step 2: a restart this supervisor itself requested (e.g. the
	// source-change watcher) always wins, skipping autofix and exit
	// analysis entirely.
	if reason, ok := s.restart.ConsumeSuppressedReason(); ok {
		if s.log != nil {
			s.log.Info("supervisor: restarting for a requested restart", zap.String("reason", string(reason)))
		}
		return restart.Decision{Restart: true, Wait: s.floor(RestartDelay)}
	}

	// Step 3: always record the exit with the restart controller. A
	// mutex-held exit short-circuits here with its own backoff and never
	// reaches the crash-loop counter below.
	mutexDecision := s.restart.Decide(res.mutexHeld)
	if res.mutexHeld {
		return mutexDecision
	}

	// Step 4: SIGKILL restarts unconditionally, no analysis.
	if res.signaled && res.signal == syscall.SIGKILL {
		return restart.Decision{Restart: true, Wait: s.floor(RestartDelay)}
	}

	// Step 5: code 1 with no error markers and a normal completion
	// marker present is a benign lifecycle exit.
	if !res.signaled && res.code == 1 && !res.sawError && res.markers[childio.MarkerAllTasksComplete] {
		return restart.Decision{Restart: true, Wait: s.floor(RestartDelay)}
	}

	// Step 6: clean exit.
	if !res.signaled && res.code == 0 {
		if res.markers[childio.MarkerBacklogEmpty] {
			if s.hooks.OnPlannerTrigger != nil {
				s.hooks.OnPlannerTrigger()
			}
			return restart.Decision{Restart: true, Wait: s.floor(PlannerGracePeriod)}
		}
		return restart.Decision{Restart: true, Wait: s.floor(RestartDelay)}
	}

	// Step 7: abnormal exit. Autofix/analysis and the fresh-session
	// retry signal run in the background and never gate the restart.
	if s.hooks.OnAutofix != nil {
		go s.hooks.OnAutofix(res.err, res.lastErrorLine)
	}
	if res.markers[childio.MarkerContextWindow] && s.hooks.OnFreshSessionRetry != nil {
		go s.hooks.OnFreshSessionRetry()
	}

	// Step 8: orchestrator-level crash-loop counter, distinct from the
	// circuit breaker.
	if haltUntil, justTripped := s.crashLoop.observe(time.Now()); !haltUntil.IsZero() {
		if justTripped && s.hooks.OnCrashLoopHalt != nil {
			s.hooks.OnCrashLoopHalt(haltUntil)
		}
		return restart.Decision{Restart: true, Wait: s.floor(time.Until(haltUntil))}
	}

	return restart.Decision{Restart: true, Wait: s.floor(RestartDelay)}
}

// floor raises d to the restart controller's minimum-spawn-interval floor
// when that floor hasn't yet elapsed, so every decision branch above
// honors the "never spawn within 15s of the previous spawn" rule without
// repeating it.
func (s *Supervisor) floor(d time.Duration) time.Duration {
	if min := s.restart.MinWait(); min > d {
		return min
	}
	return d
}

// SuppressNextExit forwards to the restart controller, used by the
// source-change watcher to mark a self-restart as deliberate before
// killing the child.
func (s *Supervisor) SuppressNextExit(reason restart.SuppressReason) {
	s.restart.SuppressNextExit(reason)
}

// Stop sends the child SIGTERM (if running) and waits up to
// ShutdownHardCap for it to exit, escalating to SIGKILL if it doesn't
// (spec §4.1's graceful-shutdown hard cap).
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}

	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && s.log != nil {
		s.log.Warn("supervisor: SIGTERM failed", zap.Error(err))
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(ShutdownHardCap):
		if s.log != nil {
			s.log.Warn("supervisor: graceful shutdown exceeded hard cap, killing", zap.Duration("cap", ShutdownHardCap))
		}
		_ = cmd.Process.Kill()
		<-done
		return fmt.Errorf("supervisor: child killed after %s graceful shutdown timeout", ShutdownHardCap)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	}
}

// runResult captures everything the restart decision tree needs to know
// about one child run: how it ended and what its log showed.
type runResult struct {
	err           error
	code          int
	signaled      bool
	signal        syscall.Signal
	duration      time.Duration
	mutexHeld     bool
	sawError      bool
	lastErrorLine string
	markers       map[string]bool
}

func (s *Supervisor) spawnAndWait(ctx context.Context) *runResult {
	start := time.Now()
	res := &runResult{}

	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = s.cfg.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		res.err = fmt.Errorf("supervisor: stdout pipe: %w", err)
		res.code = -1
		return res
	}
	cmd.Stderr = cmd.Stdout // merge stderr into the same pipe the pipeline reads

	var tee io.WriteCloser
	if s.logDir != "" {
		f, err := childio.OpenAttemptLog(s.logDir, time.Now().UTC().Format("20060102T150405"))
		if err == nil {
			tee = f
		} else if s.log != nil {
			s.log.Warn("supervisor: could not open attempt log", zap.Error(err))
		}
	}

	pipeline := childio.New(s.classifier, tee, func(c childio.Classified) { s.handleLine(res, c) }, s.log)

	if err := cmd.Start(); err != nil {
		if tee != nil {
			_ = tee.Close()
		}
		res.err = fmt.Errorf("supervisor: start: %w", err)
		res.code = -1
		res.duration = time.Since(start)
		return res
	}

	s.mu.Lock()
	s.cmd = cmd
	s.running = true
	s.mu.Unlock()
	s.restart.NoteStart()
	if s.hooks.OnChildStart != nil {
		s.hooks.OnChildStart()
	}

	pipelineErr := pipeline.Run(ctx, stdout)
	waitErr := cmd.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	if s.hooks.OnChildStop != nil {
		s.hooks.OnChildStop()
	}

	if tee != nil {
		_ = tee.Close()
	}
	if pipelineErr != nil && s.log != nil {
		s.log.Warn("supervisor: output pipeline ended with error", zap.Error(pipelineErr))
	}

	res.err = waitErr
	res.duration = time.Since(start)
	res.code, res.signaled, res.signal = exitInfo(waitErr)
	return res
}

// exitInfo decodes a *exec.Cmd.Wait error into an exit code and, if the
// child died by signal, which one.
func exitInfo(waitErr error) (code int, signaled bool, sig syscall.Signal) {
	if waitErr == nil {
		return 0, false, 0
	}
	var ee *exec.ExitError
	if errors.As(waitErr, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -1, true, ws.Signal()
			}
			return ws.ExitStatus(), false, 0
		}
		return ee.ExitCode(), false, 0
	}
	// The process never started or couldn't be waited on; treat as an
	// abnormal, unsignaled exit so the decision tree still runs.
	return -1, false, 0
}

func (s *Supervisor) handleLine(res *runResult, c childio.Classified) {
	switch c.Kind {
	case childio.KindMarker:
		if res.markers == nil {
			res.markers = make(map[string]bool)
		}
		res.markers[c.MarkerName] = true
		if c.MarkerName == childio.MarkerMutexHeld {
			res.mutexHeld = true
		}
	case childio.KindError:
		res.sawError = true
		res.lastErrorLine = c.Raw
		if s.loops.Observe(c.Raw) && s.hooks.OnLoopDetected != nil {
			s.hooks.OnLoopDetected(c.Raw)
		}
	}
	if s.hooks.OnLogLine != nil {
		s.hooks.OnLogLine(c)
	}
}

func (s *Supervisor) sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// crashLoopTracker implements the orchestrator-level crash-loop counter
// of spec §4.1 step 8: a rolling window of abnormal exits that, once it
// reaches CrashLoopThreshold, halts restarts for CrashLoopHalt before
// resuming and counting fresh. Styled after pkg/breaker's rolling-window
// approach but kept as a separate mechanism per spec §4.1/§4.3, since the
// circuit breaker trips on any failure shape while this counts only
// exits that reach the decision tree's abnormal-exit branch.
type crashLoopTracker struct {
	mu        sync.Mutex
	exits     []time.Time
	haltUntil time.Time
}

func newCrashLoopTracker() *crashLoopTracker {
	return &crashLoopTracker{}
}

// observe records an abnormal exit at now and reports the halt deadline
// if the tracker is (or just became) halted. justTripped is true only on
// the call that crosses the threshold, so the caller fires its
// notification hook exactly once per halt.
func (t *crashLoopTracker) observe(now time.Time) (haltUntil time.Time, justTripped bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.haltUntil.IsZero() {
		if now.Before(t.haltUntil) {
			return t.haltUntil, false
		}
		t.haltUntil = time.Time{}
		t.exits = nil
	}

	cutoff := now.Add(-CrashLoopWindow)
	kept := t.exits[:0]
	for _, ts := range t.exits {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	t.exits = append(kept, now)

	if len(t.exits) >= CrashLoopThreshold {
		t.haltUntil = now.Add(CrashLoopHalt)
		t.exits = nil
		return t.haltUntil, true
	}
	return time.Time{}, false
}
