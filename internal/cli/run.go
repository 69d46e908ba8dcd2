package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bosun-run/bosun/internal/config"
	"github.com/bosun-run/bosun/pkg/corestate"
	"github.com/bosun-run/bosun/pkg/events"
	"github.com/bosun-run/bosun/pkg/lockfile"
	"github.com/bosun-run/bosun/pkg/restart"
	"github.com/bosun-run/bosun/pkg/supervisor"
	"github.com/bosun-run/bosun/pkg/watcher"
)

// ErrSelfRestart is returned by runDaemon (and surfaces from Execute) when
// the watcher triggered a self-restart. main translates it into exit code
// 75, the contract watcher.SelfRestartExitCode documents.
var ErrSelfRestart = errors.New("cli: self-restart requested")

var (
	scriptPath string
	scriptArgs []string
	noWatch    bool
	noCodex    bool
	logDir     string
)

func init() {
	runCmd.Flags().StringVar(&scriptPath, "script", "", "path to the task-agent script to supervise (required)")
	runCmd.Flags().StringSliceVar(&scriptArgs, "args", nil, "arguments passed to the task-agent script")
	runCmd.Flags().BoolVar(&noWatch, "no-watch", false, "disable the source-change watcher / self-restart path")
	runCmd.Flags().BoolVar(&noCodex, "no-codex", false, "set BOSUN_NO_CODEX=1 in the child's environment, disabling its Codex-backed execution mode")
	runCmd.Flags().StringVar(&logDir, "log-dir", "", "directory for per-attempt child logs (defaults to <repo>/.bosun/logs)")
	_ = runCmd.MarkFlagRequired("script")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Supervise the task-agent script until SIGINT/SIGTERM",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

// runDaemon wires a CoreState and a Supervisor around scriptPath and runs
// until an interrupt, mirroring the teacher's runDaemon (internal/cli,
// pre-transform): build state from flags, install signal handling, block
// on the supervised loop, and translate SIGINT/SIGTERM into a bounded
// graceful shutdown rather than propagating the signal racily.
func runDaemon() error {
	log, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("cli: build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("cli: resolve working directory: %w", err)
	}
	repoDir := findGitRoot(cwd)
	if repoDir == "" {
		return fmt.Errorf("cli: could not find a git repository root above %s", cwd)
	}

	if logDir == "" {
		logDir = repoDir + "/.bosun/logs"
	}

	lockPath := repoDir + "/.bosun/.cache/monitor-lock"
	lock, acquired, err := lockfile.TryAcquire(lockPath)
	if err != nil {
		return fmt.Errorf("cli: acquire instance lock: %w", err)
	}
	if !acquired {
		holder := "another process"
		if pid, ok := lockfile.HolderPID(lockPath); ok {
			holder = fmt.Sprintf("pid %d", pid)
		}
		fmt.Fprintf(os.Stderr, "bosun: already running for this repository (%s held by %s), exiting\n", lockPath, holder)
		return nil
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn("cli: release instance lock failed", zap.Error(err))
		}
	}()

	cfg := config.Load()
	if errs := config.Validate(cfg); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "config error: %s\n", e)
		}
		return fmt.Errorf("%d configuration error(s)", len(errs))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cs, err := corestate.New(ctx, cfg, repoDir, corestate.Dependencies{}, log)
	if err != nil {
		return fmt.Errorf("cli: build core state: %w", err)
	}

	env := os.Environ()
	if noCodex {
		env = append(env, "BOSUN_NO_CODEX=1")
	}

	var running atomic.Bool
	hooks := supervisor.Hooks{
		Preflight: func(ctx context.Context) error {
			running.Store(true)
			return nil
		},
		OnChildExit: func(exitErr error, decision restart.Decision) {
			running.Store(false)
			reason := "clean"
			if exitErr != nil {
				reason = "crash"
			}
			if !decision.Restart {
				reason = "deferred"
			}
			cs.RecordRestart(reason)
		},
		OnChildStart: func() { cs.Metrics.ActiveChildren.Set(1) },
		OnChildStop:  func() { cs.Metrics.ActiveChildren.Set(0) },
		OnPlannerTrigger: func() {
			cs.Events.Dispatch(ctx, events.Event{
				Kind: "planner.trigger", Subject: "backlog",
				Message: "backlog reported empty, triggering planner before next restart",
			})
		},
		OnFreshSessionRetry: func() {
			cs.Events.Dispatch(ctx, events.Event{
				Kind: "session.fresh-retry", Subject: "task-agent",
				Message: "context window exhausted, retrying with a fresh session",
			})
		},
		OnAutofix: func(exitErr error, lastErrorLine string) {
			cs.Events.Dispatch(ctx, events.Event{
				Kind: "autofix.triggered", Subject: "task-agent",
				Message: fmt.Sprintf("abnormal exit (%v), last error line: %s", exitErr, lastErrorLine),
			})
		},
		OnCrashLoopHalt: func(resumeAt time.Time) {
			cs.Events.Dispatch(ctx, events.Event{
				Kind: "crashloop.halt", Subject: "task-agent", Priority: events.Priority1, SkipDedup: true,
				Message: fmt.Sprintf("crash-loop threshold reached, restarts paused until %s", resumeAt.Format(time.RFC3339)),
			})
		},
	}

	sup := supervisor.New(supervisor.Config{
		Command: scriptPath,
		Args:    scriptArgs,
		Dir:     repoDir,
		Env:     env,
	}, cs.Restart, cs.ChildBreaker, logDir, hooks, log)

	var selfRestart atomic.Bool
	if !noWatch {
		w, err := watcher.New(repoDir, running.Load, func(paths []string) {
			log.Info("cli: source change detected, forcing self-restart", zap.Strings("paths", paths))
			selfRestart.Store(true)
			sup.SuppressNextExit(restart.FileChange)
			if err := sup.Stop(ctx); err != nil {
				log.Warn("cli: stop before self-restart failed", zap.Error(err))
			}
			cancel()
		}, log)
		if err != nil {
			return fmt.Errorf("cli: build source-change watcher: %w", err)
		}
		go func() {
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				log.Warn("cli: watcher stopped", zap.Error(err))
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("cli: received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	runErr := sup.Run(ctx)

	stopCtx, stopCancel := context.WithTimeout(context.Background(), supervisor.ShutdownHardCap)
	defer stopCancel()
	if err := sup.Stop(stopCtx); err != nil {
		log.Warn("cli: graceful shutdown did not complete cleanly", zap.Error(err))
	}
	if err := cs.Shutdown(stopCtx); err != nil {
		log.Warn("cli: core state shutdown failed", zap.Error(err))
	}

	if selfRestart.Load() {
		return ErrSelfRestart
	}
	return runErr
}
