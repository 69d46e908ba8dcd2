// Package watcher implements spec §4.7's source-change watcher: it watches
// bosun's own source/config tree for edits, waits out a quiet period to
// coalesce a burst of saves into one event, then either defers to active
// work or forces a self-restart.
//
// Grounded on the teacher's ignore-file handling in
// internal/engine/ignore_test.go (an "outside node_modules" filter on
// watched paths) generalized to a full .bosunignore file via
// sabhiram/go-gitignore, and on engine's trigger-file convention
// (internal/engine/runner.go's WriteTrigger/ReadTrigger) for how bosun
// signals itself across a restart.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	ignore "github.com/sabhiram/go-gitignore"
	"go.uber.org/zap"
)

// QuietPeriod is how long the watcher waits after the last observed
// filesystem event before acting, coalescing editor save bursts and git
// checkouts into a single restart decision.
const QuietPeriod = 2 * time.Second

// RestartMarkerFile is written immediately before a forced self-restart so
// the next process lifetime can tell it was an intentional source-change
// restart rather than a crash.
const RestartMarkerFile = ".bosun-restart-marker"

// SelfRestartExitCode is the process exit code bosun uses to signal "I am
// restarting myself on purpose," distinguishing it from a crash for
// whatever process manager or shell wraps bosun.
const SelfRestartExitCode = 75

// ActiveWorkChecker reports whether any task-agent currently has
// in-progress work, so the watcher can defer a restart rather than
// interrupting it (spec §9 Open Question decision: re-checked immediately
// before acting, not only when the quiet period first elapses).
type ActiveWorkChecker func() bool

// Watcher watches root for changes to files not excluded by .bosunignore,
// debounces them, and invokes onTrigger once the quiet period elapses with
// no active work outstanding.
type Watcher struct {
	root        string
	ignore      *ignore.GitIgnore
	activeWork  ActiveWorkChecker
	onTrigger   func(paths []string)
	log         *zap.Logger
	quietPeriod time.Duration
}

// New builds a Watcher rooted at root. It reads root/.bosunignore if
// present; its absence is not an error, and a built-in default list
// (node_modules, .git, .bosun, vendor) is ignored instead.
func New(root string, activeWork ActiveWorkChecker, onTrigger func(paths []string), log *zap.Logger) (*Watcher, error) {
	ignorePath := filepath.Join(root, ".bosunignore")
	var gi *ignore.GitIgnore
	if _, err := os.Stat(ignorePath); err == nil {
		gi, err = ignore.CompileIgnoreFile(ignorePath)
		if err != nil {
			return nil, fmt.Errorf("watcher: parse .bosunignore: %w", err)
		}
	} else {
		gi = ignore.CompileIgnoreLines("node_modules", ".git", ".bosun", "vendor")
	}

	return &Watcher{
		root:        root,
		ignore:      gi,
		activeWork:  activeWork,
		onTrigger:   onTrigger,
		log:         log,
		quietPeriod: QuietPeriod,
	}, nil
}

func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	if strings.HasPrefix(rel, "..") {
		return true
	}
	return w.ignore.MatchesPath(rel)
}

// Run watches until ctx is cancelled. Each non-ignored filesystem event
// (re)arms a quiet-period timer; when the timer fires, Run re-checks
// ActiveWorkChecker and either invokes onTrigger with the accumulated
// changed paths or defers until the next settle with no event in between.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher: create fsnotify watcher: %w", err)
	}
	defer fw.Close()

	if err := filepath.WalkDir(w.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && !w.ignored(path) {
			return fw.Add(path)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("watcher: walk %s: %w", w.root, err)
	}

	var timer *time.Timer
	var timerC <-chan time.Time
	pending := make(map[string]struct{})

	armTimer := func() {
		if timer == nil {
			timer = time.NewTimer(w.quietPeriod)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.quietPeriod)
		}
		timerC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.ignored(ev.Name) {
				continue
			}
			pending[ev.Name] = struct{}{}
			armTimer()

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			if w.log != nil {
				w.log.Warn("watcher: fsnotify error", zap.Error(err))
			}

		case <-timerC:
			timerC = nil
			if len(pending) == 0 {
				continue
			}
			if w.activeWork != nil && w.activeWork() {
				if w.log != nil {
					w.log.Info("watcher: deferring restart, active work in progress")
				}
				// Re-arm so the next settle re-checks, rather than
				// dropping the pending change set.
				armTimer()
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			pending = make(map[string]struct{})
			if w.onTrigger != nil {
				w.onTrigger(paths)
			}
		}
	}
}

// WriteRestartMarker writes RestartMarkerFile under root, used immediately
// before a self-restart so the next lifetime can distinguish it from a
// crash.
func WriteRestartMarker(root string) error {
	return os.WriteFile(filepath.Join(root, RestartMarkerFile), []byte(time.Now().UTC().Format(time.RFC3339)+"\n"), 0o644)
}

// ConsumeRestartMarker reports whether RestartMarkerFile exists under root
// and removes it, so the check is idempotent across repeated calls within
// the same lifetime.
func ConsumeRestartMarker(root string) bool {
	path := filepath.Join(root, RestartMarkerFile)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	_ = os.Remove(path)
	return true
}
