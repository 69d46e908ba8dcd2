// Package lockfile enforces spec §5's single-instance guarantee: only one
// bosun process may run per repository root at a time, and a duplicate
// start is a benign exit rather than a crash.
//
// Grounded on the domain sibling gastown's internal/daemon.Daemon.Run,
// which acquires a gofrs/flock-backed exclusive lock before writing its
// PID file specifically to close the TOCTOU race a bare PID-file check
// leaves open ("multiple concurrent starts can all pass the IsRunning()
// check before any writes the PID file").
package lockfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"
)

// Lock holds an acquired exclusive lock over one file.
type Lock struct {
	fl *flock.Flock
}

// TryAcquire attempts a non-blocking exclusive lock at path, creating
// parent directories as needed and writing the current PID into the lock
// file once held. ok is false (with a nil error) when another process
// already holds the lock — the caller's spec-mandated response is a
// benign exit, not a retry loop.
func TryAcquire(path string) (lock *Lock, ok bool, err error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, false, fmt.Errorf("lockfile: create lock directory: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("lockfile: acquire %s: %w", path, err)
	}
	if !locked {
		return nil, false, nil
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o600); err != nil {
		_ = fl.Unlock()
		return nil, false, fmt.Errorf("lockfile: write pid to %s: %w", path, err)
	}

	return &Lock{fl: fl}, true, nil
}

// HolderPID reads the PID recorded in path's lock file, if any. Used only
// for the duplicate-start notice; not authoritative (the file may be
// stale or mid-rewrite — spec §9's Open Question on this exact race is
// left unresolved, so this is best-effort only).
func HolderPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, false
	}
	return pid, true
}

// Release unlocks and removes the lock file.
func (l *Lock) Release() error {
	path := l.fl.Path()
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("lockfile: release %s: %w", path, err)
	}
	_ = os.Remove(path)
	return nil
}
