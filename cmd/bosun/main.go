// Command bosun is the hosting binary around the corestate-backed
// supervisor loop. It owns exactly the exit-code contract: 0 for a clean
// shutdown or a benign duplicate-start, 75 for a self-restart, non-zero
// otherwise.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/bosun-run/bosun/internal/cli"
	"github.com/bosun-run/bosun/pkg/watcher"
)

func main() {
	err := cli.Execute()
	switch {
	case err == nil:
		return
	case errors.Is(err, cli.ErrSelfRestart):
		os.Exit(watcher.SelfRestartExitCode)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
