package childio

import (
	"fmt"
	"os"
	"path/filepath"
)

// OpenAttemptLog opens (creating if needed) the log file for attemptID
// under dir, returning a writer the Pipeline can tee output to. The
// caller owns closing the returned file. Grounded on the teacher's
// LogManager, which keeps one append-mode file per station under a
// dotfile directory rather than rotating per run.
func OpenAttemptLog(dir, attemptID string) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("childio: create log dir %s: %w", dir, err)
	}
	path := filepath.Join(dir, attemptID+".log")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("childio: open attempt log %s: %w", path, err)
	}
	return f, nil
}
