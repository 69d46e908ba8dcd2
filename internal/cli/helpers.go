package cli

import (
	"os"
	"path/filepath"
)

// findGitRoot walks up from dir looking for a .git directory, the same
// upward search the teacher's config-file resolution used, now rooted at
// the working directory instead of a config file's location since bosun
// takes no config file argument.
func findGitRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
