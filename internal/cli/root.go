// Package cli implements bosun's command surface: a thin cobra wrapper
// around the corestate-backed daemon loop (spec §6's "the core is a
// library; the hosting binary takes these flags").
//
// Grounded on the teacher's internal/cli/root.go: a package-level
// rootCmd/versionCmd pair plus Execute(), kept as-is since a single-
// daemon CLI needs nothing more elaborate.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "bosun",
	Short: "Long-lived orchestration supervisor for an AI-agent workflow",
	Long: `bosun supervises a task-agent child process: restarting it on crash,
reconciling task status against an external task board and PR host, and
watching its own source tree for changes that warrant a self-restart.`,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("bosun %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
