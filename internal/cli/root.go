// Package cli wires the packship commands together.
package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var (
	flagProject string
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "packship",
	Short: "Publish packages to npm, crates.io, PyPI, Homebrew, and custom registries",
	Long: `packship drives the whole publish workflow: it detects the target
registry from the project manifest, validates the package, simulates the
upload, publishes with retry, and verifies the release is live. Interrupted
runs can be resumed, and several registries can be published in one batch.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := slog.LevelInfo
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagProject, "project", "p", ".", "project directory")
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default: .packship.yaml in the project)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(publishCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(stateCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute runs the CLI and returns a process exit code.
func Execute() int {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 1
	}
	return 0
}
