package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	workDir    string
	rootCmd    = &cobra.Command{
		Use:   "recon-orch",
		Short: "Recon Orchestrator - dependency-aware recon pipeline runner",
		Long: `Recon Orchestrator runs a target's reconnaissance pipeline: shell tasks
with declared dependencies, executed on a bounded pool with timeouts.
Every state change is written to the target's SQLite event log, so runs
survive crashes and can be inspected while they execute.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&workDir, "work-dir", "", "directory holding all targets")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
