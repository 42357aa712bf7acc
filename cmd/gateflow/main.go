// Package main implements the gateflow CLI: the operator server plus manual
// workflow operations against it.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the gateflow operator server.
	serverURL string
	// configPath overrides the default config file location.
	configPath string
	// version information, set via ldflags.
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gateflow",
	Short: "Phase-gated workflow orchestration",
	Long: `gateflow drives multi-phase workflows through quality gates: roles produce
output, evaluators judge it, failed phases retry with accumulated feedback,
and every state change is checkpointed for crash recovery.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8750", "gateflow server URL")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default ~/.config/gateflow/config.yaml)")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(escalateCmd)
	rootCmd.AddCommand(gateCmd)
}
