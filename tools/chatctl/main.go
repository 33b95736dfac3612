// Command chatctl inspects chatkeep data and resolves Kick chatroom ids.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/john/chatkeep/internal/telemetry"
)

var (
	verbose bool
	dataDir string
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:   "chatctl",
	Short: "Inspect chatkeep channel stores",
	Long: `Operator tool for chatkeep.

Quick Start:
  chatctl resolve xqc trainwreckstv     # Look up Kick chatroom ids
  chatctl channels                      # List stored channels
  chatctl recent ludwig --limit 20      # Print recent history`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level := "warn"
		if verbose {
			level = "debug"
		}
		return telemetry.SetupLogging(level, "console")
	},
}

func init() {
	defaultDir := os.Getenv("DATA_DIR")
	if defaultDir == "" {
		defaultDir = "./data"
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", defaultDir, "Directory holding channel stores")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(resolveCmd, channelsCmd, recentCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
