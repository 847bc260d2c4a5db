// Recalld is the persona semantic memory daemon.
//
// It stores facts, preferences, and emotions observed in conversations
// with synthetic personas, encodes them as vector embeddings, and
// retrieves the subset most relevant to a new conversational context.
//
// Usage:
//
//	# Start the daemon with defaults
//	recalld serve
//
//	# Configure via file and environment
//	recalld serve --config ~/.config/recalld/config.yaml
//	SERVER_PORT=9400 recalld serve
//
//	# Operate against a running daemon
//	recalld health
//	recalld purge
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "recalld",
	Short:   "Persona semantic memory daemon",
	Version: version + " (" + gitCommit + ")",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(purgeCmd)
}
