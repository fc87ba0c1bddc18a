// Package main implements the scribed CLI: a governed five-stage
// content-generation pipeline over an attributed snippet corpus.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// configPath is the optional YAML config file.
	configPath string
	// version information (set via ldflags during build)
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "scribed",
	Short: "Governed content-generation pipeline",
	Long: `scribed runs a five-stage content-generation pipeline (ideate, draft,
critique, revise, summarize) under per-role call budgets and data-access
permissions, producing attributed output plus an audit trail.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(profilesCmd)
	rootCmd.AddCommand(ingestCmd)
}
