// Package main is the CLI entry point for dfir.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "dfir",
		Short: "Turn a log bundle into a forensic incident report",
		Long: `dfir normalizes an uploaded log bundle, asks a language model for a
structured findings document, validates it and renders a self-contained
HTML incident report.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "config.toml", "path to config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "verbose output")
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	rootCmd.AddCommand(
		newAnalyzeCmd(),
		newServeCmd(),
		newRenderCmd(),
		newExportCmd(),
		newTokenCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func toolVersion() string {
	return fmt.Sprintf("%s (%s)", version, commit)
}
