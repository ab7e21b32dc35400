// Package commands implements the skiff CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath   string
	manifestPath string
	verbose      bool
	jsonOutput   bool
)

// Execute runs the root command.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "skiff",
		Short: "Skiff - ephemeral dev machines in the cloud",
		Long: `Skiff provisions short-lived cloud machines and deploys container
workloads to them from a small project manifest.

A deployment is reconciled, not scripted: skiff compares the desired
replica count against the machines it already tracks, reuses what exists,
provisions only the shortfall, and tears down what is no longer wanted.
State lives in a plain file next to your other dotfiles; run history goes
to a local SQLite database.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "settings file path")
	rootCmd.PersistentFlags().StringVarP(&manifestPath, "manifest", "f", "", "project manifest path (default skiff.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newUpCommand())
	rootCmd.AddCommand(newDownCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newScaleCommand())
	rootCmd.AddCommand(newCostCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newDevCommand())

	return rootCmd
}
