// Package cmd contains the CLI entrypoints for the harvester service.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "A content ingestion service for community groups, posts and comments.",
		Long: `harvester pulls groups, their wall posts and the comments under
those posts from a quota-limited external API. Work is submitted as
jobs over HTTP, executed in three phases by a worker pool behind a
shared rate limiter, and reported with a bounded, monotonic progress
percentage.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./harvester.yaml)")
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute runs the root command.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
