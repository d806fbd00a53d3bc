// Package cmd defines the crawlsched command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates the root command and attaches subcommands.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "crawlsched",
		Short: "Polite, priority-ordered crawl scheduler.",
		Long: `crawlsched drives a crawl frontier: it orders requests by priority,
spaces fetches per host, backs off hosts that fail, and serves pages from a
body cache when the fetch policy allows it.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); env vars use the CRAWLSCHED_ prefix")
	cmd.AddCommand(newRunCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
