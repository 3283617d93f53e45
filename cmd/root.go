// Package cmd defines the CLI commands for the strider executable.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "strider",
		Short: "A crawl orchestration engine.",
		Long: `strider schedules, rate-limits, and tracks web crawl jobs. It owns the
URL frontier, per-domain politeness, robots.txt policy, and crash recovery;
fetched documents are handed to a configurable sink.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to config file")
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute runs the CLI with signal-aware cancellation.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "strider: %v\n", err)
		os.Exit(1)
	}
}
