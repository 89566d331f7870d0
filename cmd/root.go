// Package cmd implements the ragpipe command line interface.
package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ragpipe",
	Short: "ragpipe - retrieval-augmented document pipeline",
	Long: `ragpipe ingests documents and web pages into a vector index and
answers queries against them.

Documents are parsed, chunked, embedded and indexed; queries are
embedded, matched against the index and re-ranked before the results
are returned with citations.`,
	SilenceUsage: true,
}

// Execute runs the root command. SIGINT and SIGTERM cancel the
// command context so in-flight jobs stop cleanly.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	return rootCmd.ExecuteContext(ctx)
}
