package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/koopa0/ragpipe/internal/index"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Inspect and manage indexed documents",
}

var docsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index statistics",
	Args:  cobra.NoArgs,
	RunE:  runDocsStats,
}

var docsCountCmd = &cobra.Command{
	Use:   "count [document-id]",
	Short: "Count indexed chunks, optionally for one document",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDocsCount,
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete [document-id]",
	Short: "Remove a document and all its chunks from the index",
	Args:  cobra.ExactArgs(1),
	RunE:  runDocsDelete,
}

func init() {
	docsCmd.AddCommand(docsStatsCmd, docsCountCmd, docsDeleteCmd)
	rootCmd.AddCommand(docsCmd)
}

func runDocsStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	stats, err := a.store.Stats(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Backend:   %s\n", a.cfg.StoreBackend)
	fmt.Printf("Vectors:   %d\n", stats.Vectors)
	fmt.Printf("Dimension: %d\n", stats.Dimension)
	return nil
}

func runDocsCount(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	var filter index.Filter
	if len(args) == 1 {
		filter = index.Filter{index.Eq(index.FieldDocumentID, args[0])}
	}

	n, err := a.store.Count(ctx, filter)
	if err != nil {
		return err
	}
	fmt.Println(n)
	return nil
}

func runDocsDelete(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.store.DeleteByDocument(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("deleted document %s\n", args[0])
	return nil
}
