package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Ingest local files into the vector index",
	Long: `Parse, chunk, embed and index one or more local files.

Supported formats: txt, md, html, pdf, csv, json, xml, xlsx.
The document id is derived from the file name, so re-ingesting the
same file replaces its previous chunks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	var ids []string
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		id, err := a.pipeline.SubmitFile(filepath.Base(path), data)
		if err != nil {
			return fmt.Errorf("submitting %s: %w", path, err)
		}
		ids = append(ids, id)
	}

	err = a.waitForJobs(ctx, ids)
	a.printJobSummary()
	return err
}
