package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var urlCmd = &cobra.Command{
	Use:   "url [urls...]",
	Short: "Fetch web pages and ingest their readable content",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runURL,
}

func init() {
	rootCmd.AddCommand(urlCmd)
}

func runURL(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	ids, submitErr := a.pipeline.SubmitURLs(args)
	if submitErr != nil {
		fmt.Printf("some submissions were rejected: %v\n", submitErr)
	}

	err = a.waitForJobs(ctx, ids)
	a.printJobSummary()
	if err != nil {
		return err
	}
	return submitErr
}
