package cmd

import (
	"github.com/spf13/cobra"
)

var (
	crawlDepth int
	crawlPages int
)

var crawlCmd = &cobra.Command{
	Use:   "crawl [seed-url]",
	Short: "Crawl a site from a seed URL and ingest every page",
	Long: `Breadth-first crawl starting at the seed URL, restricted to the
seed's domain. Each fetched page becomes its own document. A depth of
0 fetches only the seed page; each increment follows one more level
of links.`,
	Args: cobra.ExactArgs(1),
	RunE: runCrawl,
}

func init() {
	crawlCmd.Flags().IntVar(&crawlDepth, "depth", -1, "maximum link depth (default from config)")
	crawlCmd.Flags().IntVar(&crawlPages, "pages", 0, "maximum pages to fetch (default from config)")
	rootCmd.AddCommand(crawlCmd)
}

func runCrawl(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	id, err := a.pipeline.SubmitCrawl(args[0], a.crawlOptions(crawlDepth, crawlPages))
	if err != nil {
		return err
	}

	return a.waitForJobs(ctx, []string{id})
}
