package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koopa0/ragpipe/internal/answer"
	"github.com/koopa0/ragpipe/internal/retrieve"
)

var (
	askModel   string
	askHybrid  bool
	askFilters []string
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer a question grounded in the indexed documents",
	Long: `Retrieve the most relevant chunks for the question, build a
prompt from them and generate an answer with the configured model.
The answer is printed together with the sources it was grounded on.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	askCmd.Flags().StringVar(&askModel, "model", "gemini-2.0-flash", "generation model")
	askCmd.Flags().BoolVar(&askHybrid, "hybrid", false, "weigh lexical overlap equally with vector similarity")
	askCmd.Flags().StringArrayVar(&askFilters, "filter", nil, "metadata filter, repeatable (field=value, field>=n, field<=n)")
	rootCmd.AddCommand(askCmd)
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	gen, err := a.generator(ctx, askModel)
	if err != nil {
		return fmt.Errorf("creating generator: %w", err)
	}

	answerer, err := answer.New(a.retriever, gen, a.logger)
	if err != nil {
		return err
	}

	filter, err := parseFilters(askFilters)
	if err != nil {
		return err
	}
	opts := retrieve.Options{Filter: filter}
	if askHybrid {
		opts.SearchType = retrieve.SearchTypeHybrid
	}

	ans, err := answerer.Ask(ctx, strings.Join(args, " "), opts)
	if err != nil {
		if errors.Is(err, answer.ErrNoContext) {
			fmt.Println("No indexed content matches this question. Ingest some documents first.")
			return nil
		}
		return err
	}

	fmt.Println(ans.Text)
	fmt.Println()
	fmt.Println("Sources:")
	for _, c := range ans.Citations {
		fmt.Printf("  - %s\n", c)
	}
	return nil
}
