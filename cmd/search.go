package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/koopa0/ragpipe/internal/index"
	"github.com/koopa0/ragpipe/internal/retrieve"
)

var (
	searchTopK    int
	searchHybrid  bool
	searchFilters []string
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Retrieve the most relevant chunks for a query",
	Long: `Embed the query, search the vector index and print the reranked
results with citations.

Filters restrict results by chunk metadata:

  --filter source=docs        equality
  --filter year>=2024         numeric lower bound
  --filter year<=2025         numeric upper bound`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVar(&searchTopK, "top-k", 0, "number of results (default from config)")
	searchCmd.Flags().BoolVar(&searchHybrid, "hybrid", false, "weigh lexical overlap equally with vector similarity")
	searchCmd.Flags().StringArrayVar(&searchFilters, "filter", nil, "metadata filter, repeatable (field=value, field>=n, field<=n)")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	filter, err := parseFilters(searchFilters)
	if err != nil {
		return err
	}

	opts := retrieve.Options{
		TopK:   searchTopK,
		Filter: filter,
	}
	if searchHybrid {
		opts.SearchType = retrieve.SearchTypeHybrid
	}

	results, err := a.retriever.Retrieve(ctx, strings.Join(args, " "), opts)
	if err != nil {
		return err
	}
	if len(results) == 0 {
		fmt.Println("no results")
		return nil
	}

	for i, r := range results {
		fmt.Printf("%d. [%.4f] %s\n", i+1, r.Score, r.Citation)
		fmt.Printf("   %s\n\n", snippet(r.Text, 240))
	}
	return nil
}

// parseFilters converts field=value, field>=n and field<=n expressions
// into index predicates.
func parseFilters(exprs []string) (index.Filter, error) {
	var f index.Filter
	for _, expr := range exprs {
		switch {
		case strings.Contains(expr, ">="):
			field, raw, _ := strings.Cut(expr, ">=")
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return index.Filter{}, fmt.Errorf("filter %q: bound must be numeric", expr)
			}
			f = append(f, index.Gte(strings.TrimSpace(field), v))
		case strings.Contains(expr, "<="):
			field, raw, _ := strings.Cut(expr, "<=")
			v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
			if err != nil {
				return index.Filter{}, fmt.Errorf("filter %q: bound must be numeric", expr)
			}
			f = append(f, index.Lte(strings.TrimSpace(field), v))
		case strings.Contains(expr, "="):
			field, value, _ := strings.Cut(expr, "=")
			f = append(f, index.Eq(strings.TrimSpace(field), strings.TrimSpace(value)))
		default:
			return index.Filter{}, fmt.Errorf("filter %q: expected field=value, field>=n or field<=n", expr)
		}
	}
	return f, nil
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
