// Package retrieve answers queries against the vector index: it
// embeds the query, over-fetches nearest neighbors, re-ranks them
// against the query text and returns a citable context set.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/koopa0/ragpipe/internal/embed"
	"github.com/koopa0/ragpipe/internal/index"
	"github.com/koopa0/ragpipe/internal/log"
)

// ErrUnsupportedSearchType indicates an unknown search type was
// requested.
var ErrUnsupportedSearchType = errors.New("unsupported search type")

// SearchType selects how vector similarity and lexical overlap are
// blended into the final score.
type SearchType string

const (
	// SearchTypeVector leans on vector similarity, with lexical
	// overlap as a light tiebreaker.
	SearchTypeVector SearchType = "vector"
	// SearchTypeHybrid weighs vector similarity and lexical overlap
	// equally.
	SearchTypeHybrid SearchType = "hybrid"
)

// Result is one retrieved chunk with its provenance.
type Result struct {
	ChunkID      string
	DocumentID   string
	Text         string
	Score        float64 // blended relevance, higher is better
	VectorScore  float64
	LexicalScore float64
	Metadata     map[string]string
	Citation     string
}

// Options tune a single retrieval call. Zero values fall back to the
// retriever's configured defaults.
type Options struct {
	TopK       int
	SearchType SearchType
	Filter     index.Filter
}

// Reranker scores candidates against the query text. Implementations
// must not reorder or truncate; the retriever blends and sorts.
type Reranker interface {
	Score(query, text string) float64
}

// LexicalReranker scores by term overlap: the fraction of distinct
// query terms that appear in the candidate text.
type LexicalReranker struct{}

// Score implements Reranker.
func (LexicalReranker) Score(query, text string) float64 {
	queryTerms := terms(query)
	if len(queryTerms) == 0 {
		return 0
	}
	textTerms := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(text)) {
		textTerms[strings.Trim(t, ".,;:!?\"'()[]")] = true
	}
	hits := 0
	for t := range queryTerms {
		if textTerms[t] {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTerms))
}

func terms(s string) map[string]bool {
	out := make(map[string]bool)
	for _, t := range strings.Fields(strings.ToLower(s)) {
		t = strings.Trim(t, ".,;:!?\"'()[]")
		if t != "" {
			out[t] = true
		}
	}
	return out
}

// Blend weights per search type.
const (
	vectorWeightVector  = 0.7
	lexicalWeightVector = 0.3
	vectorWeightHybrid  = 0.5
	lexicalWeightHybrid = 0.5
)

// Retriever executes retrieval calls.
type Retriever struct {
	embedder   embed.Embedder
	store      index.Store
	reranker   Reranker
	topK       int
	oversample int
	logger     log.Logger
}

// New creates a Retriever. topK is the default result count;
// oversample multiplies it for the index query so the reranker has
// candidates to work with.
func New(embedder embed.Embedder, store index.Store, reranker Reranker, topK, oversample int, logger log.Logger) (*Retriever, error) {
	if embedder == nil || store == nil {
		return nil, errors.New("embedder and store are required")
	}
	if topK < 1 {
		return nil, fmt.Errorf("top k must be positive, got %d", topK)
	}
	if oversample < 2 {
		return nil, fmt.Errorf("oversample factor must be at least 2, got %d", oversample)
	}
	if reranker == nil {
		reranker = LexicalReranker{}
	}
	if logger == nil {
		logger = log.NewNop()
	}
	return &Retriever{
		embedder:   embedder,
		store:      store,
		reranker:   reranker,
		topK:       topK,
		oversample: oversample,
		logger:     logger.With("component", "retrieve"),
	}, nil
}

// Retrieve returns up to k chunks relevant to query, sorted by
// non-increasing blended score. An empty result is a valid outcome.
func (r *Retriever) Retrieve(ctx context.Context, query string, opts Options) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, errors.New("query is empty")
	}

	k := opts.TopK
	if k < 1 {
		k = r.topK
	}
	searchType := opts.SearchType
	if searchType == "" {
		searchType = SearchTypeVector
	}

	var vectorWeight, lexicalWeight float64
	switch searchType {
	case SearchTypeVector:
		vectorWeight, lexicalWeight = vectorWeightVector, lexicalWeightVector
	case SearchTypeHybrid:
		vectorWeight, lexicalWeight = vectorWeightHybrid, lexicalWeightHybrid
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedSearchType, searchType)
	}

	if err := opts.Filter.Validate(); err != nil {
		return nil, err
	}

	queryVector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	matches, err := r.store.Query(ctx, queryVector, k*r.oversample, opts.Filter)
	if err != nil {
		return nil, fmt.Errorf("querying index: %w", err)
	}
	if len(matches) == 0 {
		return []Result{}, nil
	}

	model := r.embedder.ModelID()
	results := make([]Result, 0, len(matches))
	for _, m := range matches {
		if m.Model != "" && m.Model != model {
			return nil, fmt.Errorf("%w: index entry %s was embedded with %q, query with %q",
				embed.ErrModelMismatch, m.ID, m.Model, model)
		}
		lexical := r.reranker.Score(query, m.Content)
		vector := float64(m.Score)
		results = append(results, Result{
			ChunkID:      m.ID,
			DocumentID:   m.DocumentID,
			Text:         m.Content,
			Score:        vectorWeight*vector + lexicalWeight*lexical,
			VectorScore:  vector,
			LexicalScore: lexical,
			Metadata:     m.Metadata,
			Citation:     citation(m),
		})
	}

	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	if len(results) > k {
		results = results[:k]
	}

	r.logger.Debug("retrieved context",
		"query_terms", len(terms(query)),
		"candidates", len(matches),
		"returned", len(results),
		"search_type", string(searchType))
	return results, nil
}

// citation builds a human-readable provenance string for a match.
func citation(m index.Match) string {
	source := m.Metadata["title"]
	if source == "" {
		source = m.Metadata["filename"]
	}
	if source == "" {
		source = m.DocumentID
	}
	if u := m.Metadata["url"]; u != "" {
		source = fmt.Sprintf("%s <%s>", source, u)
	}
	if ord := m.Metadata["ordinal"]; ord != "" {
		return fmt.Sprintf("%s, chunk %s", source, ord)
	}
	return source
}
