package embed

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/koopa0/ragpipe/internal/log"
)

// GeminiDimension is the vector dimensionality requested from Gemini
// embedding models via output truncation. It matches the pgvector
// schema; see the chunks table migration.
const GeminiDimension int32 = 768

// Gemini embeds text through the Gemini embedding API.
//
// Gemini-truncated embeddings are not unit length, so vectors are
// L2-normalized before being returned.
type Gemini struct {
	client  *genai.Client
	model   string
	retry   RetryConfig
	limiter *rate.Limiter
	logger  log.Logger
}

// NewGemini creates a Gemini embedder for the given model id.
// The API key is read by the genai client from GEMINI_API_KEY when the
// config omits it.
func NewGemini(ctx context.Context, apiKey, model string, retry RetryConfig, logger log.Logger) (*Gemini, error) {
	if model == "" {
		return nil, fmt.Errorf("model id is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("creating genai client: %w", err)
	}

	return &Gemini{
		client: client,
		model:  model,
		retry:  retry,
		// Stay under the embedding API free-tier request budget.
		limiter: rate.NewLimiter(rate.Limit(10), 10),
		logger:  logger.With("component", "embedder", "provider", "gemini"),
	}, nil
}

// ModelID returns the configured Gemini model id.
func (g *Gemini) ModelID() string { return g.model }

// Embed embeds a batch of document texts in one API call.
func (g *Gemini) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	contents := make([]*genai.Content, len(texts))
	for i, text := range texts {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	vectors, err := g.embedContents(ctx, contents, "RETRIEVAL_DOCUMENT")
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d texts", ErrBackend, len(vectors), len(texts))
	}
	return vectors, nil
}

// EmbedQuery embeds a single retrieval query with the same model used
// for documents.
func (g *Gemini) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := g.embedContents(ctx,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: got %d embeddings for one query", ErrBackend, len(vectors))
	}
	return vectors[0], nil
}

func (g *Gemini) embedContents(ctx context.Context, contents []*genai.Content, taskType string) ([][]float32, error) {
	dim := GeminiDimension
	cfg := &genai.EmbedContentConfig{
		OutputDimensionality: &dim,
		TaskType:             taskType,
	}

	var resp *genai.EmbedContentResponse
	err := callWithRetry(ctx, g.logger, g.retry, g.limiter, "gemini embed", func(ctx context.Context) error {
		var callErr error
		resp, callErr = g.client.Models.EmbedContent(ctx, g.model, contents, cfg)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: empty embedding response", ErrBackend)
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil || len(emb.Values) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at position %d", ErrBackend, i)
		}
		v := make([]float32, len(emb.Values))
		copy(v, emb.Values)
		normalizeL2(v)
		vectors[i] = v
	}
	return vectors, nil
}
