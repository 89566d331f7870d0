package embed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ollama/ollama/api"

	"github.com/koopa0/ragpipe/internal/log"
)

// Ollama embeds text through a local or remote Ollama server, for
// fully self-hosted deployments.
type Ollama struct {
	client *api.Client
	model  string
	retry  RetryConfig
	logger log.Logger
}

// NewOllama creates an Ollama embedder talking to host
// (e.g. "http://localhost:11434") with the given model.
func NewOllama(host, model string, retry RetryConfig, logger log.Logger) (*Ollama, error) {
	if model == "" {
		return nil, fmt.Errorf("model id is required")
	}
	if logger == nil {
		logger = log.NewNop()
	}

	base, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}

	httpClient := &http.Client{Timeout: retry.Timeout}

	return &Ollama{
		client: api.NewClient(base, httpClient),
		model:  model,
		retry:  retry,
		logger: logger.With("component", "embedder", "provider", "ollama"),
	}, nil
}

// ModelID returns the configured Ollama model id.
func (o *Ollama) ModelID() string { return o.model }

// Embed embeds a batch of document texts in one API call.
func (o *Ollama) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	var resp *api.EmbedResponse
	err := o.withRetry(ctx, "ollama embed", func(ctx context.Context) error {
		var callErr error
		resp, callErr = o.client.Embed(ctx, &api.EmbedRequest{
			Model: o.model,
			Input: texts,
		})
		return callErr
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrBackend, len(texts), respLen(resp))
	}

	vectors := make([][]float32, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if len(emb) == 0 {
			return nil, fmt.Errorf("%w: empty embedding at position %d", ErrBackend, i)
		}
		v := make([]float32, len(emb))
		copy(v, emb)
		normalizeL2(v)
		vectors[i] = v
	}
	return vectors, nil
}

// EmbedQuery embeds a single retrieval query.
func (o *Ollama) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := o.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (o *Ollama) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	// The Ollama client already carries an HTTP timeout; no limiter is
	// needed for a self-hosted backend.
	return callWithRetry(ctx, o.logger, o.retry, nil, op, fn)
}

func respLen(resp *api.EmbedResponse) int {
	if resp == nil {
		return 0
	}
	return len(resp.Embeddings)
}
