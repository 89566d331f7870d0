// Package embed maps text to fixed-dimension dense vectors via a
// pluggable embedding backend.
//
// Both document chunks and queries must be embedded by the same model;
// the ingestion pipeline stamps every index entry with the model id so
// the retriever can refuse to mix vectors from different models.
package embed

import (
	"context"
	"errors"
	"math"
)

var (
	// ErrBackend indicates a failure from the embedding backend
	// (timeout, quota, transport). Surfaced after bounded retries.
	ErrBackend = errors.New("embedding backend error")

	// ErrModelMismatch indicates the query-time embedding model differs
	// from the model used at ingestion time. Fatal configuration error,
	// never silently mixed.
	ErrModelMismatch = errors.New("embedding model mismatch")
)

// Embedder generates dense vector embeddings for text.
//
// Implementations must use the same model for Embed and EmbedQuery and
// must return vectors of identical dimensionality and normalization
// across calls.
type Embedder interface {
	// Embed embeds a batch of document texts, one vector per input in
	// input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery embeds a single retrieval query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// ModelID identifies the backing model, e.g. "gemini-embedding-001".
	ModelID() string
}

// normalizeL2 scales v to unit length in place so cosine similarity
// reduces to a dot product. Zero vectors are left untouched.
func normalizeL2(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := 1 / math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}
