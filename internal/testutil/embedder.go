package testutil

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
)

// FakeEmbedder is a deterministic embedder for tests. The same text
// always produces the same unit vector, and different texts almost
// always differ, so similarity ordering is stable across runs.
type FakeEmbedder struct {
	Model string
	Dim   int

	// Err, when set, is returned by every call.
	Err error

	mu    sync.Mutex
	calls int
}

// NewFakeEmbedder returns a FakeEmbedder with an 8-dimensional output.
func NewFakeEmbedder(model string) *FakeEmbedder {
	return &FakeEmbedder{Model: model, Dim: 8}
}

func (f *FakeEmbedder) vector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, f.Dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed>>16)%1000) / 1000.0
		vec[i] = float32(v)
		norm += v * v
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

func (f *FakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.Err != nil {
		return nil, f.Err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = f.vector(t)
	}
	return out, nil
}

func (f *FakeEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (f *FakeEmbedder) ModelID() string { return f.Model }

// Calls reports how many Embed calls succeeded.
func (f *FakeEmbedder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
