package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
)

// FakeEmbeddingClient is a deterministic, dependency-free Client used in
// tests and local development without a real embedding service configured.
// It hashes whitespace-separated tokens into a fixed-width feature vector
// (the "hashing trick"), so lexically similar text produces correlated
// vectors without requiring a model.
type FakeEmbeddingClient struct {
	dim int
}

// NewFakeEmbeddingClient returns a FakeEmbeddingClient producing vectors of
// the given dimension.
func NewFakeEmbeddingClient(dim int) *FakeEmbeddingClient {
	return &FakeEmbeddingClient{dim: dim}
}

// Dimension returns the configured vector length.
func (c *FakeEmbeddingClient) Dimension() int { return c.dim }

// Embed implements Client.
func (c *FakeEmbeddingClient) Embed(_ context.Context, text string) ([]float32, error) {
	return c.embed(text), nil
}

// EmbedBatch implements Client.
func (c *FakeEmbeddingClient) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = c.embed(t)
	}
	return out, nil
}

func (c *FakeEmbeddingClient) embed(text string) []float32 {
	vec := make([]float64, c.dim)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		tokens = []string{""}
	}
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(c.dim))
		sign := 1.0
		if (sum>>1)%2 == 0 {
			sign = -1.0
		}
		vec[idx] += sign
	}
	var norm float64
	for _, v := range vec {
		norm += v * v
	}
	norm = math.Sqrt(norm)
	out := make([]float32, c.dim)
	if norm == 0 {
		// All-zero input (e.g. empty string): fall back to a fixed unit
		// vector so ‖vector‖ = 1 still holds.
		out[0] = 1
		return out
	}
	for i, v := range vec {
		out[i] = float32(v / norm)
	}
	return out
}
