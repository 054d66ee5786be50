// Package embed defines the Embedder contract (spec §4.2) and two
// implementations: a deterministic fake, used in tests and as the local
// development default, and an HTTP client for a real embedding service.
package embed

import (
	"context"
)

// Client maps text to a fixed-dimension, L2-normalized vector. Deterministic
// within a process. The core treats it as a pure function; the
// implementation is an external collaborator.
type Client interface {
	// Embed returns the unit-norm embedding of text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch embeds many texts in one round trip. Implementations should
	// return results in the same order as texts.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension is the fixed vector length D for the process lifetime.
	Dimension() int
}
