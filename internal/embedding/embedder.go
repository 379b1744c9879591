// Package embedding turns text into fixed-width vectors through a pluggable provider.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// ErrProvider marks any failure of the upstream embedding source: transport errors,
// non-2xx responses, timeouts, and responses whose shape does not match the request.
var ErrProvider = errors.New("embedding provider error")

// Embedder produces vector embeddings for text. EmbedBatch returns exactly one vector per
// input text, in input order, or an error.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Close() error
}

// providerError wraps err so it matches both ErrProvider and err.
func providerError(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrProvider, op, err)
}

// checkBatch verifies a provider response against the request it answers.
func checkBatch(texts []string, vectors [][]float32, dimensions int) error {
	if len(vectors) != len(texts) {
		return fmt.Errorf("%w: got %d embeddings for %d texts", ErrProvider, len(vectors), len(texts))
	}
	for i, v := range vectors {
		if len(v) != dimensions {
			return fmt.Errorf("%w: embedding %d has %d dimensions, want %d", ErrProvider, i, len(v), dimensions)
		}
	}
	return nil
}
