// Package embed is the external embedding service client: it tokenizes,
// drops oversize inputs, greedily packs texts into batches under a token
// budget, and dispatches those batches across a fixed worker pool to an
// HTTP embeddings endpoint, with per-status-code retry policy.
package embed

import (
	"context"
)

// Embedder turns text into fixed-dimension vectors.
type Embedder interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns vectors for texts, in input order. An item whose
	// embedding fails after retries is reported via err; the call never
	// silently drops or reorders items.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	Dimension() int
	ModelName() string
}

// Config configures the HTTP embedding client.
type Config struct {
	APIURL             string
	APIKey             string
	Model              string
	Dimension          int
	MaxTokensPerBatch  int
	MaxItemsPerBatch   int
	Concurrency        int
	SafeTokenFraction  float64
	RetryAttempts      int
	BaseBackoffMS      int
}

// DefaultConfig fills in the values the spec calls out as defaults, leaving
// APIURL/APIKey/Model/Dimension for the caller to set.
func DefaultConfig() Config {
	return Config{
		MaxTokensPerBatch: 8192,
		MaxItemsPerBatch:  100,
		Concurrency:       5,
		SafeTokenFraction: 0.85,
		RetryAttempts:     3,
		BaseBackoffMS:     1000,
	}
}
