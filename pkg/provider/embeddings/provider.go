// Package embeddings defines the Provider interface for vector embedding backends.
//
// An embeddings provider maps short text items to dense float32 vectors. The
// clustering pipeline compares these vectors pairwise, so every vector returned
// by one Provider instance must live in the same space and share one length.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider is the abstraction over any text-embedding backend.
type Provider interface {
	// EmbedBatch computes embedding vectors for texts in one provider call. The
	// returned slice has the same length as texts and the i-th element
	// corresponds to texts[i].
	//
	// Returns an error if any single embedding fails or if ctx is cancelled.
	// Partial results are not returned; on error the slice is nil.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length produced by this provider, or 0
	// if it is not known until the first batch has been embedded.
	Dimensions() int

	// ModelID returns the provider-specific model identifier.
	ModelID() string
}

// Warmer is implemented by providers that need to load a model or verify a
// remote service before the first batch. The pipeline calls Warm once per run,
// during its model loading stage.
type Warmer interface {
	Warm(ctx context.Context) error
}

// BatchSizer is implemented by providers that know the batch size that keeps
// them responsive. Remote APIs typically prefer larger batches than local
// models.
type BatchSizer interface {
	PreferredBatchSize() int
}

// DefaultBatchSize is used when a provider does not implement BatchSizer.
const DefaultBatchSize = 32

// BatchSize returns p's preferred batch size, or DefaultBatchSize.
func BatchSize(p Provider) int {
	if bs, ok := p.(BatchSizer); ok {
		if n := bs.PreferredBatchSize(); n > 0 {
			return n
		}
	}
	return DefaultBatchSize
}
