// Package mock provides a test double for the embeddings.Provider interface.
//
// Provider returns pre-defined vectors without a live model and records every
// batch it was asked to embed.
//
// Example:
//
//	p := &mock.Provider{
//	    Vectors: map[string][]float32{
//	        "hello world":  {1, 0},
//	        "hello world!": {0.95, 0.312},
//	    },
//	    DimensionsValue: 2,
//	}
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/contentid/pkg/provider/embeddings"
)

// EmbedBatchCall records a single invocation of EmbedBatch.
type EmbedBatchCall struct {
	// Ctx is the context passed to EmbedBatch.
	Ctx context.Context
	// Texts is a copy of the string slice passed to EmbedBatch.
	Texts []string
}

// Provider is a mock implementation of embeddings.Provider. It also
// implements embeddings.Warmer and embeddings.BatchSizer.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Vectors maps a text to the vector returned for it. Texts missing from the
	// map fall back to Func, then to a zero vector of length DimensionsValue.
	Vectors map[string][]float32

	// Func, if set, computes the vector for texts missing from Vectors.
	Func func(text string) []float32

	// EmbedBatchErr, if non-nil, is returned by EmbedBatch.
	EmbedBatchErr error

	// FailOnCall, if positive, makes the n-th EmbedBatch call (1-based) fail
	// with EmbedBatchErr or a generic error.
	FailOnCall int

	// BeforeBatch, if set, runs at the start of every EmbedBatch call with the
	// 1-based call number. Tests use it to cancel a run mid-stage.
	BeforeBatch func(call int)

	// WarmErr is returned by Warm.
	WarmErr error

	// BatchSizeValue is returned by PreferredBatchSize.
	BatchSizeValue int

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// --- Call records ---

	// EmbedBatchCalls records every call to EmbedBatch in order.
	EmbedBatchCalls []EmbedBatchCall

	// WarmCallCount is the number of times Warm was called.
	WarmCallCount int
}

// EmbedBatch records the call and returns one vector per text.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	cp := make([]string, len(texts))
	copy(cp, texts)
	p.EmbedBatchCalls = append(p.EmbedBatchCalls, EmbedBatchCall{Ctx: ctx, Texts: cp})
	call := len(p.EmbedBatchCalls)
	before := p.BeforeBatch
	p.mu.Unlock()

	if before != nil {
		before(call)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailOnCall > 0 && call == p.FailOnCall {
		if p.EmbedBatchErr != nil {
			return nil, p.EmbedBatchErr
		}
		return nil, fmt.Errorf("mock embeddings: call %d failed", call)
	}
	if p.FailOnCall == 0 && p.EmbedBatchErr != nil {
		return nil, p.EmbedBatchErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		switch {
		case p.Vectors[t] != nil:
			out[i] = p.Vectors[t]
		case p.Func != nil:
			out[i] = p.Func(t)
		default:
			out[i] = make([]float32, p.DimensionsValue)
		}
	}
	return out, nil
}

// Warm records the call and returns WarmErr.
func (p *Provider) Warm(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.WarmCallCount++
	return p.WarmErr
}

// PreferredBatchSize returns BatchSizeValue.
func (p *Provider) PreferredBatchSize() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.BatchSizeValue
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Calls returns a snapshot of the recorded EmbedBatch calls.
func (p *Provider) Calls() []EmbedBatchCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]EmbedBatchCall, len(p.EmbedBatchCalls))
	copy(out, p.EmbedBatchCalls)
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedBatchCalls = nil
	p.WarmCallCount = 0
}

var (
	_ embeddings.Provider   = (*Provider)(nil)
	_ embeddings.Warmer     = (*Provider)(nil)
	_ embeddings.BatchSizer = (*Provider)(nil)
)
