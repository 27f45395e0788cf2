package similarity

import (
	"context"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// DefaultChunkSize is the number of pairs scored between cancellation checks.
const DefaultChunkSize = 1000

// ErrDimensionMismatch is returned when embeddings do not share one length.
var ErrDimensionMismatch = errors.New("similarity: embeddings have different dimensions")

// ProgressFunc receives the number of pairs scored so far and the total. It is
// called after every chunk and once more when the matrix is complete.
type ProgressFunc func(done, total int)

type buildConfig struct {
	chunk    int
	progress ProgressFunc
}

// Option configures Build.
type Option func(*buildConfig)

// WithChunkSize sets the number of pairs scored between cancellation checks.
func WithChunkSize(n int) Option {
	return func(c *buildConfig) {
		if n > 0 {
			c.chunk = n
		}
	}
}

// WithProgress registers a progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(c *buildConfig) { c.progress = fn }
}

// Build scores every unordered pair of embeddings with cosine similarity.
//
// Pairs involving a zero-magnitude vector, or any pair whose score is not a
// finite number, are stored as 0. Scores are clamped to [-1, 1] to absorb
// rounding. ctx is checked before every chunk of pairs; on cancellation Build
// returns ctx.Err() and no matrix.
func Build(ctx context.Context, embeddings [][]float32, opts ...Option) (*Matrix, error) {
	cfg := buildConfig{chunk: DefaultChunkSize}
	for _, o := range opts {
		o(&cfg)
	}

	units, err := normalise(embeddings)
	if err != nil {
		return nil, err
	}

	n := len(embeddings)
	m := NewMatrix(n)
	total := m.Pairs()
	done := 0
	next := 0
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if done == next {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				if cfg.progress != nil && done > 0 {
					cfg.progress(done, total)
				}
				next += cfg.chunk
			}
			m.data[done] = cosine(units[i], units[j])
			done++
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.progress != nil {
		cfg.progress(total, total)
	}
	return m, nil
}

// normalise returns a float64 unit-length copy of each vector. Zero or
// non-finite vectors map to nil.
func normalise(embeddings [][]float32) ([][]float64, error) {
	if len(embeddings) == 0 {
		return nil, nil
	}
	dims := len(embeddings[0])
	units := make([][]float64, len(embeddings))
	for i, e := range embeddings {
		if len(e) != dims {
			return nil, fmt.Errorf("%w: item %d has %d, item 0 has %d", ErrDimensionMismatch, i, len(e), dims)
		}
		v := make([]float64, dims)
		for k, x := range e {
			v[k] = float64(x)
		}
		norm := floats.Norm(v, 2)
		if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
			continue
		}
		floats.Scale(1/norm, v)
		units[i] = v
	}
	return units, nil
}

func cosine(a, b []float64) float32 {
	if a == nil || b == nil {
		return 0
	}
	s := floats.Dot(a, b)
	switch {
	case math.IsNaN(s):
		return 0
	case s > 1:
		return 1
	case s < -1:
		return -1
	}
	return float32(s)
}
