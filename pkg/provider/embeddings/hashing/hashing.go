// Package hashing provides an in-process embeddings provider that needs no
// model files or network access.
//
// Texts are mapped to vectors with the hashing trick: every lowercased word
// and every character n-gram of each word is hashed with xxhash into one of a
// fixed number of buckets, with the sign of the contribution taken from a
// second hash bit. The vector is L2 normalised. Two texts that share most
// words and most subword fragments therefore end up with a high cosine
// similarity, which is enough to catch reworded or re-punctuated posts.
//
// Output is a pure function of the text and the options, so runs are
// reproducible.
package hashing

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/MrWong99/contentid/pkg/provider/embeddings"
)

const (
	// DefaultDimensions is the number of hash buckets.
	DefaultDimensions = 512
	// DefaultNGram is the character n-gram length.
	DefaultNGram = 3
	// DefaultBatchSize matches the local-model batch size.
	DefaultBatchSize = 32
)

var (
	_ embeddings.Provider   = (*Provider)(nil)
	_ embeddings.BatchSizer = (*Provider)(nil)
)

// Provider is a deterministic feature-hashing embedder.
type Provider struct {
	dims      int
	ngram     int
	batchSize int
	seed      uint64
	seedBytes [8]byte
}

type config struct {
	dims      int
	ngram     int
	batchSize int
	seed      uint64
}

// Option is a functional option for Provider.
type Option func(*config)

// WithDimensions sets the vector length.
func WithDimensions(n int) Option {
	return func(c *config) { c.dims = n }
}

// WithNGram sets the character n-gram length. Zero disables n-gram features
// so only whole words are hashed.
func WithNGram(n int) Option {
	return func(c *config) { c.ngram = n }
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(c *config) { c.batchSize = n }
}

// WithSeed perturbs the hash so different seeds give unrelated spaces.
func WithSeed(seed uint64) Option {
	return func(c *config) { c.seed = seed }
}

// New returns a Provider.
func New(opts ...Option) (*Provider, error) {
	cfg := &config{dims: DefaultDimensions, ngram: DefaultNGram, batchSize: DefaultBatchSize}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.dims <= 0 {
		return nil, fmt.Errorf("hashing embeddings: dimensions must be positive, got %d", cfg.dims)
	}
	if cfg.ngram < 0 {
		return nil, fmt.Errorf("hashing embeddings: ngram must not be negative, got %d", cfg.ngram)
	}
	if cfg.batchSize <= 0 {
		return nil, fmt.Errorf("hashing embeddings: batch size must be positive, got %d", cfg.batchSize)
	}
	p := &Provider{dims: cfg.dims, ngram: cfg.ngram, batchSize: cfg.batchSize, seed: cfg.seed}
	for i := range p.seedBytes {
		p.seedBytes[i] = byte(cfg.seed >> (8 * i))
	}
	return p, nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("hashing embeddings: %w", err)
		}
		out[i] = p.vector(t)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.dims }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return fmt.Sprintf("hashing-%dd-%dg", p.dims, p.ngram)
}

// PreferredBatchSize implements embeddings.BatchSizer.
func (p *Provider) PreferredBatchSize() int { return p.batchSize }

// vector returns the normalised feature vector of text. Text without any
// letters or digits yields the zero vector.
func (p *Provider) vector(text string) []float32 {
	acc := make([]float64, p.dims)
	d := xxhash.New()
	var bounds []int
	for _, word := range words(text) {
		p.add(acc, d, "w:", word, 1)
		if p.ngram == 0 {
			continue
		}
		padded := "<" + word + ">"
		bounds = bounds[:0]
		for i := range padded {
			bounds = append(bounds, i)
		}
		if len(bounds) <= p.ngram {
			continue
		}
		bounds = append(bounds, len(padded))
		for i := 0; i+p.ngram < len(bounds); i++ {
			p.add(acc, d, "g:", padded[bounds[i]:bounds[i+p.ngram]], 0.5)
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	out := make([]float32, p.dims)
	if norm == 0 {
		return out
	}
	norm = math.Sqrt(norm)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out
}

// add hashes prefix+feature with d, which is reset first.
func (p *Provider) add(acc []float64, d *xxhash.Digest, prefix, feature string, weight float64) {
	d.Reset()
	if p.seed != 0 {
		_, _ = d.Write(p.seedBytes[:])
	}
	_, _ = d.WriteString(prefix)
	_, _ = d.WriteString(feature)
	h := d.Sum64()
	idx := h % uint64(p.dims)
	if h&(1<<63) != 0 {
		weight = -weight
	}
	acc[idx] += weight
}

func words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
