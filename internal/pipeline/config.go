package pipeline

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
)

// Defaults applied by [DefaultConfig].
const (
	DefaultSimilarityThreshold = 0.85
	DefaultMaxClusterSize      = 50
	DefaultSamplePercentage    = 100
	// DefaultMaxItems bounds the corpus after sampling. The packed score
	// matrix of 10000 items takes about 200 MB.
	DefaultMaxItems = 10000
	// MinSample is the smallest sample drawn when sampling is enabled.
	MinSample = 10
)

// Config controls one run.
type Config struct {
	// SimilarityThreshold is the minimum cosine similarity for a merge,
	// strictly between 0 and 1.
	SimilarityThreshold float64
	// MaxClusterSize caps the number of members of any cluster.
	MaxClusterSize int
	// SamplePercentage in (0, 100] selects the share of the corpus to
	// process. 100 disables sampling.
	SamplePercentage float64
	// EmbeddingBackend names a factory registered with [WithBackend].
	EmbeddingBackend string
	// UseGeneratedLabels enables delegated labeling of multi-member
	// clusters when a delegate is configured.
	UseGeneratedLabels bool
	// BatchSize overrides the provider's preferred embedding batch size.
	BatchSize int
	// MaxItems rejects corpora larger than this after sampling. Zero uses
	// DefaultMaxItems; negative disables the bound.
	MaxItems int
	// Seed makes sampling reproducible when non-zero.
	Seed uint64
}

// DefaultConfig returns a Config with the package defaults and the given
// backend.
func DefaultConfig(backend string) Config {
	return Config{
		SimilarityThreshold: DefaultSimilarityThreshold,
		MaxClusterSize:      DefaultMaxClusterSize,
		SamplePercentage:    DefaultSamplePercentage,
		EmbeddingBackend:    backend,
		MaxItems:            DefaultMaxItems,
	}
}

// Validate reports every problem with c. The returned error wraps
// [ErrInvalidConfig].
func (c Config) Validate() error {
	var errs []error
	if !(c.SimilarityThreshold > 0 && c.SimilarityThreshold < 1) {
		errs = append(errs, fmt.Errorf("similarity threshold %v must be in (0, 1)", c.SimilarityThreshold))
	}
	if c.MaxClusterSize < 1 {
		errs = append(errs, fmt.Errorf("max cluster size %d must be at least 1", c.MaxClusterSize))
	}
	if !(c.SamplePercentage > 0 && c.SamplePercentage <= 100) {
		errs = append(errs, fmt.Errorf("sample percentage %v must be in (0, 100]", c.SamplePercentage))
	}
	if c.EmbeddingBackend == "" {
		errs = append(errs, errors.New("embedding backend is required"))
	}
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch size %d must not be negative", c.BatchSize))
	}
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func (c Config) maxItems() int {
	if c.MaxItems == 0 {
		return DefaultMaxItems
	}
	return c.MaxItems
}

// SampleSize returns the number of items processed for a corpus of n items:
// max(MinSample, floor(n*p/100)), never more than n.
func SampleSize(n int, percentage float64) int {
	if percentage >= 100 {
		return n
	}
	k := int(math.Floor(float64(n) * percentage / 100))
	return min(n, max(MinSample, k))
}

// sample draws SampleSize items without replacement. Items keep their
// relative order.
func sample(corpus []string, c Config) []string {
	k := SampleSize(len(corpus), c.SamplePercentage)
	if k == len(corpus) {
		return corpus
	}
	var r *rand.Rand
	if c.Seed != 0 {
		r = rand.New(rand.NewPCG(c.Seed, c.Seed^0x9e3779b97f4a7c15))
	} else {
		r = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	// Selection sampling keeps the original order without a sort.
	out := make([]string, 0, k)
	need, left := k, len(corpus)
	for _, text := range corpus {
		if r.IntN(left) < need {
			out = append(out, text)
			need--
		}
		left--
		if need == 0 {
			break
		}
	}
	return out
}
