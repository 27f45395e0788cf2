// Package openai provides a remote batch embeddings provider backed by the
// OpenAI embeddings API or any service that speaks the same protocol.
package openai

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"golang.org/x/time/rate"

	"github.com/MrWong99/contentid/pkg/provider/embeddings"
)

// DefaultModel is the default OpenAI embeddings model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Small

// DefaultBatchSize is the number of texts sent per request unless overridden.
const DefaultBatchSize = 100

var (
	_ embeddings.Provider   = (*Provider)(nil)
	_ embeddings.BatchSizer = (*Provider)(nil)
)

// Provider implements embeddings.Provider using the OpenAI API.
//
// Every EmbedBatch call waits on a token bucket before issuing its request, so
// a caller that embeds a large corpus batch by batch stays under the account's
// request quota.
type Provider struct {
	client    oai.Client
	model     string
	batchSize int
	limiter   *rate.Limiter
}

type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	maxRetries   int
	batchSize    int
	limit        rate.Limit
	burst        int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithMaxRetries sets how often the client retries a failed request. A
// negative value keeps the client default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// WithBatchSize overrides DefaultBatchSize.
func WithBatchSize(n int) Option {
	return func(c *config) {
		c.batchSize = n
	}
}

// WithRateLimit limits requests to perSecond with the given burst. A zero
// perSecond disables limiting.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(c *config) {
		c.limit = rate.Limit(perSecond)
		c.burst = burst
	}
}

// New constructs a new OpenAI embeddings Provider.
// If model is empty, DefaultModel is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai embeddings: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{maxRetries: -1, batchSize: DefaultBatchSize, limit: rate.Inf, burst: 1}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.batchSize <= 0 {
		return nil, fmt.Errorf("openai embeddings: batch size must be positive, got %d", cfg.batchSize)
	}
	if cfg.limit == 0 {
		cfg.limit = rate.Inf
	}
	if cfg.burst < 1 {
		cfg.burst = 1
	}

	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	return &Provider{
		client:    oai.NewClient(reqOpts...),
		model:     model,
		batchSize: cfg.batchSize,
		limiter:   rate.NewLimiter(cfg.limit, cfg.burst),
	}, nil
}

// EmbedBatch implements embeddings.Provider. The whole batch fails if the
// response is missing any vector.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("openai embeddings: rate limit wait: %w", err)
	}

	resp, err := p.client.Embeddings.New(ctx, oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai embeddings: embed batch: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embeddings: expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	result := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= len(texts) {
			return nil, fmt.Errorf("openai embeddings: unexpected index %d", e.Index)
		}
		if result[e.Index] != nil {
			return nil, fmt.Errorf("openai embeddings: duplicate index %d", e.Index)
		}
		result[e.Index] = float64ToFloat32(e.Embedding)
	}
	return result, nil
}

// PreferredBatchSize implements embeddings.BatchSizer.
func (p *Provider) PreferredBatchSize() int {
	return p.batchSize
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	return modelDimensions(p.model)
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// modelDimensions returns the embedding dimensions for known OpenAI models and
// 0 for anything else.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"), strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 0
	}
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
