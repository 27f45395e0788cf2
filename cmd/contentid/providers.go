package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/contentid/internal/config"
	"github.com/MrWong99/contentid/internal/label"
	"github.com/MrWong99/contentid/internal/observe"
	"github.com/MrWong99/contentid/internal/pipeline"
	"github.com/MrWong99/contentid/internal/resilience"
	"github.com/MrWong99/contentid/pkg/provider/embeddings"
	"github.com/MrWong99/contentid/pkg/provider/embeddings/hashing"
	ollamaembed "github.com/MrWong99/contentid/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/contentid/pkg/provider/embeddings/openai"
	"github.com/MrWong99/contentid/pkg/provider/llm"
	"github.com/MrWong99/contentid/pkg/provider/llm/anyllm"
	oaillm "github.com/MrWong99/contentid/pkg/provider/llm/openai"
)

// registerBuiltinProviders wires the provider packages shipped with contentid
// into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterEmbeddings("openai", func(e config.ProviderEntry) (embeddings.Provider, error) {
		opts := []oaembed.Option{}
		if e.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(e.BaseURL))
		}
		if org, err := e.OptString("organization", ""); err != nil {
			return nil, err
		} else if org != "" {
			opts = append(opts, oaembed.WithOrganization(org))
		}
		batch, err := e.OptInt("batch_size", 0)
		if err != nil {
			return nil, err
		}
		if batch > 0 {
			opts = append(opts, oaembed.WithBatchSize(batch))
		}
		rps, err := e.OptFloat("requests_per_second", 0)
		if err != nil {
			return nil, err
		}
		if rps > 0 {
			burst, err := e.OptInt("burst", 1)
			if err != nil {
				return nil, err
			}
			opts = append(opts, oaembed.WithRateLimit(rps, burst))
		}
		timeout, err := e.OptDuration("timeout", 0)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			opts = append(opts, oaembed.WithTimeout(timeout))
		}
		retries, err := e.OptInt("max_retries", -1)
		if err != nil {
			return nil, err
		}
		if retries >= 0 {
			opts = append(opts, oaembed.WithMaxRetries(retries))
		}
		p, err := oaembed.New(e.APIKey, e.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterEmbeddings("ollama", func(e config.ProviderEntry) (embeddings.Provider, error) {
		opts := []ollamaembed.Option{}
		dims, err := e.OptInt("dimensions", 0)
		if err != nil {
			return nil, err
		}
		if dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		batch, err := e.OptInt("batch_size", 0)
		if err != nil {
			return nil, err
		}
		if batch > 0 {
			opts = append(opts, ollamaembed.WithBatchSize(batch))
		}
		keepAlive, err := e.OptString("keep_alive", "")
		if err != nil {
			return nil, err
		}
		if keepAlive != "" {
			opts = append(opts, ollamaembed.WithKeepAlive(keepAlive))
		}
		timeout, err := e.OptDuration("timeout", 0)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			opts = append(opts, ollamaembed.WithTimeout(timeout))
		}
		p, err := ollamaembed.New(e.BaseURL, e.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterEmbeddings("hashing", func(e config.ProviderEntry) (embeddings.Provider, error) {
		opts := []hashing.Option{}
		for key, apply := range map[string]func(int) hashing.Option{
			"dimensions": hashing.WithDimensions,
			"ngram":      hashing.WithNGram,
			"batch_size": hashing.WithBatchSize,
		} {
			n, err := e.OptInt(key, 0)
			if err != nil {
				return nil, err
			}
			if n > 0 {
				opts = append(opts, apply(n))
			}
		}
		seed, err := e.OptInt("seed", 0)
		if err != nil {
			return nil, err
		}
		if seed != 0 {
			opts = append(opts, hashing.WithSeed(uint64(seed)))
		}
		p, err := hashing.New(opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterLLM("openai", func(e config.ProviderEntry) (llm.Provider, error) {
		opts := []oaillm.Option{}
		if e.BaseURL != "" {
			opts = append(opts, oaillm.WithBaseURL(e.BaseURL))
		}
		timeout, err := e.OptDuration("timeout", 0)
		if err != nil {
			return nil, err
		}
		if timeout > 0 {
			opts = append(opts, oaillm.WithTimeout(timeout))
		}
		p, err := oaillm.New(e.APIKey, e.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// The remaining vendors go through any-llm. Local servers (ollama,
	// llamacpp, llamafile) need only a base URL.
	for _, vendor := range anyllm.Supported {
		if vendor == "openai" {
			continue
		}
		reg.RegisterLLM(vendor, func(e config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if e.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(e.APIKey))
			}
			if e.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(e.BaseURL))
			}
			p, err := anyllm.New(vendor, e.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}
}

// buildPipeline registers every configured embeddings entry as a backend and,
// when generated labels are enabled, builds the labeler chain.
func buildPipeline(cfg *config.Config, reg *config.Registry, m *observe.Metrics) (*pipeline.Pipeline, error) {
	opts := []pipeline.Option{
		pipeline.WithMetrics(m),
		pipeline.WithLabelOptions(
			label.WithConcurrency(cfg.Clustering.LabelConcurrency),
			label.WithTimeout(cfg.Clustering.LabelTimeout),
		),
	}
	for _, entry := range cfg.Providers.Embeddings {
		opts = append(opts, pipeline.WithBackend(entry.Key(), func(context.Context) (embeddings.Provider, error) {
			return reg.CreateEmbeddings(entry)
		}))
	}

	if cfg.Clustering.UseGeneratedLabels && len(cfg.Providers.Labeler) > 0 {
		chain, err := buildLabeler(cfg.Providers.Labeler, reg)
		if err != nil {
			return nil, err
		}
		opts = append(opts, pipeline.WithDelegate(label.NewLLMDelegate(chain)))
	}
	return pipeline.New(opts...), nil
}

func buildLabeler(entries []config.ProviderEntry, reg *config.Registry) (*resilience.LLMFallback, error) {
	fbCfg := resilience.FallbackConfig{CircuitBreaker: resilience.CircuitBreakerConfig{
		MaxFailures:  3,
		ResetTimeout: time.Minute,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("labeler circuit breaker changed state", "provider", name, "from", from, "to", to)
		},
	}}
	var chain *resilience.LLMFallback
	for i, e := range entries {
		p, err := reg.CreateLLM(e)
		if err != nil {
			return nil, fmt.Errorf("create labeler %q: %w", e.Key(), err)
		}
		if i == 0 {
			chain = resilience.NewLLMFallback(p, e.Key(), fbCfg)
			continue
		}
		chain.AddFallback(e.Key(), p)
	}
	slog.Info("labeler configured", "providers", chain.Names())
	return chain, nil
}

// pipelineConfig maps the clustering block onto a run configuration.
func pipelineConfig(cfg *config.Config) pipeline.Config {
	c := cfg.Clustering
	return pipeline.Config{
		SimilarityThreshold: c.SimilarityThreshold,
		MaxClusterSize:      c.MaxClusterSize,
		SamplePercentage:    c.SamplePercentage,
		EmbeddingBackend:    c.EmbeddingBackend,
		UseGeneratedLabels:  c.UseGeneratedLabels,
		BatchSize:           c.BatchSize,
		MaxItems:            c.MaxItems,
		Seed:                c.Seed,
	}
}
