// Package config provides the configuration schema, loader and provider
// registry for contentid.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure, loaded with [Load] or
// [LoadFromReader].
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Providers  ProvidersConfig  `yaml:"providers"`
	Clustering ClusteringConfig `yaml:"clustering"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	LogLevel LogLevel `yaml:"log_level"`

	// MetricsAddr, when set, starts an HTTP listener serving /metrics
	// (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`
}

// ProvidersConfig lists the backends available to a run.
type ProvidersConfig struct {
	// Embeddings are the selectable embedding backends. A run uses the entry
	// whose Key matches clustering.embedding_backend.
	Embeddings []ProviderEntry `yaml:"embeddings"`

	// Labeler are completion models for generated labels. The first entry is
	// the primary; later entries are tried in order when it fails.
	Labeler []ProviderEntry `yaml:"labeler"`
}

// ProviderEntry is the configuration block shared by all provider kinds.
// Name selects the constructor in the [Registry].
type ProviderEntry struct {
	// ID distinguishes entries that share a Name. Defaults to Name.
	ID string `yaml:"id"`

	// Name selects the registered implementation (e.g. "openai", "ollama").
	Name string `yaml:"name"`

	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// Options holds provider-specific values such as "dimensions",
	// "batch_size" or "timeout".
	Options map[string]any `yaml:"options"`
}

// Key returns ID, or Name when ID is empty.
func (e ProviderEntry) Key() string {
	if e.ID != "" {
		return e.ID
	}
	return e.Name
}

// ClusteringConfig holds the run parameters. Zero values are replaced by
// [ApplyDefaults].
type ClusteringConfig struct {
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxClusterSize      int     `yaml:"max_cluster_size"`
	SamplePercentage    float64 `yaml:"sample_percentage"`

	// EmbeddingBackend is the Key of a providers.embeddings entry. Defaults
	// to the first entry.
	EmbeddingBackend string `yaml:"embedding_backend"`

	UseGeneratedLabels bool `yaml:"use_generated_labels"`

	// BatchSize overrides the backend's preferred batch size.
	BatchSize int `yaml:"batch_size"`

	// MaxItems bounds the corpus after sampling. Negative disables the bound.
	MaxItems int `yaml:"max_items"`

	// Seed makes sampling reproducible when non-zero.
	Seed uint64 `yaml:"seed"`

	// LabelConcurrency is the number of labeler calls in flight.
	LabelConcurrency int `yaml:"label_concurrency"`

	// LabelTimeout bounds each labeler call (e.g. "10s").
	LabelTimeout time.Duration `yaml:"label_timeout"`
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultSimilarityThreshold = 0.85
	DefaultMaxClusterSize      = 50
	DefaultSamplePercentage    = 100
	DefaultMaxItems            = 10000
	DefaultLabelConcurrency    = 4
	DefaultLabelTimeout        = 30 * time.Second
)

// ApplyDefaults fills unset fields of cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	c := &cfg.Clustering
	if c.SimilarityThreshold == 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.MaxClusterSize == 0 {
		c.MaxClusterSize = DefaultMaxClusterSize
	}
	if c.SamplePercentage == 0 {
		c.SamplePercentage = DefaultSamplePercentage
	}
	if c.MaxItems == 0 {
		c.MaxItems = DefaultMaxItems
	}
	if c.LabelConcurrency == 0 {
		c.LabelConcurrency = DefaultLabelConcurrency
	}
	if c.LabelTimeout == 0 {
		c.LabelTimeout = DefaultLabelTimeout
	}
	if c.EmbeddingBackend == "" && len(cfg.Providers.Embeddings) > 0 {
		c.EmbeddingBackend = cfg.Providers.Embeddings[0].Key()
	}
}
