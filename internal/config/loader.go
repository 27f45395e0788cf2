package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists the built-in provider names per kind. [Validate]
// warns about names outside this list, since custom factories may be
// registered.
var ValidProviderNames = map[string][]string{
	"embeddings": {"openai", "ollama", "hashing"},
	"labeler":    {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads, defaults and validates the YAML file at path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes YAML from r, applies defaults and validates the
// result. Unknown keys are rejected. An empty document decodes to the
// defaults before validation.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg and returns every problem joined into one error.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	errs = append(errs, validateEntries("embeddings", cfg.Providers.Embeddings)...)
	errs = append(errs, validateEntries("labeler", cfg.Providers.Labeler)...)

	c := cfg.Clustering
	if !(c.SimilarityThreshold > 0 && c.SimilarityThreshold < 1) {
		errs = append(errs, fmt.Errorf("clustering.similarity_threshold %v must be in (0, 1)", c.SimilarityThreshold))
	}
	if c.MaxClusterSize < 1 {
		errs = append(errs, fmt.Errorf("clustering.max_cluster_size %d must be at least 1", c.MaxClusterSize))
	}
	if !(c.SamplePercentage > 0 && c.SamplePercentage <= 100) {
		errs = append(errs, fmt.Errorf("clustering.sample_percentage %v must be in (0, 100]", c.SamplePercentage))
	}
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("clustering.batch_size %d must not be negative", c.BatchSize))
	}
	if c.LabelConcurrency < 0 {
		errs = append(errs, fmt.Errorf("clustering.label_concurrency %d must not be negative", c.LabelConcurrency))
	}
	if c.LabelTimeout < 0 {
		errs = append(errs, fmt.Errorf("clustering.label_timeout %v must not be negative", c.LabelTimeout))
	}

	if len(cfg.Providers.Embeddings) == 0 {
		errs = append(errs, errors.New("providers.embeddings needs at least one entry"))
	} else if c.EmbeddingBackend != "" && !slices.ContainsFunc(cfg.Providers.Embeddings, func(e ProviderEntry) bool {
		return e.Key() == c.EmbeddingBackend
	}) {
		errs = append(errs, fmt.Errorf("clustering.embedding_backend %q does not match any providers.embeddings entry", c.EmbeddingBackend))
	}

	if c.UseGeneratedLabels && len(cfg.Providers.Labeler) == 0 {
		slog.Warn("clustering.use_generated_labels is set but providers.labeler is empty; keyword labels will be used")
	}

	return errors.Join(errs...)
}

func validateEntries(kind string, entries []ProviderEntry) []error {
	var errs []error
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		prefix := fmt.Sprintf("providers.%s[%d]", kind, i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Key()]; ok {
			errs = append(errs, fmt.Errorf("%s: id %q is a duplicate of providers.%s[%d]; set id to tell them apart", prefix, e.Key(), kind, prev))
		}
		seen[e.Key()] = i
		warnUnknownName(kind, e.Name)
	}
	return errs
}

func warnUnknownName(kind, name string) {
	if slices.Contains(ValidProviderNames[kind], name) {
		return
	}
	slog.Warn("unknown provider name; a custom factory must be registered for it",
		"kind", kind,
		"name", name,
		"known", ValidProviderNames[kind],
	)
}
