package embeddings

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/corpusd/internal/config"
)

// Provider generates embeddings. Implementations must be safe for concurrent use.
type Provider interface {
	// EmbedDocuments embeds passages, one vector per input in order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the vector length for the configured model.
	Dimension() int
	// Close releases resources held by the provider.
	Close() error
}

// detectDimensionFromModel guesses the vector length from a model name.
func detectDimensionFromModel(model string) int {
	if dim, ok := fastEmbedModelDimension(model); ok {
		return dim
	}
	m := strings.ToLower(model)
	switch {
	case strings.Contains(m, "text-embedding-3-large"):
		return 3072
	case strings.Contains(m, "text-embedding-3-small"), strings.Contains(m, "ada-002"):
		return 1536
	case strings.Contains(m, "base"):
		return 768
	case strings.Contains(m, "large"):
		return 1024
	default:
		return 384
	}
}

// NewProvider builds the provider named in cfg. A configured dimension wins
// over the one inferred from the model name.
func NewProvider(cfg config.EmbeddingsConfig) (Provider, error) {
	dim := cfg.Dimension
	if dim <= 0 {
		dim = detectDimensionFromModel(cfg.Model)
	}

	var (
		p   Provider
		err error
	)
	switch cfg.Provider {
	case "tei", "":
		p, err = NewTEIProvider(TEIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: dim,
			Timeout:   cfg.Timeout.Duration(),
		})
	case "openai":
		p, err = NewOpenAIProvider(OpenAIConfig{
			BaseURL:   cfg.BaseURL,
			Model:     cfg.Model,
			APIKey:    cfg.APIKey.Value(),
			Dimension: dim,
		})
	case "fastembed":
		p, err = NewFastEmbedProvider(FastEmbedConfig{
			Model:    cfg.Model,
			CacheDir: cfg.CacheDir,
		})
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
