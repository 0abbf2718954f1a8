package embeddings

import (
	"context"
	"fmt"
	"regexp"
	"strconv"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAIConfig configures an OpenAI-compatible embeddings API.
type OpenAIConfig struct {
	BaseURL   string
	Model     string
	APIKey    string
	Dimension int
}

// OpenAIProvider embeds through langchaingo's OpenAI client.
type OpenAIProvider struct {
	embedder  *lcembeddings.EmbedderImpl
	dimension int
}

// NewOpenAIProvider builds the langchaingo client and embedder.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: api key required for openai provider", ErrInvalidConfig)
	}
	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithEmbeddingModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}
	embedder, err := lcembeddings.NewEmbedder(llm, lcembeddings.WithStripNewLines(false))
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}

	dim := cfg.Dimension
	if dim <= 0 {
		dim = detectDimensionFromModel(cfg.Model)
	}
	return &OpenAIProvider{embedder: embedder, dimension: dim}, nil
}

func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	return vectors, nil
}

func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	v, err := p.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, classifyOpenAIError(err)
	}
	if len(v) == 0 {
		return nil, fmt.Errorf("%w: empty vector", ErrEmbeddingFailed)
	}
	return v, nil
}

func (p *OpenAIProvider) Dimension() int { return p.dimension }

func (p *OpenAIProvider) Close() error { return nil }

var statusCodePattern = regexp.MustCompile(`status code:? (\d{3})`)

// classifyOpenAIError lifts the HTTP status out of langchaingo's error text
// so the gateway can tell throttling from bad requests.
func classifyOpenAIError(err error) error {
	m := statusCodePattern.FindStringSubmatch(err.Error())
	if m == nil {
		return err
	}
	code, _ := strconv.Atoi(m[1])
	return &StatusError{StatusCode: code, Body: err.Error()}
}
