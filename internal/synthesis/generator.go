package synthesis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Generator writes an answer to query from numbered sources, citing them
// as [n].
type Generator interface {
	Generate(ctx context.Context, query string, sources []Source) (string, error)
}

const promptTemplate = `You answer questions using only the numbered sources below.

Rules:
- Every sentence that states a fact must end with the number of the source that supports it, like [1] or [2, 3].
- Use only information found in the sources. Do not cite a source for anything it does not say.
- If the sources do not answer the question, reply exactly: "The available documents do not answer this question."

Sources:

%s
Question: %s

Answer:`

// BuildPrompt renders the generation prompt.
func BuildPrompt(query string, sources []Source) string {
	return fmt.Sprintf(promptTemplate, renderSources(sources), query)
}

// LLMGenerator asks a chat model for the answer.
type LLMGenerator struct {
	llm         llms.Model
	model       string
	temperature float64
	maxTokens   int
}

// NewLLMGenerator wraps an existing model.
func NewLLMGenerator(llm llms.Model, model string) *LLMGenerator {
	return &LLMGenerator{llm: llm, model: model, temperature: 0, maxTokens: 512}
}

// NewOpenAIGenerator connects to an OpenAI-compatible chat endpoint.
func NewOpenAIGenerator(cfg config.SynthesisConfig) (*LLMGenerator, error) {
	if cfg.Model == "" {
		return nil, errors.New("synthesis model is required")
	}
	opts := []openai.Option{openai.WithModel(cfg.Model)}
	if cfg.APIKey.IsSet() {
		opts = append(opts, openai.WithToken(cfg.APIKey.Value()))
	} else {
		// local OpenAI-compatible servers accept any token
		opts = append(opts, openai.WithToken("unused"))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating chat client: %w", err)
	}
	return NewLLMGenerator(llm, cfg.Model), nil
}

func (g *LLMGenerator) Generate(ctx context.Context, query string, sources []Source) (string, error) {
	if len(sources) == 0 {
		return "", ErrNoSources
	}
	out, err := llms.GenerateFromSinglePrompt(ctx, g.llm, BuildPrompt(query, sources),
		llms.WithTemperature(g.temperature),
		llms.WithMaxTokens(g.maxTokens))
	if err != nil {
		return "", &GenerationError{Model: g.model, Err: err}
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", &GenerationError{Model: g.model, Err: errors.New("empty completion")}
	}
	return out, nil
}

// ExtractiveGenerator answers by quoting the sentences that best match the
// query, each cited to its source. It needs no model.
type ExtractiveGenerator struct {
	MaxSentences int
	MaxRunes     int // per quoted sentence
}

// NewExtractiveGenerator returns an ExtractiveGenerator with defaults.
func NewExtractiveGenerator() *ExtractiveGenerator {
	return &ExtractiveGenerator{MaxSentences: 3, MaxRunes: 400}
}

type scoredSentence struct {
	text   string
	source int
	order  int
	score  float64
}

func (g *ExtractiveGenerator) Generate(ctx context.Context, query string, sources []Source) (string, error) {
	if len(sources) == 0 {
		return "", ErrNoSources
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	queryWords := contentWords(query)
	var cands []scoredSentence
	for _, s := range sources {
		for _, sentence := range splitSentences(s.Text) {
			sentence = truncateRunes(stripCitations(sentence), g.MaxRunes)
			if len(contentWords(sentence)) == 0 {
				continue
			}
			cands = append(cands, scoredSentence{
				text:   sentence,
				source: s.Number,
				order:  len(cands),
				score:  coverage(queryWords, contentWords(sentence)),
			})
		}
	}
	if len(cands) == 0 {
		return "", ErrNoSources
	}

	sort.SliceStable(cands, func(i, j int) bool {
		if cands[i].score != cands[j].score {
			return cands[i].score > cands[j].score
		}
		return cands[i].order < cands[j].order
	})

	var picked []scoredSentence
	for _, c := range cands {
		if len(picked) == g.MaxSentences {
			break
		}
		if c.score == 0 && len(picked) > 0 {
			break
		}
		picked = append(picked, c)
	}
	// read in source order
	sort.SliceStable(picked, func(i, j int) bool { return picked[i].order < picked[j].order })

	parts := make([]string, len(picked))
	for i, p := range picked {
		parts[i] = fmt.Sprintf("%s [%d].", strings.TrimRight(p.text, ".!? "), p.source)
	}
	return strings.Join(parts, " "), nil
}
