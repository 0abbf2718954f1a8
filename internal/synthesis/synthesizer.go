package synthesis

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/corpusd/internal/synthesis"

// Answer statuses.
const (
	StatusVerified     = "verified"      // every claim verified
	StatusPartial      = "partial"       // some claims verified
	StatusUnsupported  = "unsupported"   // no claim verified
	StatusUnverified   = "unverified"    // verifier unavailable
	StatusNotValidated = "not_validated" // verification not requested
	StatusNoMatches    = "no_matches"    // nothing to answer from
)

// DegradedGeneration marks an answer written by the extractive fallback
// after the LLM failed.
const DegradedGeneration = "generation_unavailable"

// DefaultMaxContextTokens bounds the context window.
const DefaultMaxContextTokens = 3000

// Answer is the synthesized response.
type Answer struct {
	Text       string
	Status     string
	Confidence float64
	Sources    []Source
	Claims     []Claim
	Dropped    int // passages that did not fit the budget
	Degraded   []string
	Generate   time.Duration
	Verify     time.Duration
}

// Config tunes the Synthesizer.
type Config struct {
	MaxContextTokens int
}

// Synthesizer generates and verifies answers.
type Synthesizer struct {
	cfg       Config
	generator Generator
	fallback  Generator
	verifier  Verifier
	tracer    trace.Tracer
	logger    *zap.Logger
}

// Option configures a Synthesizer.
type Option func(*Synthesizer)

// WithFallback sets the generator used when the primary one fails.
func WithFallback(g Generator) Option {
	return func(s *Synthesizer) { s.fallback = g }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Synthesizer) { s.logger = l }
}

// New creates a Synthesizer.
func New(cfg Config, generator Generator, verifier Verifier, opts ...Option) *Synthesizer {
	if cfg.MaxContextTokens <= 0 {
		cfg.MaxContextTokens = DefaultMaxContextTokens
	}
	if generator == nil {
		generator = NewExtractiveGenerator()
	}
	if verifier == nil {
		verifier = NewOverlapVerifier(DefaultVerifyThreshold)
	}
	s := &Synthesizer{
		cfg:       cfg,
		generator: generator,
		verifier:  verifier,
		tracer:    otel.Tracer(instrumentationName),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig builds the generator chosen by configuration. An openai
// generator falls back to extractive answers when the model fails.
func NewFromConfig(cfg config.SynthesisConfig, logger *zap.Logger) (*Synthesizer, error) {
	verifier := NewOverlapVerifier(cfg.VerifyThreshold)
	c := Config{MaxContextTokens: cfg.MaxContextTokens}
	switch cfg.Provider {
	case "", "extractive":
		return New(c, NewExtractiveGenerator(), verifier, WithLogger(logger)), nil
	case "openai":
		gen, err := NewOpenAIGenerator(cfg)
		if err != nil {
			return nil, err
		}
		return New(c, gen, verifier, WithFallback(NewExtractiveGenerator()), WithLogger(logger)), nil
	default:
		return nil, errors.New("synthesis.provider must be openai or extractive")
	}
}

// Synthesize answers query from ranked passages. With validate set, each
// claim is verified; a verifier error yields StatusUnverified with zero
// confidence instead of an error. Generation errors are returned only when
// no fallback generator succeeded.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, passages []Passage, validate bool) (Answer, error) {
	ctx, span := s.tracer.Start(ctx, "synthesis.Synthesize",
		trace.WithAttributes(attribute.Int("synthesis.passages", len(passages))))
	defer span.End()

	sources, dropped := SelectSources(passages, s.cfg.MaxContextTokens)
	ans := Answer{Sources: sources, Dropped: dropped}
	if len(sources) == 0 {
		ans.Status = StatusNoMatches
		return ans, nil
	}

	start := time.Now()
	text, err := s.generator.Generate(ctx, query, sources)
	if err != nil && s.fallback != nil && ctx.Err() == nil {
		s.logger.Warn("answer generation failed, using extractive fallback", zap.Error(err))
		ans.Degraded = append(ans.Degraded, DegradedGeneration)
		text, err = s.fallback.Generate(ctx, query, sources)
	}
	ans.Generate = time.Since(start)
	if err != nil {
		span.RecordError(err)
		return Answer{}, err
	}
	ans.Text = text

	if !validate {
		ans.Status = StatusNotValidated
		return ans, nil
	}

	start = time.Now()
	v, err := s.verifier.Verify(ctx, text, sources)
	ans.Verify = time.Since(start)
	if err != nil {
		s.logger.Warn("verification unavailable, returning unverified answer", zap.Error(err))
		ans.Status = StatusUnverified
		ans.Confidence = 0
		return ans, nil
	}
	ans.Claims = v.Claims
	ans.Confidence = v.Confidence
	switch {
	case len(v.Claims) > 0 && v.Confidence == 1:
		ans.Status = StatusVerified
	case v.Confidence > 0:
		ans.Status = StatusPartial
	default:
		ans.Status = StatusUnsupported
	}
	span.SetAttributes(attribute.Float64("synthesis.confidence", ans.Confidence))
	return ans, nil
}
