package ranking

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/reranker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/corpusd/internal/ranking"

// DegradedRerank marks output ranked without the cross-encoder.
const DegradedRerank = "reranker_unavailable"

// Item is one candidate moving through the pipeline.
type Item struct {
	DocumentID string
	ChunkIndex int
	Text       string
	Vector     []float32
	UpdatedAt  time.Time

	BaseScore   float64 // retrieval score
	Freshness   float64 // recency multiplier
	Adjusted    float64 // BaseScore * Freshness
	RerankScore float64 // cross-encoder score, 0 when not reranked
	Reranked    bool
	Relevance   float64 // what MMR maximizes
	Rank        int     // 1-based final position
}

// Output is the ranked selection with per-stage timings.
type Output struct {
	Items     []Item
	Degraded  []string
	Freshness time.Duration
	Rerank    time.Duration
	MMR       time.Duration
}

// Config tunes the pipeline.
type Config struct {
	Freshness Freshness
	// Lambda is the MMR relevance weight. Nil means DefaultLambda; zero
	// selects for novelty alone.
	Lambda *float64
}

// ConfigFrom maps loaded configuration onto a Config.
func ConfigFrom(c config.RankingConfig) Config {
	lambda := c.MMRLambda
	return Config{
		Freshness: Freshness{
			Min:     c.FreshnessMin,
			Max:     c.FreshnessMax,
			Horizon: c.FreshnessHorizon.Duration(),
			Now:     time.Now,
		},
		Lambda: &lambda,
	}
}

// Pipeline runs freshness, rerank and MMR, strictly in that order.
type Pipeline struct {
	cfg      Config
	reranker reranker.Reranker
	tracer   trace.Tracer
	logger   *zap.Logger
}

// NewPipeline creates a pipeline. A nil reranker skips that stage.
func NewPipeline(cfg Config, rr reranker.Reranker, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Freshness.Max == 0 {
		cfg.Freshness = DefaultFreshness()
	}
	return &Pipeline{cfg: cfg, reranker: rr, tracer: otel.Tracer(instrumentationName), logger: logger}
}

// Rank orders items for query and returns the top k. Cancellation is
// checked between stages. A failing reranker falls back to the
// freshness-adjusted order and is reported in Output.Degraded.
func (p *Pipeline) Rank(ctx context.Context, query string, items []Item, k int) (Output, error) {
	ctx, span := p.tracer.Start(ctx, "ranking.Rank",
		trace.WithAttributes(attribute.Int("ranking.items", len(items))))
	defer span.End()

	var out Output
	ranked := make([]Item, len(items))
	copy(ranked, items)

	// freshness
	start := time.Now()
	for i := range ranked {
		ranked[i].Freshness = p.cfg.Freshness.Factor(ranked[i].UpdatedAt)
		ranked[i].Adjusted = ranked[i].BaseScore * ranked[i].Freshness
		ranked[i].Relevance = ranked[i].Adjusted
	}
	sortBy(ranked, func(it Item) float64 { return it.Adjusted })
	out.Freshness = time.Since(start)
	if err := ctx.Err(); err != nil {
		return Output{}, err
	}

	// rerank
	if p.reranker != nil && len(ranked) > 0 {
		start = time.Now()
		if err := p.rerank(ctx, query, ranked); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return Output{}, ctxErr
			}
			p.logger.Warn("reranker failed, keeping freshness order", zap.Error(err))
			out.Degraded = append(out.Degraded, DegradedRerank)
		} else {
			sortBy(ranked, func(it Item) float64 { return it.Relevance })
		}
		out.Rerank = time.Since(start)
		if err := ctx.Err(); err != nil {
			return Output{}, err
		}
	}

	// diversity
	start = time.Now()
	lambda := DefaultLambda
	if p.cfg.Lambda != nil {
		lambda = *p.cfg.Lambda
	}
	selected := MMR(ranked, k, lambda)
	for i := range selected {
		selected[i].Rank = i + 1
	}
	out.MMR = time.Since(start)
	out.Items = selected
	return out, nil
}

func (p *Pipeline) rerank(ctx context.Context, query string, items []Item) error {
	docs := make([]reranker.Document, len(items))
	for i, it := range items {
		docs[i] = reranker.Document{ID: it.DocumentID, Content: it.Text}
	}
	scored, err := p.reranker.Rerank(ctx, query, docs, 0)
	if err != nil {
		return err
	}
	if len(scored) != len(items) {
		return errors.New("reranker dropped documents")
	}
	for _, s := range scored {
		if s.OriginalRank < 0 || s.OriginalRank >= len(items) {
			return errors.New("reranker returned an unknown document")
		}
	}
	for _, s := range scored {
		it := &items[s.OriginalRank]
		it.RerankScore = float64(s.RerankerScore)
		it.Reranked = true
		it.Relevance = it.RerankScore * it.Freshness
	}
	return nil
}

// sortBy orders items by score descending, then DocumentID and ChunkIndex.
func sortBy(items []Item, score func(Item) float64) {
	sort.SliceStable(items, func(i, j int) bool {
		si, sj := score(items[i]), score(items[j])
		if si != sj {
			return si > sj
		}
		return before(items[i], items[j])
	})
}
