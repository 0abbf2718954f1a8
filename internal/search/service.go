package search

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/ranking"
	"github.com/fyrsmithlabs/corpusd/internal/retrieval"
	"github.com/fyrsmithlabs/corpusd/internal/synthesis"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/corpusd/internal/search")

const (
	// DefaultTopK is used when a request does not set top_k.
	DefaultTopK = 5
	// MaxTopK caps top_k.
	MaxTopK = 50
)

var (
	// ErrEmptyQuery rejects blank queries.
	ErrEmptyQuery = errors.New("query is required")
	// ErrClosed is returned by a Service after Close.
	ErrClosed = errors.New("search service closed")
)

// Searcher answers search requests.
type Searcher interface {
	Search(ctx context.Context, req Request) (Response, error)
}

// Request is one search.
type Request struct {
	TenantID tenant.ID
	Query    string
	TopK     int
	Validate bool
}

// Result is one ranked chunk returned to the caller.
type Result struct {
	DocumentID     string    `json:"document_id"`
	ChunkID        string    `json:"chunk_id"`
	TenantID       tenant.ID `json:"tenant_id"`
	Title          string    `json:"title"`
	SourceType     string    `json:"source_type,omitempty"`
	Text           string    `json:"text"`
	RawScore       float64   `json:"raw_score"`
	FreshnessScore float64   `json:"freshness_score"`
	RerankScore    float64   `json:"rerank_score"`
	FinalRank      int       `json:"final_rank"`
	Citation       int       `json:"citation,omitempty"` // [n] in the answer, 0 when not in context
	UpdatedAt      time.Time `json:"updated_at"`
}

// Latency is the per-stage breakdown in milliseconds.
type Latency struct {
	Embed     float64 `json:"embed_ms"`
	Dense     float64 `json:"dense_ms"`
	Sparse    float64 `json:"sparse_ms"`
	Retrieval float64 `json:"retrieval_ms"`
	Freshness float64 `json:"freshness_ms"`
	Rerank    float64 `json:"rerank_ms"`
	MMR       float64 `json:"mmr_ms"`
	Generate  float64 `json:"generate_ms"`
	Verify    float64 `json:"verify_ms"`
	Total     float64 `json:"total_ms"`
}

// Response is the search outcome.
type Response struct {
	Answer     string            `json:"answer"`
	Status     string            `json:"status"`
	Sources    []Result          `json:"sources"`
	Confidence float64           `json:"confidence"`
	NoMatches  bool              `json:"no_matches"`
	Degraded   []string          `json:"degraded"`
	Claims     []synthesis.Claim `json:"claims,omitempty"`
	Latency    Latency           `json:"latency_breakdown"`
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithCloser registers a release func run by Close, such as the
// reranker's.
func WithCloser(fn func() error) Option {
	return func(s *Service) {
		if fn != nil {
			s.closers = append(s.closers, fn)
		}
	}
}

// Service runs the search pipeline.
type Service struct {
	retriever   *retrieval.Retriever
	ranker      *ranking.Pipeline
	synthesizer *synthesis.Synthesizer
	logger      *zap.Logger
	closers     []func() error
	closed      atomic.Bool
}

// New creates a Service.
func New(r *retrieval.Retriever, p *ranking.Pipeline, s *synthesis.Synthesizer, opts ...Option) (*Service, error) {
	if r == nil || p == nil || s == nil {
		return nil, errors.New("search: retriever, ranker and synthesizer are required")
	}
	svc := &Service{retriever: r, ranker: p, synthesizer: s, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Close runs the registered closers. Later searches fail with ErrClosed.
func (s *Service) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Closed reports whether Close was called.
func (s *Service) Closed() bool {
	return s.closed.Load()
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func observe(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// Search answers req. It returns an error only when the tenant is missing,
// the query is blank, ctx ends, both retrieval paths fail, or generation
// failed with no fallback. An empty result set is a NoMatches response.
func (s *Service) Search(ctx context.Context, req Request) (Response, error) {
	if s.closed.Load() {
		return Response{}, ErrClosed
	}
	if err := req.TenantID.Validate(); err != nil {
		return Response{}, err
	}
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return Response{}, ErrEmptyQuery
	}
	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	topK = min(topK, MaxTopK)

	ctx = tenant.WithTenant(ctx, req.TenantID)
	ctx, span := tracer.Start(ctx, "search.Search")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", string(req.TenantID)), attribute.Int("top_k", topK))

	total := time.Now()
	resp := Response{Sources: []Result{}, Degraded: []string{}}

	start := time.Now()
	retrieved, err := s.retriever.Retrieve(ctx, req.TenantID, query, topK)
	retrievalTime := time.Since(start)
	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}
	resp.Latency.Embed = ms(retrieved.Embed)
	resp.Latency.Dense = ms(retrieved.Dense)
	resp.Latency.Sparse = ms(retrieved.Sparse)
	resp.Latency.Retrieval = ms(retrievalTime)
	observe("retrieval", retrievalTime)
	resp.Degraded = append(resp.Degraded, retrieved.Degraded...)

	if len(retrieved.Candidates) == 0 {
		return s.finish(req, resp, synthesis.StatusNoMatches, total), nil
	}

	byChunk := make(map[string]retrieval.Candidate, len(retrieved.Candidates))
	items := make([]ranking.Item, len(retrieved.Candidates))
	for i, c := range retrieved.Candidates {
		byChunk[c.ChunkID()] = c
		items[i] = ranking.Item{
			DocumentID: c.DocumentID,
			ChunkIndex: c.ChunkIndex,
			Text:       c.Text,
			Vector:     c.Vector,
			UpdatedAt:  c.UpdatedAt,
			BaseScore:  c.Score,
		}
	}

	ranked, err := s.ranker.Rank(ctx, query, items, topK)
	if err != nil {
		return Response{}, err
	}
	resp.Latency.Freshness = ms(ranked.Freshness)
	resp.Latency.Rerank = ms(ranked.Rerank)
	resp.Latency.MMR = ms(ranked.MMR)
	observe("freshness", ranked.Freshness)
	observe("rerank", ranked.Rerank)
	observe("mmr", ranked.MMR)
	resp.Degraded = append(resp.Degraded, ranked.Degraded...)

	passages := make([]synthesis.Passage, len(ranked.Items))
	for i, it := range ranked.Items {
		chunkID := retrieval.Candidate{DocumentID: it.DocumentID, ChunkIndex: it.ChunkIndex}.ChunkID()
		c := byChunk[chunkID]
		resp.Sources = append(resp.Sources, Result{
			DocumentID:     it.DocumentID,
			ChunkID:        chunkID,
			TenantID:       req.TenantID,
			Title:          c.Title,
			SourceType:     c.SourceType,
			Text:           it.Text,
			RawScore:       it.BaseScore,
			FreshnessScore: it.Freshness,
			RerankScore:    it.RerankScore,
			FinalRank:      it.Rank,
			UpdatedAt:      it.UpdatedAt,
		})
		passages[i] = synthesis.Passage{
			DocumentID: it.DocumentID,
			ChunkIndex: it.ChunkIndex,
			Title:      c.Title,
			Text:       it.Text,
			UpdatedAt:  it.UpdatedAt,
		}
	}

	ans, err := s.synthesizer.Synthesize(ctx, query, passages, req.Validate)
	if err != nil {
		span.RecordError(err)
		return Response{}, err
	}
	// Sources kept in context are a prefix of the ranked list.
	for i := range ans.Sources {
		resp.Sources[i].Citation = ans.Sources[i].Number
	}
	resp.Answer = ans.Text
	resp.Confidence = ans.Confidence
	resp.Claims = ans.Claims
	resp.Latency.Generate = ms(ans.Generate)
	resp.Latency.Verify = ms(ans.Verify)
	observe("generate", ans.Generate)
	observe("verify", ans.Verify)
	resp.Degraded = append(resp.Degraded, ans.Degraded...)
	span.SetAttributes(attribute.Float64("search.confidence", ans.Confidence))

	return s.finish(req, resp, ans.Status, total), nil
}

func (s *Service) finish(req Request, resp Response, status string, start time.Time) Response {
	resp.Status = status
	resp.NoMatches = status == synthesis.StatusNoMatches
	elapsed := time.Since(start)
	resp.Latency.Total = ms(elapsed)
	observe("total", elapsed)
	requests.WithLabelValues(status).Inc()
	for _, d := range resp.Degraded {
		degradations.WithLabelValues(d).Inc()
	}
	s.logger.Info("search completed",
		zap.String("tenant.id", string(req.TenantID)),
		zap.String("status", status),
		zap.Int("sources", len(resp.Sources)),
		zap.Float64("confidence", resp.Confidence),
		zap.Strings("degraded", resp.Degraded),
		zap.Duration("duration", elapsed))
	return resp
}
