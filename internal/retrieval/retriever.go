// Package retrieval implements hybrid dense and sparse candidate retrieval
// for tenant search.
//
// A query is expanded with synonyms and acronyms, then sent both to the
// vector index (dense) and to the SQLite full-text index (sparse). Each
// list is min-max normalized and the two are fused by weight. Either side
// may fail alone; the result records which path was degraded.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/docstore"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/fyrsmithlabs/corpusd/internal/vectorindex"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const instrumentationName = "github.com/fyrsmithlabs/corpusd/internal/retrieval"

// Degradation markers recorded on a Result.
const (
	DegradedDense     = "dense_unavailable"
	DegradedSparse    = "sparse_unavailable"
	DegradedExpansion = "expansion_unavailable"
)

// Multiplier bounds for the initial candidate pool.
const (
	MinCandidateMultiplier     = 3
	MaxCandidateMultiplier     = 5
	DefaultCandidateMultiplier = 4
)

// ErrRetrieval is returned when neither dense nor sparse retrieval worked.
var ErrRetrieval = errors.New("retrieval failed")

// QueryEmbedder embeds search queries.
type QueryEmbedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// DocumentSource provides sparse search and the liveness of documents.
type DocumentSource interface {
	SearchChunks(ctx context.Context, tenantID tenant.ID, query string, limit int) ([]docstore.SparseHit, error)
	ActiveDocuments(ctx context.Context, tenantID tenant.ID, ids []string) (map[string]docstore.Document, error)
}

// ExpanderSource yields the current query expander.
type ExpanderSource interface {
	Current(ctx context.Context) (*Expander, error)
}

// TermResolver maps query terms to canonical entity names.
type TermResolver interface {
	Canonicalize(ctx context.Context, tenantID tenant.ID, terms []string) ([]string, error)
}

// Config weights the fused score.
type Config struct {
	DenseWeight         float64
	SparseWeight        float64
	CandidateMultiplier int
}

// ConfigFrom maps loaded configuration onto a Config.
func ConfigFrom(c config.RetrievalConfig) Config {
	return Config{
		DenseWeight:         c.DenseWeight,
		SparseWeight:        c.SparseWeight,
		CandidateMultiplier: c.CandidateMultiplier,
	}
}

// Candidate is one fused chunk hit.
type Candidate struct {
	DocumentID  string
	ChunkIndex  int
	PointID     string
	Text        string
	Title       string
	SourceType  string
	UpdatedAt   time.Time
	DenseScore  float64 // normalized, 0 when absent from the dense list
	SparseScore float64 // normalized, 0 when absent from the sparse list
	Score       float64 // weighted fusion
	Vector      []float32
}

// ChunkID identifies the candidate's chunk within its tenant.
func (c Candidate) ChunkID() string {
	return c.DocumentID + "#" + strconv.Itoa(c.ChunkIndex)
}

// Result is the retriever output.
type Result struct {
	Query         string
	ExpandedQuery string
	Candidates    []Candidate
	Degraded      []string
	Embed         time.Duration
	Dense         time.Duration
	Sparse        time.Duration
}

// Retriever runs hybrid retrieval.
type Retriever struct {
	embedder  QueryEmbedder
	index     vectorindex.Index
	docs      DocumentSource
	expanders ExpanderSource
	resolver  TermResolver
	cfg       Config
	tracer    trace.Tracer
	logger    *zap.Logger
}

// Option configures a Retriever.
type Option func(*Retriever)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

// WithExpanders sets where the query expander comes from. Without it the
// built-in table is used.
func WithExpanders(src ExpanderSource) Option {
	return func(r *Retriever) { r.expanders = src }
}

// WithTermResolver adds canonical entity names to expanded queries.
func WithTermResolver(tr TermResolver) Option {
	return func(r *Retriever) { r.resolver = tr }
}

type staticExpander struct{ e *Expander }

func (s staticExpander) Current(context.Context) (*Expander, error) { return s.e, nil }

// New creates a Retriever.
func New(embedder QueryEmbedder, index vectorindex.Index, docs DocumentSource, cfg Config, opts ...Option) (*Retriever, error) {
	if embedder == nil || index == nil || docs == nil {
		return nil, errors.New("retriever requires an embedder, an index and a document source")
	}
	if cfg.DenseWeight < 0 || cfg.SparseWeight < 0 || cfg.DenseWeight+cfg.SparseWeight == 0 {
		return nil, fmt.Errorf("invalid fusion weights %.2f/%.2f", cfg.DenseWeight, cfg.SparseWeight)
	}
	cfg.CandidateMultiplier = clampMultiplier(cfg.CandidateMultiplier)

	r := &Retriever{
		embedder:  embedder,
		index:     index,
		docs:      docs,
		expanders: staticExpander{DefaultExpander()},
		cfg:       cfg,
		tracer:    otel.Tracer(instrumentationName),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func clampMultiplier(m int) int {
	switch {
	case m == 0:
		return DefaultCandidateMultiplier
	case m < MinCandidateMultiplier:
		return MinCandidateMultiplier
	case m > MaxCandidateMultiplier:
		return MaxCandidateMultiplier
	}
	return m
}

// InitialK returns how many candidates are fetched for a display count of topK.
func (r *Retriever) InitialK(topK int) int {
	if topK <= 0 {
		topK = 1
	}
	return topK * r.cfg.CandidateMultiplier
}

// Retrieve returns up to InitialK(topK) live candidates for query, best first.
// It fails only when the tenant is missing or both retrieval paths fail.
func (r *Retriever) Retrieve(ctx context.Context, tenantID tenant.ID, query string, topK int) (Result, error) {
	if err := tenantID.Validate(); err != nil {
		return Result{}, err
	}
	ctx, span := r.tracer.Start(ctx, "retrieval.Retrieve",
		trace.WithAttributes(attribute.String("tenant.id", string(tenantID))))
	defer span.End()

	res := Result{Query: query}
	res.ExpandedQuery = r.expand(ctx, tenantID, query, &res)
	k := r.InitialK(topK)

	var (
		dense     []vectorindex.Candidate
		sparse    []docstore.SparseHit
		denseErr  error
		sparseErr error
		g         errgroup.Group
	)
	g.Go(func() error {
		start := time.Now()
		vec, err := r.embedder.EmbedQuery(ctx, res.ExpandedQuery)
		res.Embed = time.Since(start)
		if err != nil {
			denseErr = fmt.Errorf("embedding query: %w", err)
			return nil
		}
		start = time.Now()
		dense, denseErr = r.index.Query(ctx, tenantID, vec, k, vectorindex.Filter{})
		res.Dense = time.Since(start)
		return nil
	})
	g.Go(func() error {
		start := time.Now()
		sparse, sparseErr = r.docs.SearchChunks(ctx, tenantID, res.ExpandedQuery, k)
		res.Sparse = time.Since(start)
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	switch {
	case denseErr != nil && sparseErr != nil:
		span.RecordError(denseErr)
		return Result{}, fmt.Errorf("%w: %w", ErrRetrieval, errors.Join(denseErr, sparseErr))
	case denseErr != nil:
		r.logger.Warn("dense retrieval failed, using sparse results only",
			zap.String("tenant.id", string(tenantID)), zap.Error(denseErr))
		res.Degraded = append(res.Degraded, DegradedDense)
	case sparseErr != nil:
		r.logger.Warn("sparse retrieval failed, using dense results only",
			zap.String("tenant.id", string(tenantID)), zap.Error(sparseErr))
		res.Degraded = append(res.Degraded, DegradedSparse)
	}

	fused := fuse(dense, sparse, r.cfg.DenseWeight, r.cfg.SparseWeight)
	live, err := r.dropDead(ctx, tenantID, fused)
	if err != nil {
		return Result{}, err
	}
	if len(live) > k {
		live = live[:k]
	}
	res.Candidates = live
	span.SetAttributes(
		attribute.Int("retrieval.dense", len(dense)),
		attribute.Int("retrieval.sparse", len(sparse)),
		attribute.Int("retrieval.candidates", len(live)))
	return res, nil
}

// expand applies synonym expansion and, when configured, entity names.
// Failures only lose the extra terms.
func (r *Retriever) expand(ctx context.Context, tenantID tenant.ID, query string, res *Result) string {
	e, err := r.expanders.Current(ctx)
	if err != nil {
		r.logger.Warn("query expander unavailable", zap.Error(err))
		res.Degraded = append(res.Degraded, DegradedExpansion)
		e = DefaultExpander()
	}
	expanded := e.Expand(query)
	if r.resolver == nil {
		return expanded
	}
	names, err := r.resolver.Canonicalize(ctx, tenantID, wordPattern.FindAllString(query, -1))
	if err != nil {
		r.logger.Debug("entity resolution failed", zap.Error(err))
		return expanded
	}
	for _, n := range names {
		if !containsFold(expanded, n) {
			expanded += " " + n
		}
	}
	return expanded
}

// dropDead removes candidates whose document is unknown or deleted, and
// takes titles and timestamps from the document store.
func (r *Retriever) dropDead(ctx context.Context, tenantID tenant.ID, cands []Candidate) ([]Candidate, error) {
	if len(cands) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{})
	var ids []string
	for _, c := range cands {
		if _, ok := seen[c.DocumentID]; !ok {
			seen[c.DocumentID] = struct{}{}
			ids = append(ids, c.DocumentID)
		}
	}
	docs, err := r.docs.ActiveDocuments(ctx, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("checking candidate documents: %w", err)
	}
	out := cands[:0]
	for _, c := range cands {
		d, ok := docs[c.DocumentID]
		if !ok {
			continue
		}
		c.Title = d.Title
		c.SourceType = d.SourceType
		c.UpdatedAt = d.UpdatedAt
		out = append(out, c)
	}
	if dropped := len(cands) - len(out); dropped > 0 {
		r.logger.Debug("dropped candidates of deleted documents",
			zap.String("tenant.id", string(tenantID)), zap.Int("dropped", dropped))
	}
	return out, nil
}

// fuse min-max normalizes each list and combines them by weight. Chunks are
// matched across lists by document and chunk index. Output is sorted by
// fused score, then document ID, then chunk index.
func fuse(dense []vectorindex.Candidate, sparse []docstore.SparseHit, wDense, wSparse float64) []Candidate {
	byChunk := make(map[string]*Candidate)
	var order []*Candidate
	get := func(docID string, idx int) (*Candidate, bool) {
		key := docID + "#" + strconv.Itoa(idx)
		if c, ok := byChunk[key]; ok {
			return c, true
		}
		c := &Candidate{DocumentID: docID, ChunkIndex: idx}
		byChunk[key] = c
		order = append(order, c)
		return c, false
	}

	denseScores := make([]float64, len(dense))
	for i, d := range dense {
		denseScores[i] = float64(d.Score)
	}
	denseNorm := minMax(denseScores)
	for i, d := range dense {
		c, _ := get(d.DocumentID, d.ChunkIndex)
		c.PointID = d.PointID
		c.Text = d.Text
		c.Title = d.Title
		c.SourceType = d.SourceType
		c.UpdatedAt = d.UpdatedAt
		c.Vector = d.Vector
		if denseNorm[i] > c.DenseScore {
			c.DenseScore = denseNorm[i]
		}
	}

	sparseScores := make([]float64, len(sparse))
	for i, s := range sparse {
		sparseScores[i] = s.Score
	}
	sparseNorm := minMax(sparseScores)
	for i, s := range sparse {
		c, existed := get(s.DocumentID, s.ChunkIndex)
		if !existed {
			c.PointID = s.PointID
			c.Text = s.Text
			c.Title = s.Title
			c.SourceType = s.SourceType
			c.UpdatedAt = s.UpdatedAt
		}
		if sparseNorm[i] > c.SparseScore {
			c.SparseScore = sparseNorm[i]
		}
	}

	total := wDense + wSparse
	out := make([]Candidate, 0, len(order))
	for _, c := range order {
		c.Score = (wDense*c.DenseScore + wSparse*c.SparseScore) / total
		out = append(out, *c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].DocumentID != out[j].DocumentID {
			return out[i].DocumentID < out[j].DocumentID
		}
		return out[i].ChunkIndex < out[j].ChunkIndex
	})
	return out
}

// minMax scales scores to [0, 1]. A list whose scores are all equal maps
// to 1 so a single hit still counts fully.
func minMax(scores []float64) []float64 {
	out := make([]float64, len(scores))
	if len(scores) == 0 {
		return out
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		lo = min(lo, s)
		hi = max(hi, s)
	}
	for i, s := range scores {
		if hi == lo {
			out[i] = 1
			continue
		}
		out[i] = (s - lo) / (hi - lo)
	}
	return out
}

func containsFold(haystack, needle string) bool {
	h := normalizePhrase(haystack)
	n := normalizePhrase(needle)
	return n != "" && hasWord(h, n)
}

func hasWord(h, n string) bool {
	for i := 0; i+len(n) <= len(h); i++ {
		if h[i:i+len(n)] != n {
			continue
		}
		before := i == 0 || h[i-1] == ' '
		after := i+len(n) == len(h) || h[i+len(n)] == ' '
		if before && after {
			return true
		}
	}
	return false
}
