package ingest

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/cache"
	"github.com/fyrsmithlabs/corpusd/internal/chunking"
	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/docstore"
	"github.com/fyrsmithlabs/corpusd/internal/events"
	"github.com/fyrsmithlabs/corpusd/internal/statestore"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/fyrsmithlabs/corpusd/internal/vectorindex"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/corpusd/internal/ingest")

// DefaultWorkers bounds concurrent documents per run.
const DefaultWorkers = 4

// JobKind labels embedding runs in the progress store.
const JobKind = "embed"

// maxStaleAttempts bounds how often one document is re-read and embedded
// again when its text keeps changing underneath a run.
const maxStaleAttempts = 3

// Embedder produces passage vectors in input order.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Documents is the part of the document store a run needs.
type Documents interface {
	PutDocument(ctx context.Context, d docstore.Document) error
	GetDocument(ctx context.Context, tenantID tenant.ID, id string) (docstore.Document, error)
	ListBacklog(ctx context.Context, tenantID tenant.ID, limit int) ([]docstore.Document, error)
	ListActive(ctx context.Context, tenantID tenant.ID) ([]docstore.Document, error)
	Chunks(ctx context.Context, tenantID tenant.ID, documentID string) ([]docstore.StoredChunk, error)
	ReplaceChunks(ctx context.Context, tenantID tenant.ID, documentID, contentHash string, chunks []chunking.Chunk, embeddedAt time.Time) error
	MarkDeleted(ctx context.Context, tenantID tenant.ID, ids []string) (int, error)
}

// Failure records why one document could not be embedded.
type Failure struct {
	DocumentID string `json:"document_id"`
	Error      string `json:"error"`
}

// Report summarizes an embedding run.
type Report struct {
	JobID    string    `json:"job_id"`
	Embedded int       `json:"embedded"`
	Skipped  int       `json:"skipped"`
	Failed   int       `json:"failed"`
	Failures []Failure `json:"failures"`
}

// DeleteReport summarizes a deletion.
type DeleteReport struct {
	DeletedCount int `json:"deleted_count"`
}

// Config tunes a Service.
type Config struct {
	Workers int
}

// ConfigFrom maps application configuration.
func ConfigFrom(c config.IngestConfig) Config {
	return Config{Workers: c.Workers}
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

// WithProgress records run progress in the shared state store.
func WithProgress(p *statestore.ProgressTracker) Option {
	return func(s *Service) { s.progress = p }
}

// WithBus publishes job lifecycle events.
func WithBus(b events.Bus) Option {
	return func(s *Service) { s.bus = b }
}

// Service runs embedding and deletion for tenants.
type Service struct {
	docs     Documents
	index    vectorindex.Index
	embedder Embedder
	chunker  *chunking.Chunker
	locks    *cache.KeyedMutex
	workers  int
	progress *statestore.ProgressTracker
	bus      events.Bus
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a Service.
func New(docs Documents, index vectorindex.Index, embedder Embedder, chunker *chunking.Chunker, cfg Config, opts ...Option) (*Service, error) {
	if docs == nil || index == nil || embedder == nil || chunker == nil {
		return nil, errors.New("ingest: documents, index, embedder and chunker are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	s := &Service{
		docs:     docs,
		index:    index,
		embedder: embedder,
		chunker:  chunker,
		locks:    cache.NewKeyedMutex(),
		workers:  cfg.Workers,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type outcome int

const (
	outcomeEmbedded outcome = iota
	outcomeSkipped
)

func lockKey(tenantID tenant.ID, documentID string) string {
	return string(tenantID) + "\x00" + documentID
}

// EmbedTenantDocuments embeds the tenant's backlog, or every live document
// when force is set. Per-document failures are reported, not returned; the
// error is non-nil only when the run could not start or ctx ended.
func (s *Service) EmbedTenantDocuments(ctx context.Context, tenantID tenant.ID, force bool) (Report, error) {
	if err := tenantID.Validate(); err != nil {
		return Report{}, err
	}
	ctx, span := tracer.Start(ctx, "Service.EmbedTenantDocuments")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", string(tenantID)), attribute.Bool("force", force))

	var (
		docs []docstore.Document
		err  error
	)
	if force {
		docs, err = s.docs.ListActive(ctx, tenantID)
	} else {
		docs, err = s.docs.ListBacklog(ctx, tenantID, 0)
	}
	if err != nil {
		return Report{}, fmt.Errorf("listing documents: %w", err)
	}
	return s.run(ctx, tenantID, docs, force)
}

func (s *Service) run(ctx context.Context, tenantID tenant.ID, docs []docstore.Document, force bool) (Report, error) {
	report := Report{JobID: uuid.NewString(), Failures: []Failure{}}
	logger := s.logger.With(
		zap.String("tenant.id", string(tenantID)),
		zap.String("job_id", report.JobID),
		zap.Bool("force", force))
	logger.Info("embedding run started", zap.Int("documents", len(docs)))
	start := s.now()

	var mu sync.Mutex
	s.track(ctx, tenantID, report, len(docs), statestore.StatusRunning, "started", "")

	var g errgroup.Group
	g.SetLimit(s.workers)
	for _, doc := range docs {
		g.Go(func() error {
			out, err := s.embedDocument(ctx, tenantID, doc.ID, force)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed++
				report.Failures = append(report.Failures, Failure{DocumentID: doc.ID, Error: err.Error()})
				documentsProcessed.WithLabelValues("failed").Inc()
				logger.Warn("document embedding failed", zap.String("document_id", doc.ID), zap.Error(err))
			case out == outcomeSkipped:
				report.Skipped++
				documentsProcessed.WithLabelValues("skipped").Inc()
			default:
				report.Embedded++
				documentsProcessed.WithLabelValues("embedded").Inc()
			}
			s.track(ctx, tenantID, report, len(docs), statestore.StatusRunning, "progress", "")
			return nil
		})
	}
	_ = g.Wait()

	slices.SortFunc(report.Failures, func(a, b Failure) int {
		return cmp.Compare(a.DocumentID, b.DocumentID)
	})

	if err := ctx.Err(); err != nil {
		s.track(context.WithoutCancel(ctx), tenantID, report, len(docs), statestore.StatusFailed, "failed", err.Error())
		return report, err
	}
	s.track(ctx, tenantID, report, len(docs), statestore.StatusCompleted, "completed", "")
	logger.Info("embedding run completed",
		zap.Int("embedded", report.Embedded),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed),
		zap.Duration("duration", s.now().Sub(start)))
	return report, nil
}

// track writes progress and publishes the job event. Both are best effort.
func (s *Service) track(ctx context.Context, tenantID tenant.ID, r Report, total int, status, event, errMsg string) {
	if s.progress != nil {
		err := s.progress.Update(ctx, statestore.Progress{
			TenantID: tenantID,
			JobID:    r.JobID,
			Kind:     JobKind,
			Status:   status,
			Total:    total,
			Embedded: r.Embedded,
			Skipped:  r.Skipped,
			Failed:   r.Failed,
			Error:    errMsg,
		})
		if err != nil {
			s.logger.Warn("progress update failed", zap.String("job_id", r.JobID), zap.Error(err))
		}
	}
	if s.bus != nil && event != "progress" {
		err := s.bus.Publish(ctx, events.JobSubject(tenantID, r.JobID, event), events.JobEvent{
			TenantID:  tenantID,
			JobID:     r.JobID,
			Status:    status,
			Total:     total,
			Embedded:  r.Embedded,
			Skipped:   r.Skipped,
			Failed:    r.Failed,
			Error:     errMsg,
			Timestamp: s.now().UTC(),
		})
		if err != nil {
			s.logger.Warn("job event publish failed", zap.String("job_id", r.JobID), zap.Error(err))
		}
	}
}

// embedDocument re-reads the document under its lock so a concurrent run or
// write is observed, then embeds it. Writers that bypass the lock are caught
// when the chunks are recorded; the document is then read and embedded again.
func (s *Service) embedDocument(ctx context.Context, tenantID tenant.ID, documentID string, force bool) (outcome, error) {
	unlock, err := s.locks.Lock(ctx, lockKey(tenantID, documentID))
	if err != nil {
		return 0, err
	}
	defer unlock()

	for attempt := 1; ; attempt++ {
		out, err := s.embedCurrent(ctx, tenantID, documentID, force)
		if !errors.Is(err, docstore.ErrStale) {
			return out, err
		}
		staleRetries.Inc()
		if attempt == maxStaleAttempts {
			return 0, fmt.Errorf("%w after %d attempts", err, attempt)
		}
		s.logger.Debug("document changed during embedding, retrying",
			zap.String("tenant.id", string(tenantID)),
			zap.String("document_id", documentID),
			zap.Int("attempt", attempt))
		// The write that made this attempt stale put the document back in
		// the backlog, so a non-forced retry still picks it up.
	}
}

// embedCurrent embeds the stored version of one document. The caller holds
// the document's lock.
func (s *Service) embedCurrent(ctx context.Context, tenantID tenant.ID, documentID string, force bool) (outcome, error) {
	doc, err := s.docs.GetDocument(ctx, tenantID, documentID)
	if errors.Is(err, docstore.ErrNotFound) {
		return outcomeSkipped, nil
	}
	if err != nil {
		return 0, err
	}
	if doc.DeletedAt != nil || (!force && !doc.InBacklog()) {
		return outcomeSkipped, nil
	}

	chunks := s.chunker.Split(tenantID, doc.ID, doc.Text)
	previous, err := s.docs.Chunks(ctx, tenantID, doc.ID)
	if err != nil {
		return 0, fmt.Errorf("loading previous chunks: %w", err)
	}

	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, c := range chunks {
			texts[i] = c.Text
		}
		vectors, err := s.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return 0, fmt.Errorf("embedding chunks: %w", err)
		}
		points := make([]vectorindex.Point, len(chunks))
		for i, c := range chunks {
			points[i] = vectorindex.Point{
				ID:          c.PointID,
				Vector:      vectors[i],
				DocumentID:  doc.ID,
				ChunkIndex:  c.Index,
				Fingerprint: c.Fingerprint,
				Text:        c.Text,
				Title:       doc.Title,
				SourceType:  doc.SourceType,
				UpdatedAt:   doc.UpdatedAt,
			}
		}
		if err := s.index.Upsert(ctx, tenantID, points); err != nil {
			return 0, err
		}
		chunksUpserted.Add(float64(len(points)))
	}

	if stale := stalePoints(previous, chunks); len(stale) > 0 {
		if err := s.index.DeletePoints(ctx, tenantID, stale); err != nil {
			return 0, fmt.Errorf("removing stale chunks: %w", err)
		}
	}

	err = s.docs.ReplaceChunks(ctx, tenantID, doc.ID, doc.ContentHash, chunks, s.now())
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		// Deleted between the read and the write.
		if _, derr := s.index.DeleteDocuments(ctx, tenantID, []string{doc.ID}); derr != nil {
			return 0, derr
		}
		return outcomeSkipped, nil
	case errors.Is(err, docstore.ErrStale):
		// The points just written belong to text that is no longer stored.
		if added := addedPoints(previous, chunks); len(added) > 0 {
			if derr := s.index.DeletePoints(ctx, tenantID, added); derr != nil {
				return 0, fmt.Errorf("removing points of outdated text: %w", derr)
			}
		}
		return 0, err
	case err != nil:
		return 0, fmt.Errorf("recording chunks: %w", err)
	}
	if len(chunks) == 0 {
		return outcomeSkipped, nil
	}
	return outcomeEmbedded, nil
}

// addedPoints returns the point IDs of current that previous did not have.
func addedPoints(previous []docstore.StoredChunk, current []chunking.Chunk) []string {
	had := make(map[string]struct{}, len(previous))
	for _, p := range previous {
		had[p.PointID] = struct{}{}
	}
	var added []string
	for _, c := range current {
		if _, ok := had[c.PointID]; !ok {
			added = append(added, c.PointID)
		}
	}
	return added
}

func stalePoints(previous []docstore.StoredChunk, current []chunking.Chunk) []string {
	keep := make(map[string]struct{}, len(current))
	for _, c := range current {
		keep[c.PointID] = struct{}{}
	}
	var stale []string
	for _, p := range previous {
		if _, ok := keep[p.PointID]; !ok {
			stale = append(stale, p.PointID)
		}
	}
	return stale
}

// DeleteDocumentEmbeddings removes the documents from search and their
// points from the index. DeletedCount is the number of live documents that
// were deleted; unknown and already deleted IDs are ignored.
func (s *Service) DeleteDocumentEmbeddings(ctx context.Context, tenantID tenant.ID, documentIDs []string) (DeleteReport, error) {
	if err := tenantID.Validate(); err != nil {
		return DeleteReport{}, err
	}
	ids := dedupe(documentIDs)
	if len(ids) == 0 {
		return DeleteReport{}, nil
	}

	ctx, span := tracer.Start(ctx, "Service.DeleteDocumentEmbeddings")
	defer span.End()
	span.SetAttributes(attribute.String("tenant.id", string(tenantID)), attribute.Int("document_count", len(ids)))

	// Sorted acquisition; a run holds at most one of these at a time.
	for _, id := range ids {
		unlock, err := s.locks.Lock(ctx, lockKey(tenantID, id))
		if err != nil {
			return DeleteReport{}, err
		}
		defer unlock()
	}

	deleted, err := s.docs.MarkDeleted(ctx, tenantID, ids)
	if err != nil {
		return DeleteReport{}, fmt.Errorf("marking documents deleted: %w", err)
	}
	points, err := s.index.DeleteDocuments(ctx, tenantID, ids)
	if err != nil {
		return DeleteReport{DeletedCount: deleted}, err
	}
	documentsDeleted.Add(float64(deleted))
	s.logger.Info("deleted document embeddings",
		zap.String("tenant.id", string(tenantID)),
		zap.Int("documents", deleted),
		zap.Int("points", points))
	return DeleteReport{DeletedCount: deleted}, nil
}

func dedupe(ids []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id != "" {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return slices.Compact(out)
}
