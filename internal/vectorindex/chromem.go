package vectorindex

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// ChromemConfig configures the embedded index.
type ChromemConfig struct {
	// Path persists collections to disk. Empty keeps everything in memory.
	Path string
	// Compress enables gzip for persisted collections.
	Compress bool
}

// ChromemIndex is an embedded Index for single-node deployments and tests.
type ChromemIndex struct {
	db     *chromem.DB
	logger *zap.Logger
}

// NewChromemIndex opens (or creates) the database.
func NewChromemIndex(cfg ChromemConfig, logger *zap.Logger) (*ChromemIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Path == "" {
		return &ChromemIndex{db: chromem.NewDB(), logger: logger}, nil
	}

	path, err := expandPath(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, &IndexError{Op: "open", Namespace: "-", Err: err}
	}
	db, err := chromem.NewPersistentDB(path, cfg.Compress)
	if err != nil {
		return nil, &IndexError{Op: "open", Namespace: "-", Err: err}
	}
	logger.Info("opened chromem index", zap.String("path", path))
	return &ChromemIndex{db: db, logger: logger}, nil
}

func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Clean(path), nil
}

// noEmbedding is installed on every collection; vectors always come from the
// embedding gateway, so chromem must never compute one itself.
func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("chromem collection has no embedding function")
}

func (c *ChromemIndex) collection(ns string, create bool) (*chromem.Collection, error) {
	if !create {
		return c.db.GetCollection(ns, noEmbedding), nil
	}
	col, err := c.db.GetOrCreateCollection(ns, nil, noEmbedding)
	if err != nil {
		return nil, err
	}
	return col, nil
}

func (c *ChromemIndex) Upsert(ctx context.Context, tenantID tenant.ID, points []Point) error {
	ns, err := namespace(tenantID)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "ChromemIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", ns), attribute.Int("point_count", len(points)))

	col, err := c.collection(ns, true)
	if err != nil {
		span.RecordError(err)
		return &IndexError{Op: "ensure_collection", Namespace: ns, Err: err}
	}

	docs := make([]chromem.Document, len(points))
	for i, p := range points {
		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		docs[i] = chromem.Document{
			ID:        p.ID,
			Content:   p.Text,
			Embedding: vec,
			Metadata: map[string]string{
				keyTenantID:    string(tenantID),
				keyDocumentID:  p.DocumentID,
				keyChunkIndex:  strconv.Itoa(p.ChunkIndex),
				keyFingerprint: p.Fingerprint,
				keyTitle:       p.Title,
				keySourceType:  p.SourceType,
				keyUpdatedAt:   p.UpdatedAt.UTC().Format(time.RFC3339Nano),
			},
		}
	}

	// chromem replaces documents whose ID already exists.
	if err := col.AddDocuments(ctx, docs, 1); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &IndexError{Op: "upsert", Namespace: ns, Err: err}
	}
	return nil
}

func (c *ChromemIndex) Query(ctx context.Context, tenantID tenant.ID, vector []float32, topK int, filter Filter) ([]Candidate, error) {
	ns, err := namespace(tenantID)
	if err != nil {
		return nil, err
	}
	if topK, err = clampTopK(topK); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "ChromemIndex.Query")
	defer span.End()
	span.SetAttributes(attribute.String("collection", ns), attribute.Int("top_k", topK))

	col, _ := c.collection(ns, false)
	if col == nil {
		return nil, nil
	}
	total := col.Count()
	if total == 0 {
		return nil, nil
	}

	where := map[string]string{keyTenantID: string(tenantID)}
	if filter.SourceType != "" {
		where[keySourceType] = filter.SourceType
	}
	allowed := map[string]bool{}
	for _, id := range filter.DocumentIDs {
		allowed[id] = true
	}
	switch len(filter.DocumentIDs) {
	case 0:
	case 1:
		where[keyDocumentID] = filter.DocumentIDs[0]
	}

	// chromem requires nResults <= matching documents, and any-of filters
	// are applied after the query, so ask for everything when filtering.
	n := topK
	if len(filter.DocumentIDs) > 1 || len(where) > 1 || n > total {
		n = total
	}

	results, err := col.QueryEmbedding(ctx, vector, n, where, nil)
	if err != nil {
		// chromem errors when the where clause matches fewer than n documents.
		if strings.Contains(err.Error(), "nResults") {
			return nil, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &IndexError{Op: "query", Namespace: ns, Err: err}
	}

	out := make([]Candidate, 0, len(results))
	for _, r := range results {
		if r.Metadata[keyTenantID] != string(tenantID) {
			continue
		}
		if len(allowed) > 0 && !allowed[r.Metadata[keyDocumentID]] {
			continue
		}
		idx, _ := strconv.Atoi(r.Metadata[keyChunkIndex])
		updated, _ := time.Parse(time.RFC3339Nano, r.Metadata[keyUpdatedAt])
		out = append(out, Candidate{
			PointID:     r.ID,
			DocumentID:  r.Metadata[keyDocumentID],
			ChunkIndex:  idx,
			Fingerprint: r.Metadata[keyFingerprint],
			Text:        r.Content,
			Title:       r.Metadata[keyTitle],
			SourceType:  r.Metadata[keySourceType],
			UpdatedAt:   updated,
			Score:       r.Similarity,
			Vector:      r.Embedding,
		})
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

func (c *ChromemIndex) DeleteDocuments(ctx context.Context, tenantID tenant.ID, documentIDs []string) (int, error) {
	ns, err := namespace(tenantID)
	if err != nil {
		return 0, err
	}
	if len(documentIDs) == 0 {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "ChromemIndex.DeleteDocuments")
	defer span.End()
	span.SetAttributes(attribute.String("collection", ns), attribute.Int("document_count", len(documentIDs)))

	col, _ := c.collection(ns, false)
	if col == nil {
		return 0, nil
	}

	before := col.Count()
	for _, id := range documentIDs {
		where := map[string]string{keyTenantID: string(tenantID), keyDocumentID: id}
		if err := col.Delete(ctx, where, nil); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return before - col.Count(), &IndexError{Op: "delete", Namespace: ns, Err: err}
		}
	}
	removed := before - col.Count()
	c.logger.Debug("deleted document points",
		zap.String("collection", ns),
		zap.Int("documents", len(documentIDs)),
		zap.Int("points", removed))
	return removed, nil
}

func (c *ChromemIndex) DeletePoints(ctx context.Context, tenantID tenant.ID, pointIDs []string) error {
	ns, err := namespace(tenantID)
	if err != nil {
		return err
	}
	if len(pointIDs) == 0 {
		return nil
	}
	col, _ := c.collection(ns, false)
	if col == nil {
		return nil
	}
	// chromem ignores ids when a where filter is given; the collection is
	// already tenant-scoped.
	if err := col.Delete(ctx, nil, nil, pointIDs...); err != nil {
		return &IndexError{Op: "delete_points", Namespace: ns, Err: err}
	}
	return nil
}

func (c *ChromemIndex) Count(_ context.Context, tenantID tenant.ID) (int, error) {
	ns, err := namespace(tenantID)
	if err != nil {
		return 0, err
	}
	col, _ := c.collection(ns, false)
	if col == nil {
		return 0, nil
	}
	return col.Count(), nil
}

// Close is a no-op; persistent chromem writes through on every change.
func (c *ChromemIndex) Close() error { return nil }
