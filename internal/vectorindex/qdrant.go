package vectorindex

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/qdrant/go-client/qdrant"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var tracer = otel.Tracer("github.com/fyrsmithlabs/corpusd/internal/vectorindex")

// QdrantConfig holds configuration for the Qdrant gRPC client.
type QdrantConfig struct {
	Host   string
	Port   int // gRPC port, not the REST port
	UseTLS bool
	APIKey string

	// VectorSize must match the embedding dimension.
	VectorSize uint64
	// Distance is cosine, dot or euclid.
	Distance string

	MaxRetries              int
	RetryBackoff            time.Duration
	MaxMessageSize          int
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
}

// ApplyDefaults sets default values for unset fields.
func (c *QdrantConfig) ApplyDefaults() {
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = 200 * time.Millisecond
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = 50 * 1024 * 1024
	}
	if c.CircuitBreakerThreshold == 0 {
		c.CircuitBreakerThreshold = 5
	}
	if c.CircuitBreakerCooldown == 0 {
		c.CircuitBreakerCooldown = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c QdrantConfig) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: invalid port: %d", ErrInvalidConfig, c.Port)
	}
	if c.VectorSize == 0 {
		return fmt.Errorf("%w: vector size required", ErrInvalidConfig)
	}
	if _, err := parseDistance(c.Distance); err != nil {
		return err
	}
	return nil
}

func parseDistance(s string) (qdrant.Distance, error) {
	switch strings.ToLower(s) {
	case "", "cosine":
		return qdrant.Distance_Cosine, nil
	case "dot":
		return qdrant.Distance_Dot, nil
	case "euclid":
		return qdrant.Distance_Euclid, nil
	default:
		return 0, fmt.Errorf("%w: unknown distance %q", ErrInvalidConfig, s)
	}
}

// QdrantIndex stores one collection per tenant in Qdrant.
type QdrantIndex struct {
	client   *qdrant.Client
	config   QdrantConfig
	distance qdrant.Distance
	retry    *retrier
	logger   *zap.Logger

	// collections caches namespaces known to exist.
	collections sync.Map
	createMu    sync.Mutex
}

// NewQdrantIndex connects and health-checks Qdrant.
func NewQdrantIndex(ctx context.Context, cfg QdrantConfig, logger *zap.Logger) (*QdrantIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	distance, _ := parseDistance(cfg.Distance)

	if !cfg.UseTLS {
		logger.Warn("qdrant gRPC using plaintext (TLS disabled)", zap.String("host", cfg.Host))
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   cfg.Host,
		Port:   cfg.Port,
		APIKey: cfg.APIKey,
		UseTLS: cfg.UseTLS,
		GrpcOptions: []grpc.DialOption{
			grpc.WithDefaultCallOptions(
				grpc.MaxCallRecvMsgSize(cfg.MaxMessageSize),
				grpc.MaxCallSendMsgSize(cfg.MaxMessageSize),
			),
		},
	})
	if err != nil {
		return nil, &IndexError{Op: "connect", Namespace: "-", Err: err}
	}

	idx := &QdrantIndex{
		client:   client,
		config:   cfg,
		distance: distance,
		retry: &retrier{
			maxRetries: cfg.MaxRetries,
			backoff:    cfg.RetryBackoff,
			breaker:    newBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown),
		},
		logger: logger,
	}

	hctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.HealthCheck(hctx); err != nil {
		_ = client.Close()
		return nil, &IndexError{Op: "health_check", Namespace: "-", Err: err}
	}
	return idx, nil
}

func (q *QdrantIndex) Close() error {
	if q.client != nil {
		return q.client.Close()
	}
	return nil
}

// ensureCollection creates the tenant collection and its tenant_id payload
// index on first use.
func (q *QdrantIndex) ensureCollection(ctx context.Context, ns string) error {
	if _, ok := q.collections.Load(ns); ok {
		return nil
	}
	q.createMu.Lock()
	defer q.createMu.Unlock()
	if _, ok := q.collections.Load(ns); ok {
		return nil
	}

	var exists bool
	err := q.retry.do(ctx, func() error {
		var err error
		exists, err = q.client.CollectionExists(ctx, ns)
		return err
	})
	if err != nil {
		return err
	}
	if !exists {
		err = q.retry.do(ctx, func() error {
			return q.client.CreateCollection(ctx, &qdrant.CreateCollection{
				CollectionName: ns,
				VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
					Size:     q.config.VectorSize,
					Distance: q.distance,
				}),
			})
		})
		if err != nil && status.Code(err) != grpccodes.AlreadyExists {
			return err
		}
		err = q.retry.do(ctx, func() error {
			_, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
				CollectionName: ns,
				FieldName:      keyTenantID,
				FieldType:      qdrant.PtrOf(qdrant.FieldType_FieldTypeKeyword),
			})
			return err
		})
		if err != nil {
			return err
		}
		q.logger.Info("created tenant collection", zap.String("collection", ns))
	}
	q.collections.Store(ns, true)
	return nil
}

func (q *QdrantIndex) Upsert(ctx context.Context, tenantID tenant.ID, points []Point) error {
	ns, err := namespace(tenantID)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}

	ctx, span := tracer.Start(ctx, "QdrantIndex.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("collection", ns), attribute.Int("point_count", len(points)))

	if err := q.ensureCollection(ctx, ns); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &IndexError{Op: "ensure_collection", Namespace: ns, Err: err}
	}

	structs := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		if uint64(len(p.Vector)) != q.config.VectorSize {
			return &IndexError{Op: "upsert", Namespace: ns,
				Err: fmt.Errorf("point %s has dimension %d, want %d", p.ID, len(p.Vector), q.config.VectorSize)}
		}
		structs[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(p.ID),
			Vectors: qdrant.NewVectors(p.Vector...),
			Payload: qdrant.NewValueMap(map[string]any{
				keyTenantID:    string(tenantID),
				keyDocumentID:  p.DocumentID,
				keyChunkIndex:  int64(p.ChunkIndex),
				keyFingerprint: p.Fingerprint,
				keyText:        p.Text,
				keyTitle:       p.Title,
				keySourceType:  p.SourceType,
				keyUpdatedAt:   p.UpdatedAt.Unix(),
			}),
		}
	}

	err = q.retry.do(ctx, func() error {
		_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
			CollectionName: ns,
			Wait:           qdrant.PtrOf(true),
			Points:         structs,
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &IndexError{Op: "upsert", Namespace: ns, Err: err}
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

// tenantFilter always pins tenant_id, then adds the caller's conditions.
func tenantFilter(tenantID tenant.ID, f Filter) *qdrant.Filter {
	must := []*qdrant.Condition{qdrant.NewMatch(keyTenantID, string(tenantID))}
	if len(f.DocumentIDs) > 0 {
		must = append(must, qdrant.NewMatchKeywords(keyDocumentID, f.DocumentIDs...))
	}
	if f.SourceType != "" {
		must = append(must, qdrant.NewMatch(keySourceType, f.SourceType))
	}
	return &qdrant.Filter{Must: must}
}

func (q *QdrantIndex) Query(ctx context.Context, tenantID tenant.ID, vector []float32, topK int, filter Filter) ([]Candidate, error) {
	ns, err := namespace(tenantID)
	if err != nil {
		return nil, err
	}
	if topK, err = clampTopK(topK); err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "QdrantIndex.Query")
	defer span.End()
	span.SetAttributes(attribute.String("collection", ns), attribute.Int("top_k", topK))

	var points []*qdrant.ScoredPoint
	err = q.retry.do(ctx, func() error {
		res, err := q.client.Query(ctx, &qdrant.QueryPoints{
			CollectionName: ns,
			Query:          qdrant.NewQuery(vector...),
			Limit:          qdrant.PtrOf(uint64(topK)),
			Filter:         tenantFilter(tenantID, filter),
			WithPayload:    qdrant.NewWithPayload(true),
			WithVectors:    qdrant.NewWithVectors(true),
		})
		if err != nil {
			return err
		}
		points = res
		return nil
	})
	if status.Code(err) == grpccodes.NotFound {
		// No collection yet: the tenant has nothing indexed.
		return nil, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &IndexError{Op: "query", Namespace: ns, Err: err}
	}

	out := make([]Candidate, 0, len(points))
	for _, p := range points {
		pl := p.GetPayload()
		// Defense in depth: never surface another tenant's point.
		if pl[keyTenantID].GetStringValue() != string(tenantID) {
			q.logger.Error("dropped cross-tenant point", zap.String("collection", ns))
			continue
		}
		out = append(out, Candidate{
			PointID:     p.GetId().GetUuid(),
			DocumentID:  pl[keyDocumentID].GetStringValue(),
			ChunkIndex:  int(pl[keyChunkIndex].GetIntegerValue()),
			Fingerprint: pl[keyFingerprint].GetStringValue(),
			Text:        pl[keyText].GetStringValue(),
			Title:       pl[keyTitle].GetStringValue(),
			SourceType:  pl[keySourceType].GetStringValue(),
			UpdatedAt:   time.Unix(pl[keyUpdatedAt].GetIntegerValue(), 0).UTC(),
			Score:       p.GetScore(),
			Vector:      denseVector(p.GetVectors().GetVector()),
		})
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	return out, nil
}

func (q *QdrantIndex) DeleteDocuments(ctx context.Context, tenantID tenant.ID, documentIDs []string) (int, error) {
	ns, err := namespace(tenantID)
	if err != nil {
		return 0, err
	}
	if len(documentIDs) == 0 {
		return 0, nil
	}

	ctx, span := tracer.Start(ctx, "QdrantIndex.DeleteDocuments")
	defer span.End()
	span.SetAttributes(attribute.String("collection", ns), attribute.Int("document_count", len(documentIDs)))

	filter := tenantFilter(tenantID, Filter{DocumentIDs: documentIDs})

	var before uint64
	err = q.retry.do(ctx, func() error {
		var err error
		before, err = q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: ns,
			Filter:         filter,
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if status.Code(err) == grpccodes.NotFound {
		return 0, nil
	}
	if err != nil {
		span.RecordError(err)
		return 0, &IndexError{Op: "count", Namespace: ns, Err: err}
	}

	err = q.retry.do(ctx, func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: ns,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelectorFilter(filter),
		})
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return 0, &IndexError{Op: "delete", Namespace: ns, Err: err}
	}
	return int(before), nil
}

func (q *QdrantIndex) DeletePoints(ctx context.Context, tenantID tenant.ID, pointIDs []string) error {
	ns, err := namespace(tenantID)
	if err != nil {
		return err
	}
	if len(pointIDs) == 0 {
		return nil
	}

	ids := make([]*qdrant.PointId, len(pointIDs))
	for i, id := range pointIDs {
		ids[i] = qdrant.NewIDUUID(id)
	}
	err = q.retry.do(ctx, func() error {
		_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
			CollectionName: ns,
			Wait:           qdrant.PtrOf(true),
			Points:         qdrant.NewPointsSelector(ids...),
		})
		return err
	})
	if status.Code(err) == grpccodes.NotFound {
		return nil
	}
	if err != nil {
		return &IndexError{Op: "delete_points", Namespace: ns, Err: err}
	}
	return nil
}

func (q *QdrantIndex) Count(ctx context.Context, tenantID tenant.ID) (int, error) {
	ns, err := namespace(tenantID)
	if err != nil {
		return 0, err
	}
	var n uint64
	err = q.retry.do(ctx, func() error {
		var err error
		n, err = q.client.Count(ctx, &qdrant.CountPoints{
			CollectionName: ns,
			Filter:         tenantFilter(tenantID, Filter{}),
			Exact:          qdrant.PtrOf(true),
		})
		return err
	})
	if status.Code(err) == grpccodes.NotFound {
		return 0, nil
	}
	if err != nil {
		return 0, &IndexError{Op: "count", Namespace: ns, Err: err}
	}
	return int(n), nil
}

// denseVector reads a returned dense vector, falling back to the legacy
// flat field that servers before 1.16 fill instead.
func denseVector(v *qdrant.VectorOutput) []float32 {
	if d := v.GetDense(); d != nil {
		return d.GetData()
	}
	return v.GetData() //nolint:staticcheck // legacy servers only
}
