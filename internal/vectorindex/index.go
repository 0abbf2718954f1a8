package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"go.uber.org/zap"
)

// Payload keys stored with every point.
const (
	keyTenantID    = "tenant_id"
	keyDocumentID  = "document_id"
	keyChunkIndex  = "chunk_index"
	keyFingerprint = "fingerprint"
	keyText        = "text"
	keyTitle       = "title"
	keySourceType  = "source_type"
	keyUpdatedAt   = "updated_at"
)

// ErrIndex matches every *IndexError.
var ErrIndex = errors.New("vector index failure")

// ErrInvalidConfig indicates unusable index configuration.
var ErrInvalidConfig = errors.New("invalid vector index configuration")

// IndexError reports a failure of the external index.
type IndexError struct {
	Op        string
	Namespace string
	Err       error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("vector index %s on %s: %v", e.Op, e.Namespace, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

func (e *IndexError) Is(target error) bool { return target == ErrIndex }

// Point is one chunk vector to store.
type Point struct {
	ID          string // UUID derived from the chunk fingerprint
	Vector      []float32
	DocumentID  string
	ChunkIndex  int
	Fingerprint string
	Text        string
	Title       string
	SourceType  string
	UpdatedAt   time.Time
}

// Candidate is a query hit.
type Candidate struct {
	PointID     string
	DocumentID  string
	ChunkIndex  int
	Fingerprint string
	Text        string
	Title       string
	SourceType  string
	UpdatedAt   time.Time
	Score       float32
	Vector      []float32
}

// Filter narrows a query. Zero value matches everything in the namespace.
type Filter struct {
	DocumentIDs []string // any-of
	SourceType  string
}

// Index is a tenant-scoped vector store.
type Index interface {
	// Upsert writes points. Reusing a point ID overwrites in place.
	Upsert(ctx context.Context, tenantID tenant.ID, points []Point) error
	// Query returns up to topK candidates by similarity, best first.
	Query(ctx context.Context, tenantID tenant.ID, vector []float32, topK int, filter Filter) ([]Candidate, error)
	// DeleteDocuments removes every point of the given documents and
	// returns the number of points removed.
	DeleteDocuments(ctx context.Context, tenantID tenant.ID, documentIDs []string) (int, error)
	// DeletePoints removes individual points by ID. Unknown IDs are ignored.
	DeletePoints(ctx context.Context, tenantID tenant.ID, pointIDs []string) error
	// Count returns the number of points stored for the tenant.
	Count(ctx context.Context, tenantID tenant.ID) (int, error)
	Close() error
}

const maxTopK = 10000

var namespacePattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,80}$`)

// namespace validates the tenant and returns its collection name.
func namespace(tenantID tenant.ID) (string, error) {
	if err := tenantID.Validate(); err != nil {
		return "", err
	}
	ns := tenantID.Namespace()
	if !namespacePattern.MatchString(ns) {
		return "", fmt.Errorf("%w: namespace %q", tenant.ErrInvalidTenant, ns)
	}
	return ns, nil
}

func clampTopK(k int) (int, error) {
	if k <= 0 {
		return 0, fmt.Errorf("top_k must be positive, got %d", k)
	}
	if k > maxTopK {
		k = maxTopK
	}
	return k, nil
}

// New builds the configured backend.
func New(ctx context.Context, cfg config.VectorIndexConfig, dimension int, logger *zap.Logger) (Index, error) {
	switch cfg.Provider {
	case "chromem", "":
		idx, err := NewChromemIndex(ChromemConfig{Path: cfg.ChromemPath}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	case "qdrant":
		idx, err := NewQdrantIndex(ctx, QdrantConfig{
			Host:       cfg.QdrantHost,
			Port:       cfg.QdrantPort,
			UseTLS:     cfg.QdrantTLS,
			APIKey:     cfg.QdrantKey.Value(),
			VectorSize: uint64(dimension),
			Distance:   cfg.Distance,
		}, logger)
		if err != nil {
			return nil, err
		}
		return idx, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalidConfig, cfg.Provider)
	}
}
