package vectorindex

import (
	"context"
	"os"
	"testing"

	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newQdrant connects to QDRANT_HOST (default localhost) or skips.
func newQdrant(t *testing.T) *QdrantIndex {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping qdrant integration test in short mode")
	}
	host := os.Getenv("QDRANT_HOST")
	if host == "" {
		host = "localhost"
	}
	idx, err := NewQdrantIndex(context.Background(), QdrantConfig{Host: host, VectorSize: 2, MaxRetries: 1}, nil)
	if err != nil {
		t.Skipf("qdrant not reachable: %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestQdrantIndex_Lifecycle(t *testing.T) {
	idx := newQdrant(t)
	ctx := context.Background()
	tenantID := tenant.ID("itest-" + uuid.NewString()[:8])

	p := point("doc", 0, 1, 0)
	p.ID = uuid.NewString()
	require.NoError(t, idx.Upsert(ctx, tenantID, []Point{p}))
	require.NoError(t, idx.Upsert(ctx, tenantID, []Point{p}))

	n, err := idx.Count(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := idx.Query(ctx, tenantID, []float32{1, 0}, 5, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "doc", got[0].DocumentID)

	removed, err := idx.DeleteDocuments(ctx, tenantID, []string{"doc"})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestQdrantConfig_Validate(t *testing.T) {
	cfg := QdrantConfig{VectorSize: 4, Distance: "manhattan"}
	cfg.ApplyDefaults()
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)

	cfg.Distance = "dot"
	assert.NoError(t, cfg.Validate())
}

func TestDenseVector(t *testing.T) {
	tests := []struct {
		name string
		in   *qdrant.VectorOutput
		want []float32
	}{
		{
			name: "dense oneof",
			in: &qdrant.VectorOutput{Vector: &qdrant.VectorOutput_Dense{
				Dense: &qdrant.DenseVector{Data: []float32{0.1, 0.2}},
			}},
			want: []float32{0.1, 0.2},
		},
		{
			name: "dense wins over legacy field",
			in: &qdrant.VectorOutput{
				Data:   []float32{9, 9},
				Vector: &qdrant.VectorOutput_Dense{Dense: &qdrant.DenseVector{Data: []float32{1, 2}}},
			},
			want: []float32{1, 2},
		},
		{
			name: "legacy field only",
			in:   &qdrant.VectorOutput{Data: []float32{3, 4}},
			want: []float32{3, 4},
		},
		{name: "missing", in: nil, want: nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, denseVector(tt.in))
		})
	}
}
