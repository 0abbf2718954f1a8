package vectorindex

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func point(docID string, chunk int, vec ...float32) Point {
	return Point{
		ID:          uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", docID, chunk))).String(),
		Vector:      vec,
		DocumentID:  docID,
		ChunkIndex:  chunk,
		Fingerprint: fmt.Sprintf("fp-%s-%d", docID, chunk),
		Text:        fmt.Sprintf("text of %s chunk %d", docID, chunk),
		Title:       docID,
		SourceType:  "drive",
		UpdatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func newChromem(t *testing.T) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex(ChromemConfig{}, nil)
	require.NoError(t, err)
	return idx
}

func TestChromemIndex_MissingTenant(t *testing.T) {
	idx := newChromem(t)
	ctx := context.Background()

	err := idx.Upsert(ctx, "", []Point{point("d", 0, 1, 0)})
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)

	_, err = idx.Query(ctx, "", []float32{1, 0}, 5, Filter{})
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)

	_, err = idx.DeleteDocuments(ctx, "", []string{"d"})
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)

	_, err = idx.Count(ctx, "")
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)

	_, err = idx.Query(ctx, "bad tenant!", []float32{1, 0}, 5, Filter{})
	assert.ErrorIs(t, err, tenant.ErrInvalidTenant)
}

func TestChromemIndex_TenantIsolation(t *testing.T) {
	idx := newChromem(t)
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "acme", []Point{point("acme-doc", 0, 1, 0, 0)}))
	require.NoError(t, idx.Upsert(ctx, "globex", []Point{point("globex-doc", 0, 1, 0, 0)}))

	for _, tc := range []struct {
		tenant tenant.ID
		want   string
	}{
		{"acme", "acme-doc"},
		{"globex", "globex-doc"},
	} {
		got, err := idx.Query(ctx, tc.tenant, []float32{1, 0, 0}, 10, Filter{})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, tc.want, got[0].DocumentID)
	}

	got, err := idx.Query(ctx, "initech", []float32{1, 0, 0}, 10, Filter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestChromemIndex_UpsertIsIdempotent(t *testing.T) {
	idx := newChromem(t)
	ctx := context.Background()
	pts := []Point{point("doc", 0, 1, 0), point("doc", 1, 0, 1)}

	require.NoError(t, idx.Upsert(ctx, "acme", pts))
	require.NoError(t, idx.Upsert(ctx, "acme", pts))

	n, err := idx.Count(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestChromemIndex_QueryOrderAndPayload(t *testing.T) {
	idx := newChromem(t)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "acme", []Point{
		point("near", 0, 1, 0.1),
		point("far", 0, 0, 1),
	}))

	got, err := idx.Query(ctx, "acme", []float32{1, 0}, 2, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].DocumentID)
	assert.Greater(t, got[0].Score, got[1].Score)
	assert.Equal(t, "text of near chunk 0", got[0].Text)
	assert.Equal(t, "drive", got[0].SourceType)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), got[0].UpdatedAt)
	assert.NotEmpty(t, got[0].Vector)
}

func TestChromemIndex_Filter(t *testing.T) {
	idx := newChromem(t)
	ctx := context.Background()
	pts := []Point{point("a", 0, 1, 0), point("bb", 0, 0.9, 0.1), point("ccc", 0, 0.8, 0.2)}
	pts[2].SourceType = "gap_answer"
	require.NoError(t, idx.Upsert(ctx, "acme", pts))

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"single document", Filter{DocumentIDs: []string{"bb"}}, []string{"bb"}},
		{"any of", Filter{DocumentIDs: []string{"a", "ccc"}}, []string{"a", "ccc"}},
		{"source type", Filter{SourceType: "gap_answer"}, []string{"ccc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := idx.Query(ctx, "acme", []float32{1, 0}, 10, tt.filter)
			require.NoError(t, err)
			ids := make([]string, len(got))
			for i, c := range got {
				ids[i] = c.DocumentID
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}
}

func TestChromemIndex_DeleteDocuments(t *testing.T) {
	idx := newChromem(t)
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "acme", []Point{
		point("keep", 0, 1, 0), point("drop", 0, 1, 0.1), point("drop", 1, 1, 0.2),
	}))
	require.NoError(t, idx.Upsert(ctx, "globex", []Point{point("drop", 0, 1, 0)}))

	removed, err := idx.DeleteDocuments(ctx, "acme", []string{"drop", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	got, err := idx.Query(ctx, "acme", []float32{1, 0}, 10, Filter{})
	require.NoError(t, err)
	for _, c := range got {
		assert.NotEqual(t, "drop", c.DocumentID)
	}

	n, err := idx.Count(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "other tenant untouched")
}

func TestChromemIndex_DeletePoints(t *testing.T) {
	idx := newChromem(t)
	ctx := context.Background()
	stale, fresh := point("doc", 0, 1, 0), point("doc", 1, 0, 1)
	require.NoError(t, idx.Upsert(ctx, "acme", []Point{stale, fresh}))
	require.NoError(t, idx.Upsert(ctx, "globex", []Point{stale}))

	require.NoError(t, idx.DeletePoints(ctx, "acme", []string{stale.ID, "00000000-0000-0000-0000-000000000000"}))

	got, err := idx.Query(ctx, "acme", []float32{1, 0}, 10, Filter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, fresh.ID, got[0].PointID)

	n, err := idx.Count(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.ErrorIs(t, idx.DeletePoints(ctx, "", []string{stale.ID}), tenant.ErrMissingTenant)
}

func TestChromemIndex_Persistent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	idx, err := NewChromemIndex(ChromemConfig{Path: dir}, nil)
	require.NoError(t, err)
	require.NoError(t, idx.Upsert(ctx, "acme", []Point{point("doc", 0, 1, 0)}))
	require.NoError(t, idx.Close())

	reopened, err := NewChromemIndex(ChromemConfig{Path: dir}, nil)
	require.NoError(t, err)
	n, err := reopened.Count(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueryRejectsBadTopK(t *testing.T) {
	idx := newChromem(t)
	_, err := idx.Query(context.Background(), "acme", []float32{1}, 0, Filter{})
	require.Error(t, err)
}

func TestIndexError(t *testing.T) {
	err := error(&IndexError{Op: "query", Namespace: "t_acme_chunks", Err: fmt.Errorf("boom")})
	assert.ErrorIs(t, err, ErrIndex)
	assert.Contains(t, err.Error(), "t_acme_chunks")
}
