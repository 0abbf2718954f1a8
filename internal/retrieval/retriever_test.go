package retrieval

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/chunking"
	"github.com/fyrsmithlabs/corpusd/internal/docstore"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings/embeddingstest"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/fyrsmithlabs/corpusd/internal/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type env struct {
	docs     *docstore.Store
	index    *vectorindex.ChromemIndex
	embedder *embeddingstest.BagOfWords
}

func newEnv(t *testing.T) *env {
	t.Helper()
	docs, err := docstore.Open(filepath.Join(t.TempDir(), "corpus.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })
	idx, err := vectorindex.NewChromemIndex(vectorindex.ChromemConfig{}, zap.NewNop())
	require.NoError(t, err)
	return &env{docs: docs, index: idx, embedder: embeddingstest.New(64)}
}

func (e *env) seed(t *testing.T, tid tenant.ID, id, title, text string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.docs.PutDocument(ctx, docstore.Document{TenantID: tid, ID: id, Title: title, Text: text}))

	c, err := chunking.New(chunking.DefaultSize, chunking.DefaultOverlap)
	require.NoError(t, err)
	chunks := c.Split(tid, id, text)
	points := make([]vectorindex.Point, len(chunks))
	for i, ch := range chunks {
		points[i] = vectorindex.Point{
			ID: ch.PointID, Vector: e.embedder.Vector(ch.Text), DocumentID: id, ChunkIndex: ch.Index,
			Fingerprint: ch.Fingerprint, Text: ch.Text, Title: title, UpdatedAt: time.Now(),
		}
	}
	require.NoError(t, e.index.Upsert(ctx, tid, points))
	doc, err := e.docs.GetDocument(ctx, tid, id)
	require.NoError(t, err)
	require.NoError(t, e.docs.ReplaceChunks(ctx, tid, id, doc.ContentHash, chunks, time.Now()))
}

func (e *env) retriever(t *testing.T, docs DocumentSource) *Retriever {
	t.Helper()
	if docs == nil {
		docs = e.docs
	}
	r, err := New(e.embedder, e.index, docs, Config{DenseWeight: 0.7, SparseWeight: 0.3, CandidateMultiplier: 4})
	require.NoError(t, err)
	return r
}

type failingSparse struct {
	DocumentSource
}

func (failingSparse) SearchChunks(context.Context, tenant.ID, string, int) ([]docstore.SparseHit, error) {
	return nil, errors.New("fts unavailable")
}

func TestRetrieve_Hybrid(t *testing.T) {
	e := newEnv(t)
	e.seed(t, "acme", "vacation", "Vacation policy", "Employees accrue paid time off every month and may carry over five days.")
	e.seed(t, "acme", "expenses", "Expense policy", "Submit expense reports with receipts within thirty days.")
	e.seed(t, "globex", "secret", "Globex PTO", "Globex paid time off is unlimited for all staff.")

	res, err := e.retriever(t, nil).Retrieve(context.Background(), "acme", "how much pto do I get", 2)
	require.NoError(t, err)
	assert.Empty(t, res.Degraded)
	assert.Contains(t, res.ExpandedQuery, "paid time off")
	require.NotEmpty(t, res.Candidates)
	assert.Equal(t, "vacation", res.Candidates[0].DocumentID)
	assert.Equal(t, "Vacation policy", res.Candidates[0].Title)
	assert.Greater(t, res.Candidates[0].DenseScore, 0.0)
	assert.Greater(t, res.Candidates[0].SparseScore, 0.0)
	for _, c := range res.Candidates {
		assert.NotEqual(t, "secret", c.DocumentID, "another tenant's document leaked")
	}
}

func TestRetrieve_DropsDeletedDocuments(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	e.seed(t, "acme", "old", "Old runbook", "restart the billing service with the deploy tool")
	e.seed(t, "acme", "new", "New runbook", "restart billing through the control plane")

	_, err := e.docs.MarkDeleted(ctx, "acme", []string{"old"})
	require.NoError(t, err)

	// vectors for "old" are still in the index
	count, err := e.index.Count(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	res, err := e.retriever(t, nil).Retrieve(ctx, "acme", "restart billing service", 5)
	require.NoError(t, err)
	require.NotEmpty(t, res.Candidates)
	for _, c := range res.Candidates {
		assert.NotEqual(t, "old", c.DocumentID)
	}
}

func TestRetrieve_Degraded(t *testing.T) {
	ctx := context.Background()

	t.Run("dense down uses sparse", func(t *testing.T) {
		e := newEnv(t)
		e.seed(t, "acme", "d1", "Onboarding", "laptop setup checklist for new hires")
		e.embedder.SetFailing(true)

		res, err := e.retriever(t, nil).Retrieve(ctx, "acme", "laptop checklist", 3)
		require.NoError(t, err)
		assert.Equal(t, []string{DegradedDense}, res.Degraded)
		require.Len(t, res.Candidates, 1)
		assert.Equal(t, "d1", res.Candidates[0].DocumentID)
		assert.Zero(t, res.Candidates[0].DenseScore)
	})

	t.Run("sparse down uses dense", func(t *testing.T) {
		e := newEnv(t)
		e.seed(t, "acme", "d1", "Onboarding", "laptop setup checklist for new hires")

		res, err := e.retriever(t, failingSparse{e.docs}).Retrieve(ctx, "acme", "laptop checklist", 3)
		require.NoError(t, err)
		assert.Equal(t, []string{DegradedSparse}, res.Degraded)
		require.Len(t, res.Candidates, 1)
	})

	t.Run("both down fails", func(t *testing.T) {
		e := newEnv(t)
		e.embedder.SetFailing(true)

		_, err := e.retriever(t, failingSparse{e.docs}).Retrieve(ctx, "acme", "laptop", 3)
		require.ErrorIs(t, err, ErrRetrieval)
		assert.ErrorIs(t, err, embeddingstest.ErrUnavailable)
	})
}

func TestRetrieve_EmptyTenant(t *testing.T) {
	e := newEnv(t)
	res, err := e.retriever(t, nil).Retrieve(context.Background(), "acme", "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)

	_, err = e.retriever(t, nil).Retrieve(context.Background(), "", "anything", 3)
	assert.ErrorIs(t, err, tenant.ErrMissingTenant)
}

func TestInitialK(t *testing.T) {
	e := newEnv(t)
	tests := []struct {
		multiplier, topK, want int
	}{
		{0, 5, 20},
		{1, 5, 15},
		{3, 5, 15},
		{5, 5, 25},
		{9, 5, 25},
		{4, 0, 4},
	}
	for _, tt := range tests {
		r, err := New(e.embedder, e.index, e.docs, Config{DenseWeight: 0.7, SparseWeight: 0.3, CandidateMultiplier: tt.multiplier})
		require.NoError(t, err)
		assert.Equal(t, tt.want, r.InitialK(tt.topK), "multiplier %d topK %d", tt.multiplier, tt.topK)
	}
}

func TestNew_Validation(t *testing.T) {
	e := newEnv(t)
	_, err := New(nil, e.index, e.docs, Config{DenseWeight: 1})
	assert.Error(t, err)
	_, err = New(e.embedder, e.index, e.docs, Config{})
	assert.Error(t, err)
	_, err = New(e.embedder, e.index, e.docs, Config{DenseWeight: -1, SparseWeight: 2})
	assert.Error(t, err)
}

func TestFuse(t *testing.T) {
	dense := []vectorindex.Candidate{
		{DocumentID: "a", ChunkIndex: 0, Score: 0.9},
		{DocumentID: "b", ChunkIndex: 0, Score: 0.5},
		{DocumentID: "c", ChunkIndex: 0, Score: 0.1},
	}
	sparse := []docstore.SparseHit{
		{DocumentID: "c", ChunkIndex: 0, Score: 12},
		{DocumentID: "d", ChunkIndex: 1, Score: 2},
	}

	got := fuse(dense, sparse, 0.7, 0.3)
	require.Len(t, got, 4)

	byID := map[string]Candidate{}
	for _, c := range got {
		byID[c.DocumentID] = c
	}
	assert.InDelta(t, 0.7, byID["a"].Score, 1e-9)
	assert.InDelta(t, 0.35, byID["b"].Score, 1e-9)
	assert.InDelta(t, 0.3, byID["c"].Score, 1e-9)
	assert.InDelta(t, 0.0, byID["d"].Score, 1e-9)
	assert.Equal(t, []string{"a", "b", "c", "d"}, ids(got))
}

func TestFuse_TieBreak(t *testing.T) {
	dense := []vectorindex.Candidate{
		{DocumentID: "z", ChunkIndex: 0, Score: 0.5},
		{DocumentID: "a", ChunkIndex: 2, Score: 0.5},
		{DocumentID: "a", ChunkIndex: 1, Score: 0.5},
	}
	got := fuse(dense, nil, 0.7, 0.3)
	require.Len(t, got, 3)
	assert.Equal(t, []string{"a#1", "a#2", "z#0"}, []string{got[0].ChunkID(), got[1].ChunkID(), got[2].ChunkID()})
}

func TestMinMax(t *testing.T) {
	assert.Empty(t, minMax(nil))
	assert.Equal(t, []float64{1, 1}, minMax([]float64{3, 3}))
	assert.Equal(t, []float64{1, 0, 0.5}, minMax([]float64{4, 2, 3}))
}

func ids(cs []Candidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.DocumentID
	}
	return out
}
