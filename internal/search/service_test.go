package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/cache"
	"github.com/fyrsmithlabs/corpusd/internal/chunking"
	"github.com/fyrsmithlabs/corpusd/internal/docstore"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings/embeddingstest"
	"github.com/fyrsmithlabs/corpusd/internal/ingest"
	"github.com/fyrsmithlabs/corpusd/internal/ranking"
	"github.com/fyrsmithlabs/corpusd/internal/reranker"
	"github.com/fyrsmithlabs/corpusd/internal/retrieval"
	"github.com/fyrsmithlabs/corpusd/internal/synthesis"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/fyrsmithlabs/corpusd/internal/vectorindex"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type env struct {
	docs     *docstore.Store
	index    *vectorindex.ChromemIndex
	provider *embeddingstest.BagOfWords
	ingest   *ingest.Service
	search   *Service
}

type brokenReranker struct{}

func (brokenReranker) Rerank(context.Context, string, []reranker.Document, int) ([]reranker.ScoredDocument, error) {
	return nil, fmt.Errorf("%w: connection refused", reranker.ErrUnavailable)
}

func (brokenReranker) Close() error { return nil }

func newEnv(t *testing.T, rr reranker.Reranker) *env {
	t.Helper()
	docs, err := docstore.Open(filepath.Join(t.TempDir(), "corpus.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { docs.Close() })

	idx, err := vectorindex.NewChromemIndex(vectorindex.ChromemConfig{}, zap.NewNop())
	require.NoError(t, err)

	provider := embeddingstest.New(64)
	gw, err := embeddings.NewGateway(provider, embeddings.GatewayConfig{
		Model: "bag-of-words", CacheSize: 1000, CacheTTL: time.Hour, RetryBackoff: time.Millisecond,
	})
	require.NoError(t, err)

	chunker, err := chunking.New(chunking.DefaultSize, chunking.DefaultOverlap)
	require.NoError(t, err)
	ing, err := ingest.New(docs, idx, gw, chunker, ingest.Config{Workers: 2})
	require.NoError(t, err)

	retriever, err := retrieval.New(gw, idx, docs, retrieval.Config{DenseWeight: 0.7, SparseWeight: 0.3, CandidateMultiplier: 4})
	require.NoError(t, err)
	if rr == nil {
		rr = reranker.NewOverlapReranker()
	}
	svc, err := New(retriever, ranking.NewPipeline(ranking.Config{}, rr, nil), synthesis.New(synthesis.Config{}, nil, nil))
	require.NoError(t, err)

	return &env{docs: docs, index: idx, provider: provider, ingest: ing, search: svc}
}

func (e *env) put(t *testing.T, tid tenant.ID, id, title, text string) {
	t.Helper()
	require.NoError(t, e.docs.PutDocument(context.Background(), docstore.Document{
		TenantID: tid, ID: id, Title: title, SourceType: "drive", Text: text,
	}))
}

func (e *env) embed(t *testing.T, tid tenant.ID) {
	t.Helper()
	report, err := e.ingest.EmbedTenantDocuments(context.Background(), tid, false)
	require.NoError(t, err)
	require.Zero(t, report.Failed, "failures: %v", report.Failures)
}

// report builds about n runes of sales prose.
func report(n int) string {
	sentences := []string{
		"The quarterly revenue forecast grew eleven percent in the northern region.",
		"Enterprise renewals closed ahead of plan after the pricing change.",
		"Support ticket volume fell once the onboarding checklist shipped.",
		"Discount approvals now require a director signature above twenty percent.",
		"Pipeline coverage for the next quarter stands at three times target.",
	}
	var b strings.Builder
	for i := 0; b.Len() < n; i++ {
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(sentences[i%len(sentences)])
	}
	return b.String()[:n]
}

func TestSearch_EndToEnd(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()

	e.put(t, "acme", "q3-report", "Q3 sales report", report(5000))
	backlog, err := e.docs.BacklogCount(ctx, "acme")
	require.NoError(t, err)
	require.Equal(t, 1, backlog)

	e.embed(t, "acme")

	chunks, err := e.docs.Chunks(ctx, "acme", "q3-report")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(chunks), 2)
	assert.LessOrEqual(t, len(chunks), 3)
	backlog, err = e.docs.BacklogCount(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, backlog)

	resp, err := e.search.Search(ctx, Request{TenantID: "acme", Query: "quarterly revenue forecast", TopK: 3, Validate: true})
	require.NoError(t, err)
	assert.False(t, resp.NoMatches)
	assert.Empty(t, resp.Degraded)
	require.NotEmpty(t, resp.Sources)
	assert.Equal(t, "q3-report", resp.Sources[0].DocumentID)
	assert.Equal(t, "Q3 sales report", resp.Sources[0].Title)
	assert.Equal(t, 1, resp.Sources[0].FinalRank)
	assert.Equal(t, 1, resp.Sources[0].Citation)
	assert.Contains(t, resp.Answer, "[1]")
	assert.Greater(t, resp.Confidence, 0.0)
	assert.Contains(t, []string{synthesis.StatusVerified, synthesis.StatusPartial}, resp.Status)
	assert.GreaterOrEqual(t, resp.Latency.Total, resp.Latency.Retrieval)
	for _, s := range resp.Sources {
		assert.Equal(t, tenant.ID("acme"), s.TenantID)
		assert.GreaterOrEqual(t, s.FreshnessScore, 0.9)
		assert.LessOrEqual(t, s.FreshnessScore, 1.15)
	}
}

func TestSearch_TenantIsolation(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.put(t, "acme", "handbook", "Acme handbook", "Acme employees receive twenty days of paid vacation.")
	e.put(t, "globex", "handbook", "Globex handbook", "Globex employees receive unlimited paid vacation.")
	e.put(t, "globex", "secret", "Globex plans", "Globex vacation policy changes next year.")
	e.embed(t, "acme")
	e.embed(t, "globex")

	resp, err := e.search.Search(ctx, Request{TenantID: "acme", Query: "paid vacation policy", TopK: 5, Validate: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Sources)
	for _, s := range resp.Sources {
		assert.Equal(t, tenant.ID("acme"), s.TenantID)
		assert.NotEqual(t, "secret", s.DocumentID)
		assert.NotContains(t, s.Text, "Globex")
	}
	assert.NotContains(t, resp.Answer, "Globex")
}

func TestSearch_SameDocumentInTwoTenants(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	const text = "Expense reports are due on the fifth business day of each month."
	e.put(t, "acme", "expenses", "Expense policy", text)
	e.put(t, "globex", "expenses", "Expense policy", text)
	e.embed(t, "acme")
	e.embed(t, "globex")

	for _, tid := range []tenant.ID{"acme", "globex"} {
		resp, err := e.search.Search(ctx, Request{TenantID: tid, Query: "expense reports due", TopK: 5})
		require.NoError(t, err)
		require.Len(t, resp.Sources, 1, "tenant %s", tid)
		assert.Equal(t, tid, resp.Sources[0].TenantID)
		assert.Equal(t, "expenses", resp.Sources[0].DocumentID)
	}

	_, err := e.ingest.DeleteDocumentEmbeddings(ctx, "acme", []string{"expenses"})
	require.NoError(t, err)

	resp, err := e.search.Search(ctx, Request{TenantID: "acme", Query: "expense reports due"})
	require.NoError(t, err)
	assert.True(t, resp.NoMatches, "acme deleted its copy")

	resp, err = e.search.Search(ctx, Request{TenantID: "globex", Query: "expense reports due"})
	require.NoError(t, err)
	require.Len(t, resp.Sources, 1, "globex keeps its copy")
	assert.Equal(t, tenant.ID("globex"), resp.Sources[0].TenantID)
	assert.Contains(t, resp.Sources[0].Text, "fifth business day")
}

func TestSearch_DeletedDocumentsDisappear(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	e.put(t, "acme", "old-policy", "Old travel policy", "Travel must be booked through the agency portal.")
	e.embed(t, "acme")

	resp, err := e.search.Search(ctx, Request{TenantID: "acme", Query: "travel booking agency", Validate: true})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Sources)

	_, err = e.ingest.DeleteDocumentEmbeddings(ctx, "acme", []string{"old-policy"})
	require.NoError(t, err)

	resp, err = e.search.Search(ctx, Request{TenantID: "acme", Query: "travel booking agency", Validate: true})
	require.NoError(t, err)
	assert.True(t, resp.NoMatches)
	assert.Equal(t, synthesis.StatusNoMatches, resp.Status)
	assert.Empty(t, resp.Sources)
	assert.Empty(t, resp.Answer)
}

func TestSearch_NoMatches(t *testing.T) {
	e := newEnv(t, nil)
	resp, err := e.search.Search(context.Background(), Request{TenantID: "empty", Query: "anything at all", Validate: true})
	require.NoError(t, err)
	assert.True(t, resp.NoMatches)
	assert.Zero(t, resp.Confidence)
	assert.NotNil(t, resp.Sources)
	assert.NotNil(t, resp.Degraded)
}

func TestSearch_DegradedPaths(t *testing.T) {
	t.Run("embedding provider down", func(t *testing.T) {
		e := newEnv(t, nil)
		e.put(t, "acme", "doc", "Onboarding", "New hires complete the security onboarding checklist.")
		e.embed(t, "acme")
		e.provider.SetFailing(true)

		resp, err := e.search.Search(context.Background(), Request{TenantID: "acme", Query: "security onboarding checklist", Validate: true})
		require.NoError(t, err)
		assert.Contains(t, resp.Degraded, retrieval.DegradedDense)
		require.NotEmpty(t, resp.Sources, "sparse retrieval still answers")
		assert.Equal(t, "doc", resp.Sources[0].DocumentID)
	})

	t.Run("reranker down", func(t *testing.T) {
		e := newEnv(t, brokenReranker{})
		e.put(t, "acme", "doc", "Onboarding", "New hires complete the security onboarding checklist.")
		e.embed(t, "acme")

		resp, err := e.search.Search(context.Background(), Request{TenantID: "acme", Query: "onboarding checklist", Validate: true})
		require.NoError(t, err)
		assert.Equal(t, []string{ranking.DegradedRerank}, resp.Degraded)
		require.NotEmpty(t, resp.Sources)
		assert.Zero(t, resp.Sources[0].RerankScore)
		assert.Greater(t, resp.Confidence, 0.0)
	})
}

func TestSearch_ValidateFalse(t *testing.T) {
	e := newEnv(t, nil)
	e.put(t, "acme", "doc", "Onboarding", "New hires complete the security onboarding checklist.")
	e.embed(t, "acme")

	resp, err := e.search.Search(context.Background(), Request{TenantID: "acme", Query: "onboarding checklist"})
	require.NoError(t, err)
	assert.Equal(t, synthesis.StatusNotValidated, resp.Status)
	assert.Zero(t, resp.Confidence)
	assert.NotEmpty(t, resp.Answer)
	assert.Empty(t, resp.Claims)
}

func TestSearch_RequestValidation(t *testing.T) {
	e := newEnv(t, nil)
	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"missing tenant", Request{Query: "q"}, tenant.ErrMissingTenant},
		{"blank query", Request{TenantID: "acme", Query: "   "}, ErrEmptyQuery},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.search.Search(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestSearch_TopKBounds(t *testing.T) {
	e := newEnv(t, nil)
	for i := range 8 {
		e.put(t, "acme", fmt.Sprintf("doc-%d", i), fmt.Sprintf("Doc %d", i),
			fmt.Sprintf("Renewal contract %d covers enterprise support for region %d.", i, i))
	}
	e.embed(t, "acme")

	tests := []struct {
		topK int
		want int
	}{
		{0, DefaultTopK},
		{2, 2},
		{1000, 8},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.topK), func(t *testing.T) {
			resp, err := e.search.Search(context.Background(), Request{TenantID: "acme", Query: "renewal contract enterprise support", TopK: tt.topK})
			require.NoError(t, err)
			assert.Len(t, resp.Sources, tt.want)
			for i, s := range resp.Sources {
				assert.Equal(t, i+1, s.FinalRank)
			}
		})
	}
}

func TestSearch_Cancelled(t *testing.T) {
	e := newEnv(t, nil)
	e.put(t, "acme", "doc", "Doc", "Some searchable text.")
	e.embed(t, "acme")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.search.Search(ctx, Request{TenantID: "acme", Query: "searchable text"})
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, nil, nil)
	assert.Error(t, err)
}

type countingCloser struct{ n int }

func (c *countingCloser) Close() error {
	c.n++
	return nil
}

func TestService_Close(t *testing.T) {
	e := newEnv(t, nil)
	closer := &countingCloser{}
	WithCloser(closer.Close)(e.search)

	require.NoError(t, e.search.Close())
	require.NoError(t, e.search.Close())
	assert.Equal(t, 1, closer.n)
	assert.True(t, e.search.Closed())

	_, err := e.search.Search(context.Background(), Request{TenantID: "acme", Query: "anything"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestReloadable_UsesCurrentService(t *testing.T) {
	ctx := context.Background()
	e1, e2 := newEnv(t, nil), newEnv(t, nil)
	e2.put(t, "acme", "doc", "Doc", "Only the second service has this onboarding checklist.")
	e2.embed(t, "acme")
	services := []*Service{e1.search, e2.search}

	f := cache.NewFactory("search", func(_ context.Context, version uint64) (*Service, error) {
		return services[version-1], nil
	}, nil)
	r := NewReloadable(f)

	resp, err := r.Search(ctx, Request{TenantID: "acme", Query: "onboarding checklist"})
	require.NoError(t, err)
	assert.True(t, resp.NoMatches)

	f.Bump()
	resp, err = r.Search(ctx, Request{TenantID: "acme", Query: "onboarding checklist"})
	require.NoError(t, err)
	assert.False(t, resp.NoMatches)
	assert.True(t, e1.search.Closed(), "the factory closes the superseded service")
}
