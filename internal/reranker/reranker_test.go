package reranker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ids(docs []ScoredDocument) []string {
	out := make([]string, len(docs))
	for i, d := range docs {
		out[i] = d.ID
	}
	return out
}

func TestOverlapReranker(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		docs    []Document
		topK    int
		wantIDs []string
	}{
		{
			name:    "empty documents",
			query:   "test query",
			docs:    []Document{},
			topK:    10,
			wantIDs: []string{},
		},
		{
			name:  "orders by overlap",
			query: "authentication token retry",
			docs: []Document{
				{ID: "doc1", Content: "use retry with exponential backoff"},
				{ID: "doc2", Content: "invalid request parameter"},
				{ID: "doc3", Content: "token refresh and authentication handling with retry"},
			},
			topK:    10,
			wantIDs: []string{"doc3", "doc1", "doc2"},
		},
		{
			name:  "ties keep input order",
			query: "error",
			docs: []Document{
				{ID: "b", Content: "error codes"},
				{ID: "a", Content: "error logging"},
			},
			wantIDs: []string{"b", "a"},
		},
		{
			name:  "topK limits results",
			query: "error handling",
			docs: []Document{
				{ID: "doc1", Content: "error handling patterns"},
				{ID: "doc2", Content: "error recovery"},
				{ID: "doc3", Content: "logging"},
			},
			topK:    2,
			wantIDs: []string{"doc1", "doc2"},
		},
		{
			name:  "stopword-only query scores nothing",
			query: "what is the",
			docs: []Document{
				{ID: "x", Content: "what is the policy"},
				{ID: "y", Content: "policy"},
			},
			wantIDs: []string{"x", "y"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewOverlapReranker().Rerank(context.Background(), tt.query, tt.docs, tt.topK)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIDs, ids(got))
			for _, d := range got {
				assert.GreaterOrEqual(t, d.RerankerScore, float32(0))
				assert.LessOrEqual(t, d.RerankerScore, float32(1))
			}
		})
	}
}

func TestOverlapReranker_Context(t *testing.T) {
	r := NewOverlapReranker()
	//nolint:staticcheck // exercising the nil guard
	_, err := r.Rerank(nil, "q", nil, 1)
	assert.ErrorIs(t, err, ErrNilContext)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Rerank(ctx, "q", []Document{{ID: "a"}}, 1)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTTPReranker(t *testing.T) {
	var gotReq rerankRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rerank", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		// TEI returns hits sorted by score
		_ = json.NewEncoder(w).Encode([]rerankHit{{Index: 1, Score: 0.92}, {Index: 0, Score: 0.10}, {Index: 2, Score: -3}})
	}))
	defer srv.Close()

	r, err := NewHTTPReranker(HTTPConfig{BaseURL: srv.URL + "/"})
	require.NoError(t, err)

	docs := []Document{{ID: "a", Content: "alpha"}, {ID: "b", Content: "beta"}, {ID: "c", Content: "gamma"}}
	got, err := r.Rerank(context.Background(), "which", docs, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, ids(got))
	assert.Equal(t, "which", gotReq.Query)
	assert.Equal(t, []string{"alpha", "beta", "gamma"}, gotReq.Texts)
	assert.InDelta(t, 0.047, float64(got[2].RerankerScore), 0.001, "logits are squashed")
	assert.Equal(t, 1, got[0].OriginalRank)
}

func TestHTTPReranker_Failures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"server error", func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "model loading", http.StatusServiceUnavailable)
		}},
		{"malformed body", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{"))
		}},
		{"wrong count", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode([]rerankHit{{Index: 0, Score: 1}})
		}},
		{"duplicate index", func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode([]rerankHit{{Index: 0, Score: 1}, {Index: 0, Score: 0.5}})
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()
			r, err := NewHTTPReranker(HTTPConfig{BaseURL: srv.URL})
			require.NoError(t, err)
			_, err = r.Rerank(context.Background(), "q", []Document{{ID: "a"}, {ID: "b"}}, 0)
			assert.ErrorIs(t, err, ErrUnavailable)
		})
	}

	_, err := NewHTTPReranker(HTTPConfig{})
	assert.Error(t, err)
}
