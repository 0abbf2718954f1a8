package embeddings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTEIServer(t *testing.T, handler http.HandlerFunc) *TEIProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p, err := NewTEIProvider(TEIConfig{BaseURL: srv.URL + "/", Model: "BAAI/bge-small-en-v1.5", Timeout: time.Second})
	require.NoError(t, err)
	return p
}

func TestTEIProvider_EmbedDocuments(t *testing.T) {
	p := newTEIServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var req teiRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.True(t, req.Truncate)

		out := make([][]float32, len(req.Inputs))
		for i := range req.Inputs {
			out[i] = []float32{float32(i + 1), 0.5}
		}
		_ = json.NewEncoder(w).Encode(out)
	})

	vs, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0.5}, {2, 0.5}}, vs)
	assert.Equal(t, 384, p.Dimension())
}

func TestTEIProvider_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		transient bool
		isStatus  bool
	}{
		{name: "throttled", status: http.StatusTooManyRequests, body: "slow down", transient: true, isStatus: true},
		{name: "server error", status: http.StatusBadGateway, body: "upstream", transient: true, isStatus: true},
		{name: "bad request", status: http.StatusBadRequest, body: "nope", isStatus: true},
		{name: "malformed body", status: http.StatusOK, body: "{not json"},
		{name: "count mismatch", status: http.StatusOK, body: "[]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTEIServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})

			_, err := p.EmbedDocuments(context.Background(), []string{"x"})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrEmbeddingFailed)
			assert.Equal(t, tt.transient, transient(err))

			var se *StatusError
			assert.Equal(t, tt.isStatus, errorsAs(err, &se))
		})
	}
}

func TestTEIProvider_RetriedThroughGateway(t *testing.T) {
	var calls atomic.Int32
	p := newTEIServer(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[[0.1, 0.2]]`))
	})
	p.cfg.Dimension = 2

	g, err := NewGateway(p, testGatewayConfig())
	require.NoError(t, err)

	v, err := g.Embed(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2}, v)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTEIProvider_EmptyInput(t *testing.T) {
	p, err := NewTEIProvider(TEIConfig{BaseURL: "http://localhost:1"})
	require.NoError(t, err)

	_, err = p.EmbedDocuments(context.Background(), nil)
	require.ErrorIs(t, err, ErrEmptyInput)
	_, err = p.EmbedQuery(context.Background(), "")
	require.ErrorIs(t, err, ErrEmptyInput)
}
