package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/corpusd/internal/config"
	"github.com/fyrsmithlabs/corpusd/internal/docstore"
	"github.com/fyrsmithlabs/corpusd/internal/embeddings"
	"github.com/fyrsmithlabs/corpusd/internal/search"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	names := make([]string, 0, len(root.Commands()))
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "mcp")
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("CORPUSD_STORAGE_PATH", filepath.Join(t.TempDir(), "corpus.db"))
	t.Setenv("CORPUSD_SECRETS_ENABLED", "false")
	cfg, err := config.Load("")
	require.NoError(t, err)
	return cfg
}

func TestNewApp_InProcessDefaults(t *testing.T) {
	cfg := testConfig(t)

	a, err := newApp(context.Background(), cfg, appOptions{logToStderr: true})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	assert.NotNil(t, a.ingest)
	assert.NotNil(t, a.search)
	assert.Equal(t, uint64(1), a.gateways.Version())
	assert.Equal(t, uint64(1), a.searches.Version())
	assert.Nil(t, a.nc, "memory state must not dial NATS")
	assert.Nil(t, a.expanders, "no synonyms file configured")
	require.NoError(t, a.ready(context.Background()))

	// The stores are wired to the same database the services use.
	ctx := context.Background()
	require.NoError(t, a.docs.PutDocument(ctx, docstore.Document{TenantID: "acme", ID: "d1", Title: "t", Text: "x"}))
	n, err := a.docs.BacklogCount(ctx, tenant.ID("acme"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "close is idempotent")
}

func TestNewApp_SynonymsFactory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retrieval.SynonymsFile = filepath.Join(t.TempDir(), "synonyms.toml")

	a, err := newApp(context.Background(), cfg, appOptions{})
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.expanders)
	e, err := a.expanders.Current(context.Background())
	require.NoError(t, err)
	assert.Positive(t, e.Len(), "missing file falls back to the built-in table")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, a.watchSynonyms(ctx))
}

func TestNewApp_InvalidProvider(t *testing.T) {
	cfg := testConfig(t)
	cfg.VectorIndex.Provider = "pinecone"

	_, err := newApp(context.Background(), cfg, appOptions{})
	require.Error(t, err)
}

func writeConfig(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestReloadConfig_RebuildsGatewayAndSearch(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "corpusd.yaml")
	writeConfig(t, path, "cache:\n  embedding_max_entries: 500\n")
	t.Setenv("CORPUSD_STORAGE_PATH", filepath.Join(t.TempDir(), "corpus.db"))
	t.Setenv("CORPUSD_SECRETS_ENABLED", "false")
	cfg, err := config.Load(path)
	require.NoError(t, err)

	a, err := newApp(ctx, cfg, appOptions{configPath: path})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	gw1, err := a.gateways.Current(ctx)
	require.NoError(t, err)
	svc1, err := a.searches.Current(ctx)
	require.NoError(t, err)

	t.Run("unchanged file keeps instances", func(t *testing.T) {
		require.NoError(t, a.reloadConfig(ctx))
		gw, err := a.gateways.Current(ctx)
		require.NoError(t, err)
		svc, err := a.searches.Current(ctx)
		require.NoError(t, err)
		assert.Same(t, gw1, gw)
		assert.Same(t, svc1, svc)
	})

	writeConfig(t, path, `cache:
  embedding_max_entries: 2000
retrieval:
  dense_weight: 0.5
  sparse_weight: 0.5
`)
	require.NoError(t, a.reloadConfig(ctx))

	gw2, err := a.gateways.Current(ctx)
	require.NoError(t, err)
	svc2, err := a.searches.Current(ctx)
	require.NoError(t, err)
	assert.NotSame(t, gw1, gw2)
	assert.NotSame(t, svc1, svc2)
	assert.True(t, gw1.Closed(), "superseded gateway is closed")
	assert.True(t, svc1.Closed(), "superseded search service is closed")
	assert.False(t, gw2.Closed())
	assert.Equal(t, 0.5, a.live.Load().Retrieval.DenseWeight)

	_, err = gw1.EmbedQuery(ctx, "anything")
	require.ErrorIs(t, err, embeddings.ErrClosed)
	_, err = svc1.Search(ctx, search.Request{TenantID: "acme", Query: "anything"})
	require.ErrorIs(t, err, search.ErrClosed)

	t.Run("dimension change is rolled back", func(t *testing.T) {
		writeConfig(t, path, "embeddings:\n  dimension: 768\n")
		err := a.reloadConfig(ctx)
		require.Error(t, err)
		assert.ErrorIs(t, err, embeddings.ErrInvalidConfig)

		assert.Equal(t, 384, a.live.Load().Embeddings.Dimension)
		gw, err := a.gateways.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, 384, gw.Dimension())
		assert.False(t, gw.Closed())
	})

	t.Run("invalid file is rejected", func(t *testing.T) {
		writeConfig(t, path, "retrieval:\n  dense_weight: 0.9\n  sparse_weight: 0.9\n")
		require.Error(t, a.reloadConfig(ctx))
		svc, err := a.searches.Current(ctx)
		require.NoError(t, err)
		assert.False(t, svc.Closed())
	})
}

func TestWatchConfig_NoFile(t *testing.T) {
	a, err := newApp(context.Background(), testConfig(t), appOptions{})
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.watchConfig(context.Background()))
}
