package graph

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/docstore"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T, cfg Config) *Store {
	t.Helper()
	ds, err := docstore.Open(filepath.Join(t.TempDir(), "graph.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return New(ds.DB(), cfg, zap.NewNop())
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Acme Corp", "acme corp"},
		{"  Acme\tCorp  ", "acme corp"},
		{"", ""},
		{"   ", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Normalize(tt.in), tt.in)
	}
}

func TestMerge_AccumulatesMentions(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	early := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(48 * time.Hour)

	_, err := s.Merge(ctx, "acme", Update{Entities: []Entity{
		{Name: "Kubernetes", Kind: "technology", Aliases: []string{"k8s"}, MentionCount: 3, LastSeen: late},
	}})
	require.NoError(t, err)
	res, err := s.Merge(ctx, "acme", Update{Entities: []Entity{
		{Name: "K8s", MentionCount: 2, FirstSeen: early, LastSeen: early},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Entities)

	e, ok, err := s.Resolve(ctx, "acme", "kubernetes")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Kubernetes", e.Name)
	assert.Equal(t, "technology", e.Kind, "empty kind keeps the stored one")
	assert.Equal(t, 5, e.MentionCount)
	assert.Equal(t, late, e.LastSeen, "last_seen is the max")
	assert.Equal(t, early, e.FirstSeen, "first_seen is the min")
	assert.ElementsMatch(t, []string{"kubernetes", "k8s"}, e.Aliases)
}

func TestMerge_Relations(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	update := Update{
		Entities: []Entity{
			{Name: "Payments Team", Aliases: []string{"payments"}},
			{Name: "Stripe"},
		},
		Relations: []Relation{{Source: "payments", Relation: "Owns", Target: "stripe"}},
	}
	_, err := s.Merge(ctx, "acme", update)
	require.NoError(t, err)
	_, err = s.Merge(ctx, "acme", Update{Relations: []Relation{{Source: "Payments Team", Relation: "owns", Target: "Stripe", Weight: 2}}})
	require.NoError(t, err)

	rels, err := s.Relations(ctx, "acme", "payments")
	require.NoError(t, err)
	require.Len(t, rels, 1)
	assert.Equal(t, "owns", rels[0].Relation)
	assert.Equal(t, "Stripe", rels[0].Target)
	assert.Equal(t, 3, rels[0].Weight)
}

func TestMerge_Validation(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	tests := []struct {
		name    string
		tenant  tenant.ID
		update  Update
		wantErr error
	}{
		{"missing tenant", "", Update{}, tenant.ErrMissingTenant},
		{"blank entity", "acme", Update{Entities: []Entity{{Name: "  "}}}, ErrEmptyEntity},
		{"blank relation", "acme", Update{Relations: []Relation{{Source: "a", Target: "b"}}}, ErrEmptyRelation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Merge(ctx, tt.tenant, tt.update)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}

	// a failed merge writes nothing
	_, err := s.Merge(ctx, "acme", Update{Entities: []Entity{{Name: "Valid"}, {Name: ""}}})
	require.Error(t, err)
	_, ok, err := s.Resolve(ctx, "acme", "valid")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestTenantIsolation(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()

	_, err := s.Merge(ctx, "acme", Update{Entities: []Entity{{Name: "Project Falcon"}}})
	require.NoError(t, err)

	_, ok, err := s.Resolve(ctx, "globex", "project falcon")
	require.NoError(t, err)
	assert.False(t, ok)

	top, err := s.TopEntities(ctx, "globex", 10)
	require.NoError(t, err)
	assert.Empty(t, top)
}

func TestWorkingSet_Bounded(t *testing.T) {
	s := newTestStore(t, Config{WorkingSet: 2, EntityCap: 3})
	ctx := context.Background()

	for _, tid := range []tenant.ID{"a", "b", "c"} {
		_, err := s.Merge(ctx, tid, Update{Entities: []Entity{{Name: "Shared"}}})
		require.NoError(t, err)
	}
	tenants, _ := s.WorkingSetSize("c")
	assert.Equal(t, 2, tenants)

	var entities []Entity
	for i := 0; i < 10; i++ {
		entities = append(entities, Entity{Name: fmt.Sprintf("entity %d", i), MentionCount: i + 1})
	}
	_, err := s.Merge(ctx, "c", Update{Entities: entities})
	require.NoError(t, err)
	_, aliases := s.WorkingSetSize("c")
	assert.LessOrEqual(t, aliases, 3)

	// tenant "a" was evicted but still resolves from SQLite
	e, ok, err := s.Resolve(ctx, "a", "shared")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Shared", e.Name)
}

func TestWorkingSet_ColdReloadPrefersTopEntities(t *testing.T) {
	s := newTestStore(t, Config{EntityCap: 2})
	ctx := context.Background()

	_, err := s.Merge(ctx, "acme", Update{Entities: []Entity{
		{Name: "rare", MentionCount: 1},
		{Name: "common", MentionCount: 50},
		{Name: "frequent", MentionCount: 20},
	}})
	require.NoError(t, err)
	s.Evict("acme")

	ws, err := s.workingSet(ctx, "acme")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"common", "frequent"}, ws.Keys())
	assert.Equal(t, "common", ws.Keys()[1], "most mentioned is most recently used")
}

func TestCanonicalize(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	_, err := s.Merge(ctx, "acme", Update{Entities: []Entity{
		{Name: "Single Sign-On", Aliases: []string{"sso"}},
	}})
	require.NoError(t, err)

	got, err := s.Canonicalize(ctx, "acme", []string{"how", "sso", "single sign-on", "works"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Single Sign-On"}, got)
}

func TestTopEntities_Order(t *testing.T) {
	s := newTestStore(t, Config{})
	ctx := context.Background()
	_, err := s.Merge(ctx, "acme", Update{Entities: []Entity{
		{Name: "b", MentionCount: 5},
		{Name: "a", MentionCount: 9},
		{Name: "c", MentionCount: 1},
	}})
	require.NoError(t, err)

	top, err := s.TopEntities(ctx, "acme", 2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "a", top[0].Name)
	assert.Equal(t, "b", top[1].Name)
}
