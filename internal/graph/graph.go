// Package graph keeps a per-tenant knowledge graph of entities and
// relations reported by the external extraction pipeline.
//
// The full graph lives in SQLite and is merged incrementally. Memory holds
// only a bounded working set: an LRU of recently active tenants, each with
// a capped alias-to-entity map. A tenant that falls out of the working set
// is reloaded from its most mentioned entities on next use.
package graph

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/cache"
	"github.com/fyrsmithlabs/corpusd/internal/tenant"
	"go.uber.org/zap"
)

// Validation errors.
var (
	ErrEmptyEntity   = errors.New("entity name cannot be empty")
	ErrEmptyRelation = errors.New("relation requires source, relation and target")
)

// Entity is a named thing mentioned in tenant documents.
type Entity struct {
	Key          string    `json:"key"`
	Name         string    `json:"name"`
	Kind         string    `json:"kind,omitempty"`
	Aliases      []string  `json:"aliases,omitempty"`
	MentionCount int       `json:"mention_count"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// Relation is a directed, labelled edge between two entities. Source and
// Target may be names or aliases; they are resolved on merge.
type Relation struct {
	Source   string    `json:"source"`
	Relation string    `json:"relation"`
	Target   string    `json:"target"`
	Weight   int       `json:"weight"`
	LastSeen time.Time `json:"last_seen"`
}

// Update is one batch of extracted entities and relations.
type Update struct {
	Entities  []Entity   `json:"entities"`
	Relations []Relation `json:"relations"`
}

// MergeResult counts what a merge touched.
type MergeResult struct {
	Entities  int `json:"entities"`
	Relations int `json:"relations"`
}

// Config bounds the in-memory working set.
type Config struct {
	WorkingSet int // tenants held in memory
	EntityCap  int // aliases held per tenant
}

// Store is the tenant knowledge graph.
type Store struct {
	db     *sql.DB
	cfg    Config
	logger *zap.Logger

	mu      sync.Mutex // guards loading into tenants
	tenants *cache.LRU[tenant.ID, *cache.LRU[string, string]]
}

// New returns a Store over db, which must already carry the graph schema.
func New(db *sql.DB, cfg Config, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.WorkingSet <= 0 {
		cfg.WorkingSet = 64
	}
	if cfg.EntityCap <= 0 {
		cfg.EntityCap = 10000
	}
	return &Store{
		db:      db,
		cfg:     cfg,
		logger:  logger,
		tenants: cache.NewLRU[tenant.ID, *cache.LRU[string, string]]("graph_tenants", cfg.WorkingSet, 0),
	}
}

// Normalize folds a name or alias into its lookup form.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// Merge folds update into the tenant's graph. Mention counts and relation
// weights add up, last_seen keeps the latest time and first_seen the
// earliest. Aliases of an entity resolve to the same key from then on.
func (s *Store) Merge(ctx context.Context, tenantID tenant.ID, update Update) (MergeResult, error) {
	if err := tenantID.Validate(); err != nil {
		return MergeResult{}, err
	}
	ws, err := s.workingSet(ctx, tenantID)
	if err != nil {
		return MergeResult{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MergeResult{}, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	aliases := make(map[string]string) // learned in this merge
	resolve := func(name string) (string, error) {
		n := Normalize(name)
		if k, ok := aliases[n]; ok {
			return k, nil
		}
		if k, ok := ws.Get(n); ok {
			return k, nil
		}
		var key string
		err := tx.QueryRowContext(ctx,
			`SELECT entity_key FROM graph_aliases WHERE tenant_id = ? AND alias = ?`,
			string(tenantID), n).Scan(&key)
		if errors.Is(err, sql.ErrNoRows) {
			return n, nil
		}
		if err != nil {
			return "", fmt.Errorf("resolving %q: %w", name, err)
		}
		return key, nil
	}

	var res MergeResult
	for _, e := range update.Entities {
		if Normalize(e.Name) == "" {
			return MergeResult{}, ErrEmptyEntity
		}
		key, err := resolve(e.Name)
		if err != nil {
			return MergeResult{}, err
		}
		mentions := e.MentionCount
		if mentions <= 0 {
			mentions = 1
		}
		seen := e.LastSeen
		if seen.IsZero() {
			seen = now
		}
		first := e.FirstSeen
		if first.IsZero() || first.After(seen) {
			first = seen
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO graph_entities (tenant_id, key, name, kind, mention_count, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, key) DO UPDATE SET
				kind          = CASE WHEN excluded.kind <> '' THEN excluded.kind ELSE graph_entities.kind END,
				mention_count = graph_entities.mention_count + excluded.mention_count,
				first_seen    = MIN(graph_entities.first_seen, excluded.first_seen),
				last_seen     = MAX(graph_entities.last_seen, excluded.last_seen)
		`, string(tenantID), key, strings.TrimSpace(e.Name), e.Kind, mentions,
			first.UnixNano(), seen.UnixNano()); err != nil {
			return MergeResult{}, fmt.Errorf("merging entity %q: %w", e.Name, err)
		}

		for _, alias := range append([]string{e.Name}, e.Aliases...) {
			a := Normalize(alias)
			if a == "" {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO graph_aliases (tenant_id, alias, entity_key) VALUES (?, ?, ?)
				ON CONFLICT (tenant_id, alias) DO NOTHING
			`, string(tenantID), a, key); err != nil {
				return MergeResult{}, fmt.Errorf("recording alias %q: %w", alias, err)
			}
			if _, taken := aliases[a]; !taken {
				aliases[a] = key
			}
		}
		res.Entities++
	}

	for _, r := range update.Relations {
		if Normalize(r.Source) == "" || Normalize(r.Target) == "" || strings.TrimSpace(r.Relation) == "" {
			return MergeResult{}, ErrEmptyRelation
		}
		src, err := resolve(r.Source)
		if err != nil {
			return MergeResult{}, err
		}
		dst, err := resolve(r.Target)
		if err != nil {
			return MergeResult{}, err
		}
		weight := r.Weight
		if weight <= 0 {
			weight = 1
		}
		seen := r.LastSeen
		if seen.IsZero() {
			seen = now
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO graph_relations (tenant_id, source_key, relation, target_key, weight, last_seen)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT (tenant_id, source_key, relation, target_key) DO UPDATE SET
				weight    = graph_relations.weight + excluded.weight,
				last_seen = MAX(graph_relations.last_seen, excluded.last_seen)
		`, string(tenantID), src, strings.ToLower(strings.TrimSpace(r.Relation)), dst, weight, seen.UnixNano()); err != nil {
			return MergeResult{}, fmt.Errorf("merging relation %s-%s->%s: %w", r.Source, r.Relation, r.Target, err)
		}
		res.Relations++
	}

	if err := tx.Commit(); err != nil {
		return MergeResult{}, fmt.Errorf("committing graph merge: %w", err)
	}

	// ON CONFLICT DO NOTHING means the stored mapping wins; re-read before caching.
	for a := range aliases {
		var key string
		if err := s.db.QueryRowContext(ctx,
			`SELECT entity_key FROM graph_aliases WHERE tenant_id = ? AND alias = ?`,
			string(tenantID), a).Scan(&key); err == nil {
			ws.Add(a, key)
		}
	}

	s.logger.Debug("merged graph update",
		zap.String("tenant.id", string(tenantID)),
		zap.Int("entities", res.Entities),
		zap.Int("relations", res.Relations))
	return res, nil
}

// Resolve looks up the entity a name or alias refers to.
func (s *Store) Resolve(ctx context.Context, tenantID tenant.ID, name string) (Entity, bool, error) {
	if err := tenantID.Validate(); err != nil {
		return Entity{}, false, err
	}
	ws, err := s.workingSet(ctx, tenantID)
	if err != nil {
		return Entity{}, false, err
	}
	n := Normalize(name)
	key, ok := ws.Get(n)
	if !ok {
		err := s.db.QueryRowContext(ctx,
			`SELECT entity_key FROM graph_aliases WHERE tenant_id = ? AND alias = ?`,
			string(tenantID), n).Scan(&key)
		if errors.Is(err, sql.ErrNoRows) {
			return Entity{}, false, nil
		}
		if err != nil {
			return Entity{}, false, fmt.Errorf("resolving %q: %w", name, err)
		}
		ws.Add(n, key)
	}
	e, err := s.entity(ctx, tenantID, key)
	if errors.Is(err, sql.ErrNoRows) {
		return Entity{}, false, nil
	}
	if err != nil {
		return Entity{}, false, err
	}
	return e, true, nil
}

// Canonicalize maps each term that names a known entity to the entity's
// display name. Unknown terms are skipped. The result keeps first-seen order
// and has no duplicates.
func (s *Store) Canonicalize(ctx context.Context, tenantID tenant.ID, terms []string) ([]string, error) {
	seen := make(map[string]struct{})
	var out []string
	for _, t := range terms {
		e, ok, err := s.Resolve(ctx, tenantID, t)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if _, dup := seen[e.Key]; dup {
			continue
		}
		seen[e.Key] = struct{}{}
		out = append(out, e.Name)
	}
	return out, nil
}

// TopEntities returns the tenant's most mentioned entities.
func (s *Store) TopEntities(ctx context.Context, tenantID tenant.ID, limit int) ([]Entity, error) {
	if err := tenantID.Validate(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, name, kind, mention_count, first_seen, last_seen
		FROM graph_entities WHERE tenant_id = ?
		ORDER BY mention_count DESC, last_seen DESC, key
		LIMIT ?`, string(tenantID), limit)
	if err != nil {
		return nil, fmt.Errorf("listing entities: %w", err)
	}
	defer rows.Close()

	var out []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Relations returns the outgoing edges of the entity name resolves to,
// heaviest first.
func (s *Store) Relations(ctx context.Context, tenantID tenant.ID, name string) ([]Relation, error) {
	e, ok, err := s.Resolve(ctx, tenantID, name)
	if err != nil || !ok {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.relation, COALESCE(t.name, r.target_key), r.weight, r.last_seen
		FROM graph_relations r
		LEFT JOIN graph_entities t ON t.tenant_id = r.tenant_id AND t.key = r.target_key
		WHERE r.tenant_id = ? AND r.source_key = ?
		ORDER BY r.weight DESC, r.relation, r.target_key`,
		string(tenantID), e.Key)
	if err != nil {
		return nil, fmt.Errorf("listing relations: %w", err)
	}
	defer rows.Close()

	var out []Relation
	for rows.Next() {
		r := Relation{Source: e.Name}
		var seen int64
		if err := rows.Scan(&r.Relation, &r.Target, &r.Weight, &seen); err != nil {
			return nil, fmt.Errorf("scanning relation: %w", err)
		}
		r.LastSeen = time.Unix(0, seen).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Evict drops a tenant's working set. The persisted graph is untouched.
func (s *Store) Evict(tenantID tenant.ID) {
	s.tenants.Remove(tenantID)
}

// WorkingSetSize reports how many tenants and how many aliases for tenantID
// are held in memory.
func (s *Store) WorkingSetSize(tenantID tenant.ID) (tenants, aliases int) {
	if ws, ok := s.tenants.Peek(tenantID); ok {
		aliases = ws.Len()
	}
	return s.tenants.Len(), aliases
}

func (s *Store) entity(ctx context.Context, tenantID tenant.ID, key string) (Entity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, name, kind, mention_count, first_seen, last_seen
		FROM graph_entities WHERE tenant_id = ? AND key = ?`, string(tenantID), key)
	e, err := scanEntity(row)
	if err != nil {
		return Entity{}, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT alias FROM graph_aliases WHERE tenant_id = ? AND entity_key = ? ORDER BY alias`,
		string(tenantID), key)
	if err != nil {
		return Entity{}, fmt.Errorf("listing aliases: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return Entity{}, err
		}
		e.Aliases = append(e.Aliases, a)
	}
	return e, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntity(row scanner) (Entity, error) {
	var (
		e           Entity
		first, last int64
	)
	if err := row.Scan(&e.Key, &e.Name, &e.Kind, &e.MentionCount, &first, &last); err != nil {
		return Entity{}, err
	}
	e.FirstSeen = time.Unix(0, first).UTC()
	e.LastSeen = time.Unix(0, last).UTC()
	return e, nil
}

// workingSet returns the tenant's alias map, loading it from the top
// entities when the tenant is cold.
func (s *Store) workingSet(ctx context.Context, tenantID tenant.ID) (*cache.LRU[string, string], error) {
	if ws, ok := s.tenants.Get(tenantID); ok {
		return ws, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok := s.tenants.Peek(tenantID); ok {
		return ws, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT a.alias, a.entity_key
		FROM graph_aliases a
		JOIN graph_entities e ON e.tenant_id = a.tenant_id AND e.key = a.entity_key
		WHERE a.tenant_id = ?
		ORDER BY e.mention_count DESC, e.last_seen DESC, a.alias
		LIMIT ?`, string(tenantID), s.cfg.EntityCap)
	if err != nil {
		return nil, fmt.Errorf("loading working set: %w", err)
	}
	defer rows.Close()

	var pairs [][2]string
	for rows.Next() {
		var alias, key string
		if err := rows.Scan(&alias, &key); err != nil {
			return nil, fmt.Errorf("scanning alias: %w", err)
		}
		pairs = append(pairs, [2]string{alias, key})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	ws := cache.NewLRU[string, string]("graph_aliases", s.cfg.EntityCap, 0)
	// Least mentioned first, so the top entities are the most recently used.
	for i := len(pairs) - 1; i >= 0; i-- {
		ws.Add(pairs[i][0], pairs[i][1])
	}

	s.tenants.Add(tenantID, ws)
	s.logger.Debug("loaded graph working set",
		zap.String("tenant.id", string(tenantID)),
		zap.Int("aliases", ws.Len()))
	return ws, nil
}
