package embeddings

import (
	"context"
	"errors"
	"fmt"

	"github.com/fyrsmithlabs/corpusd/internal/cache"
	"github.com/fyrsmithlabs/corpusd/internal/config"
	"go.uber.org/zap"
)

// Settings are the configuration sections a Gateway is built from.
type Settings struct {
	Embeddings config.EmbeddingsConfig
	Cache      config.CacheConfig
}

// NewGatewayFactory returns a versioned factory that builds a provider and
// Gateway from the settings current at build time. Bump it after the
// settings change; the superseded gateway is closed once the new one is
// built. Every build after the first must keep the first provider's vector
// dimension, since the index is created for it.
func NewGatewayFactory(settings func() Settings, logger *zap.Logger, opts ...Option) *cache.Factory[*Gateway] {
	if logger == nil {
		logger = zap.NewNop()
	}
	dimension := 0 // builds are serialized by the factory
	return cache.NewFactory("embedding_gateway", func(_ context.Context, version uint64) (*Gateway, error) {
		s := settings()
		provider, err := NewProvider(s.Embeddings)
		if err != nil {
			return nil, fmt.Errorf("creating embedding provider: %w", err)
		}
		if dimension > 0 && provider.Dimension() != dimension {
			provider.Close()
			return nil, fmt.Errorf("%w: provider dimension %d does not match index dimension %d",
				ErrInvalidConfig, provider.Dimension(), dimension)
		}
		gw, err := NewGateway(provider, GatewayConfigFrom(s.Embeddings, s.Cache), opts...)
		if err != nil {
			provider.Close()
			return nil, err
		}
		dimension = provider.Dimension()
		logger.Info("embedding gateway built",
			zap.Uint64("version", version),
			zap.String("provider", s.Embeddings.Provider),
			zap.String("model", s.Embeddings.Model))
		return gw, nil
	}, logger)
}

// Reloadable forwards every call to the factory's current Gateway, so
// long-lived callers keep one handle across configuration reloads. A call
// that lands on a gateway closed by a concurrent reload is retried once on
// its replacement.
type Reloadable struct {
	factory *cache.Factory[*Gateway]
}

// NewReloadable wraps factory.
func NewReloadable(factory *cache.Factory[*Gateway]) *Reloadable {
	return &Reloadable{factory: factory}
}

// Gateway returns the current gateway.
func (r *Reloadable) Gateway(ctx context.Context) (*Gateway, error) {
	return r.factory.Current(ctx)
}

// Embed returns the passage embedding for text.
func (r *Reloadable) Embed(ctx context.Context, text string) ([]float32, error) {
	return withGateway(ctx, r, func(g *Gateway) ([]float32, error) { return g.Embed(ctx, text) })
}

// EmbedQuery returns the query embedding for text.
func (r *Reloadable) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return withGateway(ctx, r, func(g *Gateway) ([]float32, error) { return g.EmbedQuery(ctx, text) })
}

// EmbedBatch embeds texts in input order.
func (r *Reloadable) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return withGateway(ctx, r, func(g *Gateway) ([][]float32, error) { return g.EmbedBatch(ctx, texts) })
}

func withGateway[T any](ctx context.Context, r *Reloadable, call func(*Gateway) (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		g, err := r.factory.Current(ctx)
		if err != nil {
			return zero, err
		}
		v, err := call(g)
		if errors.Is(err, ErrClosed) && attempt == 0 {
			continue
		}
		return v, err
	}
}
