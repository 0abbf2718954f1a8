package search

import (
	"context"
	"errors"

	"github.com/fyrsmithlabs/corpusd/internal/cache"
)

// Reloadable serves every search from the factory's current Service. A
// search that lands on a service closed by a concurrent reload is retried
// once on its replacement.
type Reloadable struct {
	factory *cache.Factory[*Service]
}

// NewReloadable wraps factory.
func NewReloadable(factory *cache.Factory[*Service]) *Reloadable {
	return &Reloadable{factory: factory}
}

// Search implements Searcher.
func (r *Reloadable) Search(ctx context.Context, req Request) (Response, error) {
	for attempt := 0; ; attempt++ {
		svc, err := r.factory.Current(ctx)
		if err != nil {
			return Response{}, err
		}
		resp, err := svc.Search(ctx, req)
		if errors.Is(err, ErrClosed) && attempt == 0 {
			continue
		}
		return resp, err
	}
}
