package cache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Flight deduplicates concurrent computations by key.
//
// The computation runs on a context detached from its callers' cancellation
// and bounded by the group timeout. A caller whose own context ends stops
// waiting and gets ctx.Err(); the computation carries on for the others.
type Flight[V any] struct {
	name    string
	timeout time.Duration
	group   singleflight.Group
	logger  *zap.Logger
}

// NewFlight creates a single-flight group. timeout bounds each shared
// computation; zero means no bound beyond the caller-independent context.
func NewFlight[V any](name string, timeout time.Duration, opts ...Option) *Flight[V] {
	return &Flight[V]{name: name, timeout: timeout, logger: buildOptions(opts).logger}
}

// Do runs fn once per key among concurrent callers. shared reports whether
// this caller received a result computed for another caller. A shared
// result of another type is logged at DPanic with ErrCacheCorruption, the
// key is forgotten and fn runs again for this caller.
func (f *Flight[V]) Do(ctx context.Context, key string, fn func(ctx context.Context) (V, error)) (v V, shared bool, err error) {
	run := func() (V, error) {
		runCtx := context.WithoutCancel(ctx)
		if f.timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, f.timeout)
			defer cancel()
		}
		return fn(runCtx)
	}
	ch := f.group.DoChan(key, func() (any, error) { return run() })

	select {
	case <-ctx.Done():
		return v, false, ctx.Err()
	case res := <-ch:
		if res.Shared {
			SharedCalls.WithLabelValues(f.name).Inc()
		}
		if res.Err != nil {
			return v, res.Shared, res.Err
		}
		if res.Val == nil {
			// a nil interface V
			return v, res.Shared, nil
		}
		out, ok := res.Val.(V)
		if !ok {
			f.group.Forget(key)
			Corruptions.WithLabelValues(f.name).Inc()
			f.logger.DPanic("discarding mistyped single-flight result",
				zap.String("group", f.name),
				zap.String("key", key),
				zap.Error(fmt.Errorf("%w: got %T", ErrCacheCorruption, res.Val)))
			out, err = run()
			return out, false, err
		}
		return out, res.Shared, nil
	}
}

// Forget drops any in-flight record for key so the next call starts fresh.
func (f *Flight[V]) Forget(key string) {
	f.group.Forget(key)
}
