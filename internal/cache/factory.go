package cache

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// BuildFunc constructs the resource for a factory version.
type BuildFunc[T any] func(ctx context.Context, version uint64) (T, error)

type built[T any] struct {
	version uint64
	value   T
}

// Factory lazily builds a resource and rebuilds it when a newer version is
// requested. The previous instance is closed if it implements io.Closer.
//
// Reads of the current instance are lock-free; builds are serialized so at
// most one build runs at a time, and a version is never built twice.
type Factory[T any] struct {
	name   string
	build  BuildFunc[T]
	logger *zap.Logger

	mu      sync.Mutex
	current atomic.Pointer[built[T]]
	latest  atomic.Uint64
}

// NewFactory creates a versioned factory starting at version 1.
func NewFactory[T any](name string, build BuildFunc[T], logger *zap.Logger) *Factory[T] {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Factory[T]{name: name, build: build, logger: logger}
	f.latest.Store(1)
	return f
}

// Get returns the instance for version, building it if nothing has been
// built yet or version is newer than the current instance. Requests for an
// older version get the current instance; versions never move backwards.
func (f *Factory[T]) Get(ctx context.Context, version uint64) (T, error) {
	if b := f.current.Load(); b != nil && b.version >= version {
		return b.value, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	// another caller may have built it while we waited
	prev := f.current.Load()
	if prev != nil && prev.version >= version {
		return prev.value, nil
	}

	value, err := f.build(ctx, version)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("building %s v%d: %w", f.name, version, err)
	}
	f.current.Store(&built[T]{version: version, value: value})
	FactoryRebuilds.WithLabelValues(f.name).Inc()

	for {
		l := f.latest.Load()
		if l >= version || f.latest.CompareAndSwap(l, version) {
			break
		}
	}

	if prev != nil {
		if c, ok := any(prev.value).(io.Closer); ok {
			if err := c.Close(); err != nil {
				f.logger.Warn("closing superseded instance failed",
					zap.String("factory", f.name),
					zap.Uint64("version", prev.version),
					zap.Error(err))
			}
		}
	}
	f.logger.Debug("factory built instance", zap.String("factory", f.name), zap.Uint64("version", version))
	return value, nil
}

// Current returns the instance for the latest requested version.
func (f *Factory[T]) Current(ctx context.Context) (T, error) {
	return f.Get(ctx, f.latest.Load())
}

// Bump marks a new version as current and returns it. The rebuild happens
// lazily on the next Get or Current.
func (f *Factory[T]) Bump() uint64 {
	return f.latest.Add(1)
}

// Version returns the latest version number.
func (f *Factory[T]) Version() uint64 {
	return f.latest.Load()
}

// Close closes the current instance if it implements io.Closer.
func (f *Factory[T]) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.current.Swap(nil)
	if b == nil {
		return nil
	}
	if c, ok := any(b.value).(io.Closer); ok {
		return c.Close()
	}
	return nil
}
