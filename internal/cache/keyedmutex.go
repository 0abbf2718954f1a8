package cache

import (
	"context"
	"sync"
)

// KeyedMutex provides one mutual-exclusion lock per key. Idle keys are
// released, so memory is bounded by the number of keys currently held or
// waited on.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	sem  chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock acquires the lock for key, waiting until it is free or ctx ends.
// The returned function releases it and must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (unlock func(), err error) {
	l := m.ref(key)
	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.sem
				m.unref(key)
			})
		}, nil
	case <-ctx.Done():
		m.unref(key)
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if nobody holds it.
func (m *KeyedMutex) TryLock(key string) (unlock func(), ok bool) {
	l := m.ref(key)
	select {
	case l.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.sem
				m.unref(key)
			})
		}, true
	default:
		m.unref(key)
		return nil, false
	}
}

// Len returns the number of keys currently tracked.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) ref(key string) *keyedLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) unref(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}
