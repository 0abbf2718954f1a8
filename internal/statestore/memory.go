package statestore

import (
	"context"
	"sync"
	"time"

	"github.com/fyrsmithlabs/corpusd/internal/cache"
)

// MemoryStore is a bounded in-process Store for single-node deployments and
// tests. Entries expire after the TTL and the least recently used entry is
// evicted when full.
type MemoryStore struct {
	ttl time.Duration
	mu  sync.Mutex // serializes Take against Put/Delete
	lru *cache.LRU[string, []byte]
}

// NewMemoryStore creates a MemoryStore holding at most maxEntries entries.
func NewMemoryStore(maxEntries int, ttl time.Duration) *MemoryStore {
	return &MemoryStore{
		ttl: ttl,
		lru: cache.NewLRU[string, []byte]("state", maxEntries, ttl),
	}
}

func (s *MemoryStore) Put(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	buf := make([]byte, len(value))
	copy(buf, value)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(key, buf)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	v, ok := s.lru.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) Take(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.lru.Get(key)
	if !ok {
		return nil, ErrNotFound
	}
	s.lru.Remove(key)
	return v, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(key)
	return nil
}

func (s *MemoryStore) TTL() time.Duration { return s.ttl }

func (s *MemoryStore) Close() error {
	s.lru.Purge()
	return nil
}
