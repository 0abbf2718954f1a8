package cache

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLRU_Bounded(t *testing.T) {
	c := NewLRU[string, int]("test_bounded", 100, 0)
	for i := 0; i < 1000; i++ {
		c.Add(fmt.Sprintf("k%d", i), i)
	}
	assert.Equal(t, 100, c.Len())
	assert.Equal(t, uint64(900), c.Stats().Evictions)
}

func TestLRU_RetainsMostRecentlyUsed(t *testing.T) {
	c := NewLRU[string, int]("test_mru", 3, 0)
	c.Add("a", 1)
	c.Add("b", 2)
	c.Add("c", 3)

	// touching a makes b the least recently used
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Add("d", 4)

	_, ok = c.Peek("b")
	assert.False(t, ok, "b should be evicted")
	for _, k := range []string{"a", "c", "d"} {
		_, ok := c.Peek(k)
		assert.True(t, ok, "%s should be retained", k)
	}
	assert.Equal(t, []string{"c", "a", "d"}, c.Keys())
}

func TestLRU_PeekDoesNotRefresh(t *testing.T) {
	c := NewLRU[string, int]("test_peek", 2, 0)
	c.Add("a", 1)
	c.Add("b", 2)
	c.Peek("a")
	c.Add("c", 3)

	_, ok := c.Peek("a")
	assert.False(t, ok)
}

func TestLRU_TTL(t *testing.T) {
	c := NewLRU[string, int]("test_ttl", 10, 20*time.Millisecond)
	c.Add("a", 1)
	_, ok := c.Get("a")
	require.True(t, ok)

	assert.Eventually(t, func() bool {
		_, ok := c.Get("a")
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestLRU_Stats(t *testing.T) {
	c := NewLRU[string, int]("test_stats", 10, 0)
	c.Add("a", 1)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(1), s.Misses)
	assert.Equal(t, 1, s.Size)
	assert.Equal(t, 10, s.Capacity)
}

func TestLRU_ConcurrentAccess(t *testing.T) {
	c := NewLRU[int, int]("test_concurrent", 64, 0)

	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				k := (g*500 + i) % 200
				c.Add(k, i)
				c.Get(k)
				if i%50 == 0 {
					c.Remove(k)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 64)
}

func wantLen(n int) func([]float32) error {
	return func(v []float32) error {
		if len(v) != n {
			return fmt.Errorf("length %d, want %d", len(v), n)
		}
		return nil
	}
}

func TestLRU_GetCheckedDropsMalformedEntry(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	c := NewLRU[string, []float32]("test_checked", 10, 0, WithLogger(zap.New(core)))
	c.Add("good", []float32{1, 2, 3})
	c.Add("bad", []float32{1})

	v, ok := c.GetChecked("good", wantLen(3))
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, v)

	v, ok = c.GetChecked("bad", wantLen(3))
	assert.False(t, ok)
	assert.Nil(t, v)
	_, present := c.Peek("bad")
	assert.False(t, present, "malformed entry is removed")
	assert.Equal(t, 1, c.Len())

	entries := logs.FilterLevelExact(zapcore.DPanicLevel).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "test_checked", entries[0].ContextMap()["cache"])
	err, _ := entries[0].Context[2].Interface.(error)
	assert.True(t, errors.Is(err, ErrCacheCorruption))

	// recompute fills the slot again
	c.Add("bad", []float32{4, 5, 6})
	_, ok = c.GetChecked("bad", wantLen(3))
	assert.True(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestLRU_GetCheckedPanicsUnderDevelopmentLogger(t *testing.T) {
	core, _ := observer.New(zapcore.DebugLevel)
	c := NewLRU[string, []float32]("test_checked_dev", 10, 0, WithLogger(zap.New(core, zap.Development())))
	c.Add("bad", []float32{1})

	assert.Panics(t, func() { c.GetChecked("bad", wantLen(3)) })
	_, present := c.Peek("bad")
	assert.False(t, present, "entry is removed before the panic")
}
