// Package embeddingstest provides a deterministic embedding provider for
// tests across corpusd.
package embeddingstest

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
)

// ErrUnavailable is returned while a BagOfWords provider is failing.
var ErrUnavailable = errors.New("embedding provider unavailable")

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// BagOfWords embeds text as a normalized hashed bag of words, so texts that
// share words have similar vectors. It is safe for concurrent use.
type BagOfWords struct {
	dim     int
	calls   atomic.Int64
	texts   atomic.Int64
	mu      sync.Mutex
	failing bool
}

// New returns a provider producing dim-dimensional vectors.
func New(dim int) *BagOfWords {
	return &BagOfWords{dim: dim}
}

// SetFailing makes every call fail with ErrUnavailable until reset.
func (b *BagOfWords) SetFailing(failing bool) {
	b.mu.Lock()
	b.failing = failing
	b.mu.Unlock()
}

func (b *BagOfWords) isFailing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failing
}

// Calls returns the number of provider calls made.
func (b *BagOfWords) Calls() int64 { return b.calls.Load() }

// Texts returns the number of texts embedded.
func (b *BagOfWords) Texts() int64 { return b.texts.Load() }

func (b *BagOfWords) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	b.calls.Add(1)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.isFailing() {
		return nil, ErrUnavailable
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = b.Vector(t)
	}
	b.texts.Add(int64(len(texts)))
	return out, nil
}

func (b *BagOfWords) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := b.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (b *BagOfWords) Dimension() int { return b.dim }

func (b *BagOfWords) Close() error { return nil }

// Vector returns the embedding of text without counting a call.
func (b *BagOfWords) Vector(text string) []float32 {
	v := make([]float32, b.dim)
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		h := fnv.New32a()
		h.Write([]byte(w))
		v[int(h.Sum32()%uint32(b.dim))]++
	}
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		v[0] = 1
		return v
	}
	norm := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= norm
	}
	return v
}
