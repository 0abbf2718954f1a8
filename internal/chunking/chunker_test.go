package chunking

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func words(n int) string {
	var b strings.Builder
	for b.Len() < n {
		b.WriteString("lorem ")
	}
	return b.String()[:n]
}

func TestNew_Validation(t *testing.T) {
	_, err := New(0, 0)
	assert.Error(t, err)
	_, err = New(100, 100)
	assert.Error(t, err)
	_, err = New(100, -1)
	assert.Error(t, err)

	c, err := New(DefaultSize, DefaultOverlap)
	require.NoError(t, err)
	assert.NotNil(t, c)
}

func TestSplit(t *testing.T) {
	c, err := New(DefaultSize, DefaultOverlap)
	require.NoError(t, err)

	tests := []struct {
		name      string
		text      string
		minChunks int
		maxChunks int
	}{
		{"empty", "", 0, 0},
		{"whitespace only", "   \n\t ", 0, 0},
		{"short", "a single short paragraph", 1, 1},
		{"exactly one window", words(DefaultSize), 1, 1},
		{"five thousand characters", words(5000), 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := c.Split("acme", "doc-1", tt.text)
			assert.GreaterOrEqual(t, len(chunks), tt.minChunks)
			assert.LessOrEqual(t, len(chunks), tt.maxChunks)
			for i, ch := range chunks {
				assert.Equal(t, i, ch.Index)
				assert.Equal(t, "doc-1", ch.DocumentID)
				assert.LessOrEqual(t, len([]rune(ch.Text)), DefaultSize)
				assert.NotEmpty(t, ch.Fingerprint)
				assert.NotEmpty(t, ch.PointID)
			}
		})
	}
}

func TestSplit_Overlap(t *testing.T) {
	c, err := New(100, 20)
	require.NoError(t, err)

	text := strings.Repeat("abcdefghij", 30) // no whitespace, exact windows
	chunks := c.Split("acme", "doc", text)
	require.Len(t, chunks, 4)

	for i := 1; i < len(chunks); i++ {
		assert.Equal(t, chunks[i-1].End-20, chunks[i].Start, "chunk %d should overlap the previous by 20", i)
	}
	assert.Equal(t, len(text), chunks[len(chunks)-1].End)
}

func TestSplit_PrefersWhitespaceBoundary(t *testing.T) {
	c, err := New(50, 10)
	require.NoError(t, err)

	text := strings.Repeat("x", 47) + " " + strings.Repeat("y", 60)
	chunks := c.Split("acme", "doc", text)
	require.NotEmpty(t, chunks)
	assert.Equal(t, 48, chunks[0].End)
	assert.Equal(t, strings.Repeat("x", 47), chunks[0].Text)
}

func TestSplit_Multibyte(t *testing.T) {
	c, err := New(10, 2)
	require.NoError(t, err)

	text := strings.Repeat("日本語", 10)
	chunks := c.Split("acme", "doc", text)
	require.NotEmpty(t, chunks)
	for _, ch := range chunks {
		assert.LessOrEqual(t, len([]rune(ch.Text)), 10)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("acme", "hello world")
	assert.Equal(t, a, Fingerprint("acme", "hello world"), "stable for same input")
	assert.NotEqual(t, a, Fingerprint("globex", "hello world"), "tenant is part of the fingerprint")
	assert.NotEqual(t, a, Fingerprint("acme", "hello world!"))

	// the separator prevents tenant/text boundary collisions
	assert.NotEqual(t, Fingerprint("ab", "c"), Fingerprint("a", "bc"))
}

func TestPointID_Stable(t *testing.T) {
	fp := Fingerprint("acme", "hello")
	assert.Equal(t, PointID("doc-1", fp), PointID("doc-1", fp))
	assert.NotEqual(t, PointID("doc-1", fp), PointID("doc-1", Fingerprint("acme", "bye")))
	assert.NotEqual(t, PointID("doc-1", fp), PointID("doc-2", fp), "same text in two documents")
	assert.Len(t, PointID("doc-1", fp), 36)
}

func TestSplit_Idempotent(t *testing.T) {
	c, err := New(DefaultSize, DefaultOverlap)
	require.NoError(t, err)

	text := words(5000)
	first := c.Split("acme", "doc", text)
	second := c.Split("acme", "doc", text)
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].PointID, second[i].PointID)
	}
}
