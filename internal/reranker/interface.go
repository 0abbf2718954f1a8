// Package reranker scores query/passage pairs independently of how the
// passages were retrieved.
package reranker

import (
	"context"
	"errors"
)

var (
	// ErrNilContext is returned when a nil context is passed to Rerank.
	ErrNilContext = errors.New("context cannot be nil")

	// ErrUnavailable wraps every failure to reach or decode a remote reranker.
	ErrUnavailable = errors.New("reranker unavailable")
)

// Document is one passage to score.
type Document struct {
	ID      string
	Content string
}

// ScoredDocument is a document with its reranker score.
type ScoredDocument struct {
	Document
	RerankerScore float32 // 0.0-1.0
	OriginalRank  int     // position in the input, 0-indexed
}

// Reranker scores documents against a query.
type Reranker interface {
	// Rerank scores every document pointwise and returns them sorted by
	// RerankerScore descending, ties in input order, limited to topK.
	// topK <= 0 returns all documents.
	Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error)

	// Close releases any resources held by the reranker.
	Close() error
}

// rank orders scored documents and applies topK.
func rank(scored []ScoredDocument, topK int) []ScoredDocument {
	sortScored(scored)
	if topK > 0 && topK < len(scored) {
		scored = scored[:topK]
	}
	return scored
}
