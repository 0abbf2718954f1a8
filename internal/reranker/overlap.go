package reranker

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

// OverlapReranker scores a document by the fraction of distinct query
// terms it contains. It needs no model and serves as the offline fallback.
type OverlapReranker struct{}

// NewOverlapReranker creates an OverlapReranker.
func NewOverlapReranker() *OverlapReranker {
	return &OverlapReranker{}
}

func (r *OverlapReranker) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	queryTerms := termSet(query)
	scored := make([]ScoredDocument, len(docs))
	for i, doc := range docs {
		scored[i] = ScoredDocument{
			Document:      doc,
			RerankerScore: overlap(queryTerms, termSet(doc.Content)),
			OriginalRank:  i,
		}
	}
	return rank(scored, topK), nil
}

// Close is a no-op.
func (r *OverlapReranker) Close() error {
	return nil
}

func sortScored(s []ScoredDocument) {
	sort.SliceStable(s, func(i, j int) bool {
		if s[i].RerankerScore != s[j].RerankerScore {
			return s[i].RerankerScore > s[j].RerankerScore
		}
		return s[i].OriginalRank < s[j].OriginalRank
	})
}

// termSet lowercases text and returns its distinct non-stopword terms.
func termSet(text string) map[string]struct{} {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	set := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		if len(t) > 2 && !stopwords[t] {
			set[t] = struct{}{}
		}
	}
	return set
}

func overlap(query, doc map[string]struct{}) float32 {
	if len(query) == 0 {
		return 0
	}
	matched := 0
	for t := range query {
		if _, ok := doc[t]; ok {
			matched++
		}
	}
	return float32(matched) / float32(len(query))
}

var stopwords = map[string]bool{
	"the": true, "and": true, "but": true, "for": true, "with": true, "from": true,
	"was": true, "are": true, "been": true, "being": true, "have": true, "has": true,
	"had": true, "does": true, "did": true, "will": true, "would": true, "could": true,
	"should": true, "may": true, "might": true, "can": true, "this": true, "that": true,
	"these": true, "those": true, "you": true, "she": true, "they": true, "what": true,
	"which": true, "who": true, "when": true, "where": true, "why": true, "how": true,
	"our": true, "your": true, "their": true, "its": true, "into": true, "about": true,
}
