package ranking

import (
	"math"
	"regexp"
	"strings"
)

// DefaultLambda weighs relevance against novelty in MMR.
const DefaultLambda = 0.7

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// MMR greedily selects up to k items maximizing
//
//	lambda*relevance - (1-lambda)*max similarity to the items already chosen.
//
// Similarity is cosine over vectors when both items carry vectors of equal
// length, otherwise Jaccard over lowercase tokens. Equal scores break by
// DocumentID, then ChunkIndex, ascending, so the result depends only on the
// input set and never on its order.
func MMR(items []Item, k int, lambda float64) []Item {
	if k <= 0 || len(items) == 0 {
		return nil
	}
	if k > len(items) {
		k = len(items)
	}

	tokens := make([]map[string]struct{}, len(items))
	for i := range items {
		if len(items[i].Vector) == 0 {
			tokens[i] = tokenSet(items[i].Text)
		}
	}
	similarity := func(a, b int) float64 {
		va, vb := items[a].Vector, items[b].Vector
		if len(va) > 0 && len(va) == len(vb) {
			return cosine(va, vb)
		}
		ta, tb := tokens[a], tokens[b]
		if ta == nil {
			ta = tokenSet(items[a].Text)
			tokens[a] = ta
		}
		if tb == nil {
			tb = tokenSet(items[b].Text)
			tokens[b] = tb
		}
		return jaccard(ta, tb)
	}

	chosen := make([]int, 0, k)
	used := make([]bool, len(items))
	maxSim := make([]float64, len(items)) // to anything chosen so far

	for len(chosen) < k {
		best := -1
		bestScore := math.Inf(-1)
		for i := range items {
			if used[i] {
				continue
			}
			score := lambda*items[i].Relevance - (1-lambda)*maxSim[i]
			if best < 0 || score > bestScore || (score == bestScore && before(items[i], items[best])) {
				best, bestScore = i, score
			}
		}
		used[best] = true
		chosen = append(chosen, best)
		for i := range items {
			if !used[i] {
				maxSim[i] = max(maxSim[i], similarity(i, best))
			}
		}
	}

	out := make([]Item, len(chosen))
	for i, idx := range chosen {
		out[i] = items[idx]
	}
	return out
}

func before(a, b Item) bool {
	if a.DocumentID != b.DocumentID {
		return a.DocumentID < b.DocumentID
	}
	return a.ChunkIndex < b.ChunkIndex
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, t := range tokenPattern.FindAllString(strings.ToLower(text), -1) {
		set[t] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for t := range a {
		if _, ok := b[t]; ok {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}
