package synthesis

import (
	"context"
	"fmt"
)

// Claim statuses.
const (
	ClaimVerified        = "verified"
	ClaimUnsupported     = "unsupported"
	ClaimInvalidCitation = "invalid_citation"
)

// DefaultVerifyThreshold is the fraction of a claim's content words that a
// cited source must contain.
const DefaultVerifyThreshold = 0.5

// Claim is one checked sentence of an answer.
type Claim struct {
	Text      string  `json:"text"`
	Citations []int   `json:"citations,omitempty"`
	Status    string  `json:"status"`
	Support   float64 `json:"support"` // best overlap with a cited source
}

// Verification is the verifier's verdict on an answer.
type Verification struct {
	Claims     []Claim `json:"claims"`
	Confidence float64 `json:"confidence"`
}

// Verifier checks an answer's claims against its sources.
type Verifier interface {
	Verify(ctx context.Context, answer string, sources []Source) (Verification, error)
}

// OverlapVerifier accepts a claim when some cited source contains at least
// Threshold of the claim's content words.
type OverlapVerifier struct {
	Threshold float64
}

// NewOverlapVerifier returns a verifier with the given threshold, or the
// default when threshold is outside (0, 1].
func NewOverlapVerifier(threshold float64) *OverlapVerifier {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultVerifyThreshold
	}
	return &OverlapVerifier{Threshold: threshold}
}

// Verify checks each sentence that carries content. Sentences without a
// citation are unsupported; citations to unknown numbers are invalid.
// Confidence is verified claims over all claims, 0 when there are none.
func (v *OverlapVerifier) Verify(ctx context.Context, answer string, sources []Source) (Verification, error) {
	if err := ctx.Err(); err != nil {
		return Verification{}, fmt.Errorf("%w: %v", ErrVerificationUnavailable, err)
	}

	byNumber := make(map[int]map[string]struct{}, len(sources))
	for _, s := range sources {
		byNumber[s.Number] = contentWords(s.Title + " " + s.Text)
	}

	var out Verification
	verified := 0
	for _, sentence := range splitSentences(answer) {
		text := stripCitations(sentence)
		words := contentWords(text)
		if len(words) == 0 {
			continue
		}
		c := Claim{Text: text, Citations: citations(sentence)}

		valid := 0
		for _, n := range c.Citations {
			src, ok := byNumber[n]
			if !ok {
				continue
			}
			valid++
			c.Support = max(c.Support, coverage(words, src))
		}
		switch {
		case len(c.Citations) == 0:
			c.Status = ClaimUnsupported
		case valid == 0:
			c.Status = ClaimInvalidCitation
		case c.Support >= v.Threshold:
			c.Status = ClaimVerified
			verified++
		default:
			c.Status = ClaimUnsupported
		}
		out.Claims = append(out.Claims, c)
	}
	if len(out.Claims) > 0 {
		out.Confidence = float64(verified) / float64(len(out.Claims))
	}
	return out, nil
}

// coverage is the fraction of claim words present in source.
func coverage(claim, source map[string]struct{}) float64 {
	if len(claim) == 0 {
		return 0
	}
	hit := 0
	for w := range claim {
		if _, ok := source[w]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(claim))
}
