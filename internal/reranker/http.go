package reranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"
)

// HTTPConfig configures a Text Embeddings Inference reranker.
type HTTPConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPReranker calls a cross-encoder served by TEI at /rerank.
type HTTPReranker struct {
	cfg    HTTPConfig
	client *http.Client
}

type rerankRequest struct {
	Query     string   `json:"query"`
	Texts     []string `json:"texts"`
	Truncate  bool     `json:"truncate"`
	RawScores bool     `json:"raw_scores"`
}

type rerankHit struct {
	Index int     `json:"index"`
	Score float64 `json:"score"`
}

// NewHTTPReranker validates cfg and returns a reranker.
func NewHTTPReranker(cfg HTTPConfig) (*HTTPReranker, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("reranker base URL required")
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &HTTPReranker{cfg: cfg, client: &http.Client{Timeout: cfg.Timeout}}, nil
}

func (r *HTTPReranker) Rerank(ctx context.Context, query string, docs []Document, topK int) ([]ScoredDocument, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if len(docs) == 0 {
		return []ScoredDocument{}, nil
	}

	texts := make([]string, len(docs))
	for i, d := range docs {
		texts[i] = d.Content
	}
	body, err := json.Marshal(rerankRequest{Query: query, Texts: texts, Truncate: true})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/rerank", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, msg)
	}

	var hits []rerankHit
	if err := json.NewDecoder(resp.Body).Decode(&hits); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrUnavailable, err)
	}
	if len(hits) != len(docs) {
		return nil, fmt.Errorf("%w: got %d scores for %d documents", ErrUnavailable, len(hits), len(docs))
	}

	scored := make([]ScoredDocument, len(docs))
	seen := make([]bool, len(docs))
	for _, h := range hits {
		if h.Index < 0 || h.Index >= len(docs) || seen[h.Index] {
			return nil, fmt.Errorf("%w: bad result index %d", ErrUnavailable, h.Index)
		}
		seen[h.Index] = true
		scored[h.Index] = ScoredDocument{
			Document:      docs[h.Index],
			RerankerScore: float32(normalize(h.Score)),
			OriginalRank:  h.Index,
		}
	}
	return rank(scored, topK), nil
}

// normalize maps a score into [0, 1]. Scores already in range pass through;
// raw logits go through a sigmoid.
func normalize(s float64) float64 {
	if s >= 0 && s <= 1 {
		return s
	}
	return 1 / (1 + math.Exp(-s))
}

// Close is a no-op; the reranker is reached over HTTP.
func (r *HTTPReranker) Close() error { return nil }
